// Package dynamodb implements store.Store on Amazon DynamoDB.
//
// Every logical table maps to {prefix}{table} with hash key "id" (S) and range key
// "version" (N). Index lookups on any attribute other than id go to a global secondary
// index named {attribute}-index whose range key is the descriptor's SortBy.
package dynamodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/pranav-miglani/dental-record/internal/store"
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

var (
	_ store.Store = (*Store)(nil)
	_ API         = (*dynamodb.Client)(nil)
)

type Config struct {
	Region          string
	Endpoint        string // DynamoDB Local or another compatible endpoint
	TablePrefix     string
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient builds a DynamoDB client. Static credentials are used when both keys are set,
// otherwise the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Store is a store.Store backed by DynamoDB tables.
type Store struct {
	client API
	prefix string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, cfg.TablePrefix), nil
}

func NewWithClient(client API, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) table(name string) *string {
	return aws.String(s.prefix + name)
}

func indexName(attr string) string {
	return attr + "-index"
}

func keyOf(k store.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		store.AttrID:      &types.AttributeValueMemberS{Value: k.ID},
		store.AttrVersion: &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", k.Version)},
	}
}

// marshalItem drops nil and empty-string attributes. Index key attributes may not hold an
// empty string, and readers treat a missing attribute as the zero value.
func marshalItem(item store.Item) (map[string]types.AttributeValue, error) {
	clean := make(map[string]any, len(item))
	for k, v := range item {
		if v == nil || v == "" {
			continue
		}
		clean[k] = store.Normalize(v)
	}
	av, err := attributevalue.MarshalMap(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	return av, nil
}

func unmarshalItem(av map[string]types.AttributeValue) (store.Item, error) {
	raw := make(map[string]any, len(av))
	if err := attributevalue.UnmarshalMap(av, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	item := make(store.Item, len(raw))
	for k, v := range raw {
		item[k] = store.Normalize(v)
	}
	return item, nil
}

func (s *Store) Get(ctx context.Context, table string, key store.Key) (store.Item, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      s.table(table),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from %s: %w", key, table, err)
	}
	if len(out.Item) == 0 {
		return nil, store.ErrNotFound
	}
	return unmarshalItem(out.Item)
}

func (s *Store) Put(ctx context.Context, table string, key store.Key, item store.Item) error {
	full := item.Clone()
	full[store.AttrID] = key.ID
	full[store.AttrVersion] = key.Version
	av, err := marshalItem(full)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                s.table(table),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": store.AttrID},
	})
	if isConditionFailed(err) {
		return store.ErrConditionFailed
	}
	if err != nil {
		return fmt.Errorf("failed to put %s into %s: %w", key, table, err)
	}
	return nil
}

// Update requires the item to exist. When the condition check fails the old item is
// returned with the error, which tells a missing item apart from a lost CAS.
func (s *Store) Update(ctx context.Context, table string, key store.Key, changes store.Item, expect ...store.Condition) error {
	var b exprBuilder
	update, err := b.update(changes)
	if err != nil {
		return err
	}
	if update == "" {
		return nil
	}
	conds := []string{"attribute_exists(" + b.name(store.AttrID) + ")"}
	for _, c := range expect {
		expr, err := b.condition(c)
		if err != nil {
			return err
		}
		conds = append(conds, expr)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           s.table(table),
		Key:                                 keyOf(key),
		UpdateExpression:                    aws.String(update),
		ConditionExpression:                 aws.String(joinAnd(conds)),
		ExpressionAttributeNames:            b.names,
		ExpressionAttributeValues:           b.valuesOrNil(),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return store.ErrNotFound
		}
		return store.ErrConditionFailed
	}
	if err != nil {
		return fmt.Errorf("failed to update %s in %s: %w", key, table, err)
	}
	return nil
}

func (s *Store) queryInput(table string, idx store.Index) (*dynamodb.QueryInput, error) {
	var b exprBuilder
	cond, err := b.condition(store.Condition{Attribute: idx.Attribute, Op: store.OpEq, Value: idx.Value})
	if err != nil {
		return nil, err
	}
	in := &dynamodb.QueryInput{
		TableName:                 s.table(table),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeNames:  b.names,
		ExpressionAttributeValues: b.valuesOrNil(),
		ScanIndexForward:          aws.Bool(!idx.Descending),
	}
	if idx.Attribute != store.AttrID {
		in.IndexName = aws.String(indexName(idx.Attribute))
	} else {
		in.ConsistentRead = aws.Bool(true)
	}
	return in, nil
}

func (s *Store) Query(ctx context.Context, table string, idx store.Index, page store.PageRequest) (store.Page, error) {
	in, err := s.queryInput(table, idx)
	if err != nil {
		return store.Page{}, err
	}
	if page.Limit > 0 {
		in.Limit = aws.Int32(int32(page.Limit))
	}
	if in.ExclusiveStartKey, err = decodeCursor(page.Cursor); err != nil {
		return store.Page{}, err
	}

	out, err := s.client.Query(ctx, in)
	if err != nil {
		return store.Page{}, fmt.Errorf("failed to query %s by %s: %w", table, idx.Attribute, err)
	}
	return toPage(out.Items, out.LastEvaluatedKey)
}

func (s *Store) Scan(ctx context.Context, table string, filter store.Filter, page store.PageRequest) (store.Page, error) {
	in := &dynamodb.ScanInput{TableName: s.table(table), ConsistentRead: aws.Bool(true)}
	if len(filter) > 0 {
		var b exprBuilder
		parts := make([]string, 0, len(filter))
		for _, c := range filter {
			expr, err := b.condition(c)
			if err != nil {
				return store.Page{}, err
			}
			parts = append(parts, expr)
		}
		in.FilterExpression = aws.String(joinAnd(parts))
		in.ExpressionAttributeNames = b.names
		in.ExpressionAttributeValues = b.valuesOrNil()
	}
	if page.Limit > 0 {
		in.Limit = aws.Int32(int32(page.Limit))
	}
	var err error
	if in.ExclusiveStartKey, err = decodeCursor(page.Cursor); err != nil {
		return store.Page{}, err
	}

	out, err := s.client.Scan(ctx, in)
	if err != nil {
		return store.Page{}, fmt.Errorf("failed to scan %s: %w", table, err)
	}
	return toPage(out.Items, out.LastEvaluatedKey)
}

func (s *Store) Count(ctx context.Context, table string, idx store.Index) (int, error) {
	in, err := s.queryInput(table, idx)
	if err != nil {
		return 0, err
	}
	in.Select = types.SelectCount

	total := 0
	for {
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return 0, fmt.Errorf("failed to count %s by %s: %w", table, idx.Attribute, err)
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func toPage(items []map[string]types.AttributeValue, last map[string]types.AttributeValue) (store.Page, error) {
	page := store.Page{Items: make([]store.Item, 0, len(items))}
	for _, av := range items {
		item, err := unmarshalItem(av)
		if err != nil {
			return store.Page{}, err
		}
		page.Items = append(page.Items, item)
	}
	cursor, err := encodeCursor(last)
	if err != nil {
		return store.Page{}, err
	}
	page.Cursor = cursor
	return page, nil
}

// encodeCursor turns a LastEvaluatedKey into an opaque cursor.
func encodeCursor(last map[string]types.AttributeValue) (string, error) {
	if len(last) == 0 {
		return "", nil
	}
	raw := make(map[string]any, len(last))
	if err := attributevalue.UnmarshalMap(last, &raw); err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	return store.EncodeCursor(raw)
}

func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	if cursor == "" {
		return nil, nil
	}
	var raw map[string]any
	if err := store.DecodeCursor(cursor, &raw); err != nil {
		return nil, err
	}
	for k, v := range raw {
		raw[k] = store.Normalize(v)
	}
	av, err := attributevalue.MarshalMap(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return av, nil
}

func isConditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}
