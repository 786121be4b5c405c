package dynamodb

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pranav-miglani/dental-record/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI records the last request of each kind and replies with canned output.
type fakeAPI struct {
	get    *dynamodb.GetItemInput
	put    *dynamodb.PutItemInput
	update *dynamodb.UpdateItemInput
	query  []*dynamodb.QueryInput
	scan   *dynamodb.ScanInput

	getOut    *dynamodb.GetItemOutput
	queryOuts []*dynamodb.QueryOutput
	scanOut   *dynamodb.ScanOutput
	err       error
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.get = in
	if f.getOut == nil {
		return &dynamodb.GetItemOutput{}, f.err
	}
	return f.getOut, f.err
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.put = in
	return &dynamodb.PutItemOutput{}, f.err
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.update = in
	return &dynamodb.UpdateItemOutput{}, f.err
}

func (f *fakeAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	cp := *in
	f.query = append(f.query, &cp)
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, f.err
}

func (f *fakeAPI) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.scan = in
	return f.scanOut, f.err
}

func TestPutIsConditionalInsert(t *testing.T) {
	api := &fakeAPI{}
	s := NewWithClient(api, "dental_")

	err := s.Put(context.Background(), "images", store.Key{ID: "img", Version: 2}, store.Item{
		"step_id": "s1", "is_current": true, "file_size": int64(42), "archived_key": "",
	})
	require.NoError(t, err)

	in := api.put
	assert.Equal(t, "dental_images", aws.ToString(in.TableName))
	assert.Equal(t, "attribute_not_exists(#id)", aws.ToString(in.ConditionExpression))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "img"}, in.Item["id"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "2"}, in.Item["version"])
	assert.Equal(t, &types.AttributeValueMemberBOOL{Value: true}, in.Item["is_current"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "42"}, in.Item["file_size"])
	assert.NotContains(t, in.Item, "archived_key", "empty strings are not stored")

	api.err = &types.ConditionalCheckFailedException{}
	err = s.Put(context.Background(), "images", store.Key{ID: "img", Version: 2}, store.Item{})
	assert.ErrorIs(t, err, store.ErrConditionFailed)
}

func TestUpdateRendersSetRemoveAndConditions(t *testing.T) {
	api := &fakeAPI{}
	s := NewWithClient(api, "")

	err := s.Update(context.Background(), "procedures", store.Key{ID: "p1"},
		store.Item{"id": "ignored", "status": "CLOSED", "description": nil, "revision": int64(4)},
		store.Condition{Attribute: "revision", Op: store.OpEq, Value: int64(3)},
	)
	require.NoError(t, err)

	in := api.update
	assert.Equal(t, "SET #attr1 = :val0, #attr2 = :val1 REMOVE #attr0", aws.ToString(in.UpdateExpression))
	assert.Equal(t, "(attribute_exists(#attr3)) AND (#attr1 = :val2)", aws.ToString(in.ConditionExpression))
	assert.Equal(t, map[string]string{
		"#attr0": "description", "#attr1": "revision", "#attr2": "status", "#attr3": "id",
	}, in.ExpressionAttributeNames)
	assert.Equal(t, &types.AttributeValueMemberN{Value: "3"}, in.ExpressionAttributeValues[":val2"])
	assert.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, in.ReturnValuesOnConditionCheckFailure)
}

func TestUpdateTellsMissingFromConflict(t *testing.T) {
	api := &fakeAPI{err: &types.ConditionalCheckFailedException{}}
	s := NewWithClient(api, "")
	changes := store.Item{"status": "CLOSED"}

	err := s.Update(context.Background(), "procedures", store.Key{ID: "p1"}, changes)
	assert.ErrorIs(t, err, store.ErrNotFound)

	api.err = &types.ConditionalCheckFailedException{Item: map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: "p1"},
	}}
	err = s.Update(context.Background(), "procedures", store.Key{ID: "p1"}, changes)
	assert.ErrorIs(t, err, store.ErrConditionFailed)
}

func TestQueryUsesIndexAndCursor(t *testing.T) {
	last := map[string]types.AttributeValue{
		"id":         &types.AttributeValueMemberS{Value: "p9"},
		"version":    &types.AttributeValueMemberN{Value: "0"},
		"patient_id": &types.AttributeValueMemberS{Value: "pt"},
		"created_at": &types.AttributeValueMemberN{Value: "1700000000000"},
	}
	api := &fakeAPI{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{last}, LastEvaluatedKey: last},
		{},
	}}
	s := NewWithClient(api, "t_")
	idx := store.Index{Attribute: "patient_id", Value: "pt", SortBy: "created_at", Descending: true}

	page, err := s.Query(context.Background(), "procedures", idx, store.PageRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(1700000000000), page.Items[0]["created_at"])
	require.NotEmpty(t, page.Cursor)

	in := api.query[0]
	assert.Equal(t, "patient_id-index", aws.ToString(in.IndexName))
	assert.Equal(t, "#attr0 = :val0", aws.ToString(in.KeyConditionExpression))
	assert.False(t, aws.ToBool(in.ScanIndexForward))
	assert.Equal(t, int32(1), aws.ToInt32(in.Limit))

	_, err = s.Query(context.Background(), "procedures", idx, store.PageRequest{Limit: 1, Cursor: page.Cursor})
	require.NoError(t, err)
	assert.Equal(t, last, api.query[1].ExclusiveStartKey)
}

func TestQueryByIDReadsBaseTable(t *testing.T) {
	api := &fakeAPI{queryOuts: []*dynamodb.QueryOutput{{}}}
	s := NewWithClient(api, "")

	_, err := s.Query(context.Background(), "images", store.Index{Attribute: store.AttrID, Value: "img", SortBy: store.AttrVersion}, store.PageRequest{})
	require.NoError(t, err)
	assert.Nil(t, api.query[0].IndexName)
	assert.True(t, aws.ToBool(api.query[0].ConsistentRead))
	assert.True(t, aws.ToBool(api.query[0].ScanIndexForward))
}

func TestCountFollowsPages(t *testing.T) {
	api := &fakeAPI{queryOuts: []*dynamodb.QueryOutput{
		{Count: 3, LastEvaluatedKey: map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "x"}}},
		{Count: 2},
	}}
	s := NewWithClient(api, "")

	n, err := s.Count(context.Background(), "procedures", store.Index{Attribute: "status", Value: "DRAFT"})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, types.SelectCount, api.query[1].Select)
}

func TestScanFilter(t *testing.T) {
	api := &fakeAPI{scanOut: &dynamodb.ScanOutput{}}
	s := NewWithClient(api, "")

	_, err := s.Scan(context.Background(), "procedures", store.Filter{
		{Attribute: "created_at", Op: store.OpLt, Value: int64(10)},
		{Attribute: "archived", Op: store.OpEq, Value: false},
		{Attribute: "end_date", Op: store.OpEq, Value: nil},
	}, store.PageRequest{Limit: 25})
	require.NoError(t, err)
	assert.Equal(t,
		"(#attr0 < :val0) AND (#attr1 = :val1) AND (attribute_not_exists(#attr2))",
		aws.ToString(api.scan.FilterExpression))
	assert.Equal(t, &types.AttributeValueMemberBOOL{Value: false}, api.scan.ExpressionAttributeValues[":val1"])
}

func TestGetMissingItem(t *testing.T) {
	s := NewWithClient(&fakeAPI{}, "")
	_, err := s.Get(context.Background(), "procedures", store.Key{ID: "nope"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
