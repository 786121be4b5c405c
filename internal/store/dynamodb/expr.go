package dynamodb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pranav-miglani/dental-record/internal/store"
)

// exprBuilder hands out #attrN and :valN placeholders for one request.
type exprBuilder struct {
	names  map[string]string
	values map[string]types.AttributeValue
	byName map[string]string
}

func (b *exprBuilder) name(attr string) string {
	if b.names == nil {
		b.names = make(map[string]string)
		b.byName = make(map[string]string)
	}
	if p, ok := b.byName[attr]; ok {
		return p
	}
	p := fmt.Sprintf("#attr%d", len(b.byName))
	b.byName[attr] = p
	b.names[p] = attr
	return p
}

func (b *exprBuilder) value(v any) (string, error) {
	av, err := attributevalue.Marshal(store.Normalize(v))
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}
	if b.values == nil {
		b.values = make(map[string]types.AttributeValue)
	}
	p := fmt.Sprintf(":val%d", len(b.values))
	b.values[p] = av
	return p, nil
}

func (b *exprBuilder) valuesOrNil() map[string]types.AttributeValue {
	if len(b.values) == 0 {
		return nil
	}
	return b.values
}

// condition renders one comparison. Equality with nil matches a missing attribute, and an
// inequality with nil requires the attribute to be present.
func (b *exprBuilder) condition(c store.Condition) (string, error) {
	n := b.name(c.Attribute)
	if c.Value == nil {
		switch c.Op {
		case store.OpEq:
			return fmt.Sprintf("attribute_not_exists(%s)", n), nil
		case store.OpNe:
			return fmt.Sprintf("attribute_exists(%s)", n), nil
		default:
			return "", fmt.Errorf("operator %s needs a value", c.Op)
		}
	}
	switch c.Op {
	case store.OpEq, store.OpNe, store.OpLt, store.OpLe, store.OpGt, store.OpGe:
	default:
		return "", fmt.Errorf("unsupported operator %q", c.Op)
	}
	v, err := b.value(c.Value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s %s", n, c.Op, v), nil
}

// update renders SET for present values and REMOVE for nil or empty ones. The identity
// attributes are never rewritten. Attributes are visited in sorted order so the rendered
// expression is stable.
func (b *exprBuilder) update(changes store.Item) (string, error) {
	attrs := make([]string, 0, len(changes))
	for k := range changes {
		if k == store.AttrID || k == store.AttrVersion {
			continue
		}
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)

	var set, remove []string
	for _, attr := range attrs {
		v := changes[attr]
		if v == nil || v == "" {
			remove = append(remove, b.name(attr))
			continue
		}
		p, err := b.value(v)
		if err != nil {
			return "", err
		}
		set = append(set, fmt.Sprintf("%s = %s", b.name(attr), p))
	}

	var parts []string
	if len(set) > 0 {
		parts = append(parts, "SET "+strings.Join(set, ", "))
	}
	if len(remove) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(remove, ", "))
	}
	return strings.Join(parts, " "), nil
}

func joinAnd(parts []string) string {
	if len(parts) == 1 {
		return parts[0]
	}
	wrapped := make([]string, len(parts))
	for i, p := range parts {
		wrapped[i] = "(" + p + ")"
	}
	return strings.Join(wrapped, " AND ")
}
