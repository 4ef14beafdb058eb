package query

import (
	"bytes"
	"cmp"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/realmkit/internal/schema"
)

type compiledPredicate struct {
	column   int
	property schema.Property
	op       Operator
	literal  any
}

type compiledSort struct {
	column     int
	property   schema.Property
	descending bool
}

// Compiled is a query bound to the column layout of one class.
type Compiled struct {
	query      Query
	predicates []compiledPredicate
	sorts      []compiledSort
}

// Compile resolves every property of q against meta once.
func (q Query) Compile(meta *schema.Metadata) (*Compiled, error) {
	if q.Class != meta.ClassName() {
		return nil, fmt.Errorf("%w: query targets %q, metadata is %q", ErrInvalidQuery, q.Class, meta.ClassName())
	}
	compiled := &Compiled{query: q}
	for _, predicate := range q.Predicates {
		column, err := meta.Column(predicate.Property)
		if err != nil {
			return nil, err
		}
		property := meta.Property(column)
		literal, err := bindLiteral(property, predicate.Op, predicate.Value)
		if err != nil {
			return nil, err
		}
		compiled.predicates = append(compiled.predicates, compiledPredicate{
			column:   column,
			property: property,
			op:       predicate.Op,
			literal:  literal,
		})
	}
	for _, sort := range q.Sorts {
		column, err := meta.Column(sort.Property)
		if err != nil {
			return nil, err
		}
		property := meta.Property(column)
		if property.Type == schema.TypeData {
			return nil, fmt.Errorf("%w: cannot sort by data property %s", ErrInvalidQuery, property.Name)
		}
		compiled.sorts = append(compiled.sorts, compiledSort{column: column, property: property, descending: sort.Descending})
	}
	return compiled, nil
}

// Query returns the source query.
func (c *Compiled) Query() Query {
	return c.query
}

// Sorted reports whether the query declares an ordering.
func (c *Compiled) Sorted() bool {
	return len(c.sorts) > 0
}

// Match evaluates every predicate against a row.
func (c *Compiled) Match(values []any) bool {
	for _, predicate := range c.predicates {
		if !predicate.evaluate(values[predicate.column]) {
			return false
		}
	}
	return true
}

// Compare orders two rows by the sort descriptors; 0 means the rows tie.
func (c *Compiled) Compare(left, right []any) int {
	for _, sort := range c.sorts {
		result := compareValues(sort.property, left[sort.column], right[sort.column])
		if sort.descending {
			result = -result
		}
		if result != 0 {
			return result
		}
	}
	return 0
}

// Less reports whether left sorts before right.
func (c *Compiled) Less(left, right []any) bool {
	return c.Compare(left, right) < 0
}

func (p compiledPredicate) evaluate(value any) bool {
	if p.literal == nil {
		switch p.op {
		case Equal:
			return value == nil
		case NotEqual:
			return value != nil
		default:
			return false
		}
	}
	if value == nil {
		return p.op == NotEqual
	}
	switch p.property.Type {
	case schema.TypeInt, schema.TypeFloat, schema.TypeDouble, schema.TypeDecimal:
		result, ordered := schema.CompareNumeric(value, p.literal)
		if !ordered {
			return p.op == NotEqual
		}
		return applyOrdering(p.op, result)
	case schema.TypeString:
		text, _ := value.(string)
		literal, _ := p.literal.(string)
		switch p.op {
		case BeginsWith:
			return strings.HasPrefix(text, literal)
		case Contains:
			return strings.Contains(text, literal)
		default:
			return applyOrdering(p.op, strings.Compare(text, literal))
		}
	case schema.TypeBool:
		return applyOrdering(p.op, compareBool(value.(bool), p.literal.(bool)))
	case schema.TypeDate:
		return applyOrdering(p.op, value.(time.Time).Compare(p.literal.(time.Time)))
	case schema.TypeData:
		return applyOrdering(p.op, bytes.Compare(value.([]byte), p.literal.([]byte)))
	}
	return false
}

func applyOrdering(op Operator, result int) bool {
	switch op {
	case Equal:
		return result == 0
	case NotEqual:
		return result != 0
	case Less:
		return result < 0
	case LessOrEqual:
		return result <= 0
	case Greater:
		return result > 0
	case GreaterOrEqual:
		return result >= 0
	default:
		return false
	}
}

func bindLiteral(property schema.Property, op Operator, value any) (any, error) {
	if _, known := operatorNames[op]; !known {
		return nil, fmt.Errorf("%w: unknown operator %d", ErrInvalidQuery, int(op))
	}
	if value == nil {
		if op != Equal && op != NotEqual {
			return nil, fmt.Errorf("%w: %s %s NULL", ErrInvalidQuery, property.Name, op)
		}
		return nil, nil
	}
	switch property.Type {
	case schema.TypeInt, schema.TypeFloat, schema.TypeDouble, schema.TypeDecimal:
		if op == BeginsWith || op == Contains {
			return nil, unsupported(property, op)
		}
		literal, ok := numericLiteral(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s compares numbers, got %T", ErrInvalidQuery, property.Name, value)
		}
		return literal, nil
	case schema.TypeString:
		text, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s compares strings, got %T", ErrInvalidQuery, property.Name, value)
		}
		return text, nil
	case schema.TypeBool:
		if op != Equal && op != NotEqual {
			return nil, unsupported(property, op)
		}
	case schema.TypeData:
		if op != Equal && op != NotEqual {
			return nil, unsupported(property, op)
		}
	case schema.TypeDate:
		if op == BeginsWith || op == Contains {
			return nil, unsupported(property, op)
		}
	}
	normalized, err := schema.Normalize(schema.Property{Name: property.Name, Type: property.Type}, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return normalized, nil
}

// numericLiteral keeps the literal's own numeric type so comparisons stay exact.
func numericLiteral(value any) (any, bool) {
	switch typed := value.(type) {
	case float32, float64:
		return typed, true
	case *big.Rat:
		return new(big.Rat).Set(typed), true
	case big.Rat:
		return new(big.Rat).Set(&typed), true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return new(big.Rat).SetUint64(rv.Uint()), true
	default:
		return nil, false
	}
}

func unsupported(property schema.Property, op Operator) error {
	return fmt.Errorf("%w: operator %s is not supported for %s property %s", ErrInvalidQuery, op, property.Type, property.Name)
}

func compareBool(left, right bool) int {
	switch {
	case left == right:
		return 0
	case !left:
		return -1
	default:
		return 1
	}
}

func compareValues(property schema.Property, left, right any) int {
	switch {
	case left == nil && right == nil:
		return 0
	case left == nil:
		return -1
	case right == nil:
		return 1
	}
	switch property.Type {
	case schema.TypeInt, schema.TypeFloat, schema.TypeDouble, schema.TypeDecimal:
		result, ordered := schema.CompareNumeric(left, right)
		if !ordered {
			return 0
		}
		return result
	case schema.TypeString:
		return cmp.Compare(left.(string), right.(string))
	case schema.TypeBool:
		return compareBool(left.(bool), right.(bool))
	case schema.TypeDate:
		return left.(time.Time).Compare(right.(time.Time))
	default:
		return 0
	}
}
