// Package query describes and evaluates filters over the rows of one class.
package query

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidQuery indicates that a query cannot be evaluated against a class.
var ErrInvalidQuery = errors.New("query: invalid")

// Operator is a comparison operator.
type Operator int

const (
	Equal Operator = iota
	NotEqual
	Less
	LessOrEqual
	Greater
	GreaterOrEqual
	BeginsWith
	Contains
)

var operatorNames = map[Operator]string{
	Equal:          "==",
	NotEqual:       "!=",
	Less:           "<",
	LessOrEqual:    "<=",
	Greater:        ">",
	GreaterOrEqual: ">=",
	BeginsWith:     "BEGINSWITH",
	Contains:       "CONTAINS",
}

func (o Operator) String() string {
	if name, ok := operatorNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// ParseOperator is the inverse of String.
func ParseOperator(raw string) (Operator, error) {
	needle := strings.ToUpper(strings.TrimSpace(raw))
	for op, name := range operatorNames {
		if name == needle {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, raw)
}

// Predicate compares one property against a literal.
type Predicate struct {
	Property string
	Op       Operator
	Value    any
}

// Sort orders results by one property.
type Sort struct {
	Property   string
	Descending bool
}

// Query selects rows of one class. The zero predicate list matches every row.
type Query struct {
	Class      string
	Predicates []Predicate
	Sorts      []Sort
}

// New returns a query matching every object of class.
func New(class string) Query {
	return Query{Class: class}
}

// Where returns a copy of q with an additional predicate. Predicates are combined with AND.
func (q Query) Where(property string, op Operator, value any) Query {
	out := q.clone()
	out.Predicates = append(out.Predicates, Predicate{Property: property, Op: op, Value: value})
	return out
}

// OrderBy returns a copy of q with an additional sort descriptor.
func (q Query) OrderBy(property string, descending bool) Query {
	out := q.clone()
	out.Sorts = append(out.Sorts, Sort{Property: property, Descending: descending})
	return out
}

// String renders a stable, human readable description, also used as the default name of
// anonymous subscriptions.
func (q Query) String() string {
	var builder strings.Builder
	builder.WriteString(q.Class)
	builder.WriteString(": ")
	if len(q.Predicates) == 0 {
		builder.WriteString("TRUEPREDICATE")
	}
	for i, predicate := range q.Predicates {
		if i > 0 {
			builder.WriteString(" AND ")
		}
		builder.WriteString(predicate.Property)
		builder.WriteString(" ")
		builder.WriteString(predicate.Op.String())
		builder.WriteString(" ")
		builder.WriteString(formatLiteral(predicate.Value))
	}
	if len(q.Sorts) > 0 {
		builder.WriteString(" SORT(")
		for i, sort := range q.Sorts {
			if i > 0 {
				builder.WriteString(", ")
			}
			direction := "ASC"
			if sort.Descending {
				direction = "DESC"
			}
			builder.WriteString(sort.Property + " " + direction)
		}
		builder.WriteString(")")
	}
	return builder.String()
}

func (q Query) clone() Query {
	return Query{
		Class:      q.Class,
		Predicates: append([]Predicate(nil), q.Predicates...),
		Sorts:      append([]Sort(nil), q.Sorts...),
	}
}

func formatLiteral(value any) string {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case string:
		return strconv.Quote(typed)
	case *big.Rat:
		return "decimal(" + typed.RatString() + ")"
	case time.Time:
		return "T" + typed.UTC().Format(time.RFC3339Nano)
	case []byte:
		return fmt.Sprintf("B%x", typed)
	case float32:
		return strconv.FormatFloat(float64(typed), 'g', -1, 32) + "f"
	case float64:
		return strconv.FormatFloat(typed, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", typed)
	}
}
