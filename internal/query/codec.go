package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"time"
)

type wireQuery struct {
	Class      string          `json:"class"`
	Predicates []wirePredicate `json:"predicates,omitempty"`
	Sorts      []wireSort      `json:"sorts,omitempty"`
}

type wirePredicate struct {
	Property string `json:"property"`
	Op       string `json:"op"`
	Kind     string `json:"kind"`
	Value    string `json:"value,omitempty"`
}

type wireSort struct {
	Property   string `json:"property"`
	Descending bool   `json:"descending,omitempty"`
}

// Marshal encodes q as JSON. Literals carry their kind so numeric precision survives the round trip.
func (q Query) Marshal() ([]byte, error) {
	wire := wireQuery{Class: q.Class}
	for _, predicate := range q.Predicates {
		kind, value, err := encodeLiteral(predicate.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidQuery, predicate.Property, err)
		}
		wire.Predicates = append(wire.Predicates, wirePredicate{
			Property: predicate.Property,
			Op:       predicate.Op.String(),
			Kind:     kind,
			Value:    value,
		})
	}
	for _, sort := range q.Sorts {
		wire.Sorts = append(wire.Sorts, wireSort(sort))
	}
	return json.Marshal(wire)
}

// Unmarshal decodes the form produced by Marshal.
func Unmarshal(data []byte) (Query, error) {
	var wire wireQuery
	if err := json.Unmarshal(data, &wire); err != nil {
		return Query{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if wire.Class == "" {
		return Query{}, fmt.Errorf("%w: missing class", ErrInvalidQuery)
	}
	out := Query{Class: wire.Class}
	for _, predicate := range wire.Predicates {
		op, err := ParseOperator(predicate.Op)
		if err != nil {
			return Query{}, err
		}
		value, err := decodeLiteral(predicate.Kind, predicate.Value)
		if err != nil {
			return Query{}, fmt.Errorf("%w: %s: %v", ErrInvalidQuery, predicate.Property, err)
		}
		out.Predicates = append(out.Predicates, Predicate{Property: predicate.Property, Op: op, Value: value})
	}
	for _, sort := range wire.Sorts {
		out.Sorts = append(out.Sorts, Sort(sort))
	}
	return out, nil
}

func encodeLiteral(value any) (string, string, error) {
	switch typed := value.(type) {
	case nil:
		return "null", "", nil
	case string:
		return "string", typed, nil
	case bool:
		return "bool", strconv.FormatBool(typed), nil
	case float32:
		return "float", strconv.FormatFloat(float64(typed), 'g', -1, 32), nil
	case float64:
		return "double", strconv.FormatFloat(typed, 'g', -1, 64), nil
	case *big.Rat:
		return "decimal", typed.RatString(), nil
	case big.Rat:
		return "decimal", typed.RatString(), nil
	case time.Time:
		return "date", typed.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		return "data", base64.StdEncoding.EncodeToString(typed), nil
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int", strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "decimal", strconv.FormatUint(rv.Uint(), 10), nil
	}
	return "", "", fmt.Errorf("unsupported literal %T", value)
}

func decodeLiteral(kind, raw string) (any, error) {
	switch kind {
	case "null":
		return nil, nil
	case "string":
		return raw, nil
	case "bool":
		return strconv.ParseBool(raw)
	case "int":
		return strconv.ParseInt(raw, 10, 64)
	case "float":
		parsed, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return nil, err
		}
		return float32(parsed), nil
	case "double":
		return strconv.ParseFloat(raw, 64)
	case "decimal":
		rat, ok := new(big.Rat).SetString(raw)
		if !ok {
			return nil, fmt.Errorf("invalid decimal %q", raw)
		}
		return rat, nil
	case "date":
		return time.Parse(time.RFC3339Nano, raw)
	case "data":
		return base64.StdEncoding.DecodeString(raw)
	}
	return nil, fmt.Errorf("unknown literal kind %q", kind)
}
