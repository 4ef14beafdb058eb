package schema

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"time"
)

var (
	ratType  = reflect.TypeOf(big.Rat{})
	timeType = reflect.TypeOf(time.Time{})
)

// Normalize converts a Go value into the canonical storage representation for property:
// int64, bool, string, float32, float64, *big.Rat, time.Time, []byte, or nil.
func Normalize(property Property, value any) (any, error) {
	if value == nil {
		return nullOrError(property)
	}
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nullOrError(property)
		}
		if rv.Type().Elem() == ratType {
			break
		}
		rv = rv.Elem()
	}

	switch property.Type {
	case TypeInt:
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return rv.Int(), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			unsigned := rv.Uint()
			if unsigned > math.MaxInt64 {
				return nil, mismatch(property, value)
			}
			return int64(unsigned), nil
		}
	case TypeBool:
		if rv.Kind() == reflect.Bool {
			return rv.Bool(), nil
		}
	case TypeString:
		if rv.Kind() == reflect.String {
			return rv.String(), nil
		}
	case TypeFloat:
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			return float32(rv.Float()), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return float32(rv.Int()), nil
		}
	case TypeDouble:
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			return rv.Float(), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return float64(rv.Int()), nil
		}
	case TypeDecimal:
		return normalizeDecimal(property, rv, value)
	case TypeDate:
		if rv.Type() == timeType {
			return rv.Interface().(time.Time).UTC(), nil
		}
	case TypeData:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			if rv.IsNil() {
				return nullOrEmptyData(property)
			}
			return append([]byte(nil), rv.Bytes()...), nil
		}
	}
	return nil, mismatch(property, value)
}

// DefaultValue returns the value a property takes when a row does not carry it.
func DefaultValue(property Property) any {
	if property.Nullable {
		return nil
	}
	switch property.Type {
	case TypeInt:
		return int64(0)
	case TypeBool:
		return false
	case TypeString:
		return ""
	case TypeFloat:
		return float32(0)
	case TypeDouble:
		return float64(0)
	case TypeDecimal:
		return new(big.Rat)
	case TypeDate:
		return time.Time{}
	case TypeData:
		return []byte{}
	default:
		return nil
	}
}

// Equal compares two canonical values of the same property type.
func Equal(property Property, left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	switch property.Type {
	case TypeDecimal:
		l, lok := left.(*big.Rat)
		r, rok := right.(*big.Rat)
		return lok && rok && l.Cmp(r) == 0
	case TypeDate:
		l, lok := left.(time.Time)
		r, rok := right.(time.Time)
		return lok && rok && l.Equal(r)
	case TypeData:
		l, lok := left.([]byte)
		r, rok := right.([]byte)
		return lok && rok && string(l) == string(r)
	default:
		return left == right
	}
}

func normalizeDecimal(property Property, rv reflect.Value, original any) (any, error) {
	switch typed := original.(type) {
	case *big.Rat:
		return new(big.Rat).Set(typed), nil
	case big.Rat:
		return new(big.Rat).Set(&typed), nil
	case string:
		parsed, ok := new(big.Rat).SetString(typed)
		if !ok {
			return nil, mismatch(property, original)
		}
		return parsed, nil
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return new(big.Rat).SetInt64(rv.Int()), nil
	case reflect.Float32, reflect.Float64:
		parsed := new(big.Rat)
		if parsed.SetFloat64(rv.Float()) == nil {
			return nil, mismatch(property, original)
		}
		return parsed, nil
	case reflect.Struct:
		if rv.Type() == ratType {
			rat := rv.Interface().(big.Rat)
			return new(big.Rat).Set(&rat), nil
		}
	}
	return nil, mismatch(property, original)
}

func nullOrError(property Property) (any, error) {
	if property.Nullable {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNullNotAllowed, property.Name)
}

func nullOrEmptyData(property Property) (any, error) {
	if property.Nullable {
		return nil, nil
	}
	return []byte{}, nil
}

func mismatch(property Property, value any) error {
	return fmt.Errorf("%w: %s expects %s, got %T", ErrTypeMismatch, property.Name, property.Type, value)
}
