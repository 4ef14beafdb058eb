package schema

import (
	"math"
	"math/big"
)

// CompareNumeric orders two numeric values without lossy promotion. Integers, floats,
// doubles and decimals are compared by their exact rational value, so a float property
// holding float32(0.1) is not equal to the double literal 0.1. The boolean result is
// false when the values are unordered (NaN or non-numeric operands).
func CompareNumeric(left, right any) (int, bool) {
	leftFloat, leftIsFloat := asFloat(left)
	rightFloat, rightIsFloat := asFloat(right)
	if (leftIsFloat && math.IsNaN(leftFloat)) || (rightIsFloat && math.IsNaN(rightFloat)) {
		return 0, false
	}
	if (leftIsFloat && math.IsInf(leftFloat, 0)) || (rightIsFloat && math.IsInf(rightFloat, 0)) {
		l, lok := approximate(left)
		r, rok := approximate(right)
		if !lok || !rok {
			return 0, false
		}
		switch {
		case l < r:
			return -1, true
		case l > r:
			return 1, true
		default:
			return 0, true
		}
	}
	l, lok := exact(left)
	r, rok := exact(right)
	if !lok || !rok {
		return 0, false
	}
	return l.Cmp(r), true
}

func asFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float32:
		return float64(typed), true
	case float64:
		return typed, true
	default:
		return 0, false
	}
}

func exact(value any) (*big.Rat, bool) {
	switch typed := value.(type) {
	case int64:
		return new(big.Rat).SetInt64(typed), true
	case int:
		return new(big.Rat).SetInt64(int64(typed)), true
	case int32:
		return new(big.Rat).SetInt64(int64(typed)), true
	case float32:
		rat := new(big.Rat).SetFloat64(float64(typed))
		return rat, rat != nil
	case float64:
		rat := new(big.Rat).SetFloat64(typed)
		return rat, rat != nil
	case *big.Rat:
		if typed == nil {
			return nil, false
		}
		return typed, true
	default:
		return nil, false
	}
}

func approximate(value any) (float64, bool) {
	if f, ok := asFloat(value); ok {
		return f, true
	}
	rat, ok := exact(value)
	if !ok {
		return 0, false
	}
	f, _ := rat.Float64()
	return f, true
}
