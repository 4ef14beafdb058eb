package schema

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareNumericExactAcrossTypes(t *testing.T) {
	cases := []struct {
		name     string
		left     any
		right    any
		expected int
		ordered  bool
	}{
		{name: "int vs double equal", left: int64(3), right: 3.0, expected: 0, ordered: true},
		{name: "float widened exactly", left: float32(0.5), right: 0.5, expected: 0, ordered: true},
		{name: "float not equal to inexact double", left: float32(0.1), right: 0.1, expected: 1, ordered: true},
		{name: "decimal vs double exact", left: big.NewRat(1, 4), right: 0.25, expected: 0, ordered: true},
		{name: "decimal tenth differs from double tenth", left: big.NewRat(1, 10), right: 0.1, expected: -1, ordered: true},
		{name: "large int precision kept", left: int64(1<<53 + 1), right: float64(1 << 53), expected: 1, ordered: true},
		{name: "infinity above decimal", left: math.Inf(1), right: big.NewRat(10, 1), expected: 1, ordered: true},
		{name: "nan unordered", left: math.NaN(), right: 1.0, ordered: false},
		{name: "non numeric unordered", left: "1", right: int64(1), ordered: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, ordered := CompareNumeric(tc.left, tc.right)
			require.Equal(t, tc.ordered, ordered)
			if ordered {
				require.Equal(t, tc.expected, result)
			}
		})
	}
}
