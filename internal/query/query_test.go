package query

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/realmkit/internal/schema"
)

func measurementMeta(t *testing.T) *schema.Metadata {
	t.Helper()
	class := schema.ObjectSchema{
		Name: "Measurement",
		Properties: []schema.Property{
			{Name: "id", Type: schema.TypeInt, PrimaryKey: true},
			{Name: "label", Type: schema.TypeString},
			{Name: "single", Type: schema.TypeFloat},
			{Name: "double", Type: schema.TypeDouble},
			{Name: "exact", Type: schema.TypeDecimal},
			{Name: "count", Type: schema.TypeInt, Nullable: true},
			{Name: "taken", Type: schema.TypeDate},
			{Name: "flag", Type: schema.TypeBool},
			{Name: "blob", Type: schema.TypeData},
		},
	}
	meta, err := schema.NewMetadata(class, nil)
	require.NoError(t, err)
	return meta
}

func row(id int64, label string, single float32, double float64, exact *big.Rat, count any, taken time.Time, flag bool) []any {
	return []any{id, label, single, double, exact, count, taken, flag, []byte{}}
}

func TestMatchComparesAcrossNumericTypesExactly(t *testing.T) {
	meta := measurementMeta(t)
	stored := row(1, "a", float32(0.1), 0.1, big.NewRat(1, 10), int64(3), time.Unix(0, 0).UTC(), true)

	cases := []struct {
		name  string
		query Query
		match bool
	}{
		{"float32 is not equal to the nearest double", New("Measurement").Where("single", Equal, 0.1), false},
		{"float32 is greater than the nearest double", New("Measurement").Where("single", Greater, 0.1), true},
		{"float32 equals itself", New("Measurement").Where("single", Equal, float32(0.1)), true},
		{"decimal is less than the nearest double", New("Measurement").Where("exact", Less, 0.1), true},
		{"decimal equals the exact rational", New("Measurement").Where("exact", Equal, big.NewRat(1, 10)), true},
		{"int compares with double", New("Measurement").Where("count", GreaterOrEqual, 2.5), true},
		{"int equals decimal", New("Measurement").Where("count", Equal, big.NewRat(3, 1)), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			compiled, err := tc.query.Compile(meta)
			require.NoError(t, err)
			require.Equal(t, tc.match, compiled.Match(stored))
		})
	}
}

func TestNaNNeverOrders(t *testing.T) {
	meta := measurementMeta(t)
	stored := row(1, "a", 0, math.NaN(), new(big.Rat), nil, time.Time{}, false)

	for _, op := range []Operator{Equal, Less, LessOrEqual, Greater, GreaterOrEqual} {
		compiled, err := New("Measurement").Where("double", op, math.NaN()).Compile(meta)
		require.NoError(t, err)
		require.False(t, compiled.Match(stored), "operator %s", op)
	}
	compiled, err := New("Measurement").Where("double", NotEqual, 1.0).Compile(meta)
	require.NoError(t, err)
	require.True(t, compiled.Match(stored))
}

func TestNullSemantics(t *testing.T) {
	meta := measurementMeta(t)
	withNull := row(1, "a", 0, 0, new(big.Rat), nil, time.Time{}, false)
	withValue := row(2, "b", 0, 0, new(big.Rat), int64(5), time.Time{}, false)

	isNull, err := New("Measurement").Where("count", Equal, nil).Compile(meta)
	require.NoError(t, err)
	require.True(t, isNull.Match(withNull))
	require.False(t, isNull.Match(withValue))

	notNull, err := New("Measurement").Where("count", NotEqual, nil).Compile(meta)
	require.NoError(t, err)
	require.False(t, notNull.Match(withNull))
	require.True(t, notNull.Match(withValue))

	greater, err := New("Measurement").Where("count", Greater, 1).Compile(meta)
	require.NoError(t, err)
	require.False(t, greater.Match(withNull))
	require.True(t, greater.Match(withValue))

	_, err = New("Measurement").Where("count", Greater, nil).Compile(meta)
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestStringOperators(t *testing.T) {
	meta := measurementMeta(t)
	stored := row(1, "realm-sync", 0, 0, new(big.Rat), nil, time.Time{}, false)

	begins, err := New("Measurement").Where("label", BeginsWith, "realm").Compile(meta)
	require.NoError(t, err)
	require.True(t, begins.Match(stored))

	contains, err := New("Measurement").Where("label", Contains, "sync").Where("id", Equal, 2).Compile(meta)
	require.NoError(t, err)
	require.False(t, contains.Match(stored))
}

func TestCompileRejectsInvalidPredicates(t *testing.T) {
	meta := measurementMeta(t)

	_, err := New("Measurement").Where("missing", Equal, 1).Compile(meta)
	require.ErrorIs(t, err, schema.ErrUnknownProperty)

	_, err = New("Measurement").Where("double", BeginsWith, 1.0).Compile(meta)
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = New("Measurement").Where("label", Equal, 3).Compile(meta)
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = New("Measurement").Where("flag", Greater, true).Compile(meta)
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = New("Other").Compile(meta)
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = New("Measurement").OrderBy("blob", false).Compile(meta)
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestSortOrdersNullsFirstAndRespectsDirection(t *testing.T) {
	meta := measurementMeta(t)
	first := row(1, "b", 0, 0, new(big.Rat), nil, time.Time{}, false)
	second := row(2, "a", 0, 0, new(big.Rat), int64(1), time.Time{}, false)
	third := row(3, "a", 0, 0, new(big.Rat), int64(2), time.Time{}, false)

	ascending, err := New("Measurement").OrderBy("count", false).Compile(meta)
	require.NoError(t, err)
	require.True(t, ascending.Less(first, second))
	require.True(t, ascending.Less(second, third))

	byLabelThenCountDesc, err := New("Measurement").OrderBy("label", false).OrderBy("count", true).Compile(meta)
	require.NoError(t, err)
	require.True(t, byLabelThenCountDesc.Less(third, second))
	require.True(t, byLabelThenCountDesc.Less(second, first))
	require.Equal(t, 0, byLabelThenCountDesc.Compare(second, second))
}

func TestBuilderDoesNotShareSlices(t *testing.T) {
	base := New("Measurement").Where("id", Greater, 1)
	left := base.Where("label", Equal, "left")
	right := base.Where("label", Equal, "right")

	require.Len(t, base.Predicates, 1)
	require.Equal(t, "left", left.Predicates[1].Value)
	require.Equal(t, "right", right.Predicates[1].Value)
}

func TestStringDescribesQuery(t *testing.T) {
	require.Equal(t, "Measurement: TRUEPREDICATE", New("Measurement").String())
	described := New("Measurement").Where("label", BeginsWith, "x").Where("id", Greater, 3).OrderBy("id", true).String()
	require.Equal(t, `Measurement: label BEGINSWITH "x" AND id > 3 SORT(id DESC)`, described)
}

func TestMarshalPreservesLiteralKinds(t *testing.T) {
	taken := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	original := New("Measurement").
		Where("single", Equal, float32(0.1)).
		Where("double", Less, 0.1).
		Where("exact", GreaterOrEqual, big.NewRat(1, 3)).
		Where("count", NotEqual, nil).
		Where("id", Greater, 7).
		Where("taken", Less, taken).
		Where("flag", Equal, true).
		Where("blob", Equal, []byte{1, 2}).
		OrderBy("label", true)

	encoded, err := original.Marshal()
	require.NoError(t, err)
	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)

	require.Equal(t, original.Class, decoded.Class)
	require.Equal(t, original.Sorts, decoded.Sorts)
	require.Equal(t, float32(0.1), decoded.Predicates[0].Value)
	require.Equal(t, 0.1, decoded.Predicates[1].Value)
	require.Zero(t, big.NewRat(1, 3).Cmp(decoded.Predicates[2].Value.(*big.Rat)))
	require.Nil(t, decoded.Predicates[3].Value)
	require.Equal(t, int64(7), decoded.Predicates[4].Value)
	require.True(t, taken.Equal(decoded.Predicates[5].Value.(time.Time)))
	require.Equal(t, true, decoded.Predicates[6].Value)
	require.Equal(t, []byte{1, 2}, decoded.Predicates[7].Value)
	require.Equal(t, original.String(), decoded.String())

	_, err = Unmarshal([]byte(`{"predicates":[]}`))
	require.ErrorIs(t, err, ErrInvalidQuery)
}
