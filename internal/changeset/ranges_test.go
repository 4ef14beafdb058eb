package changeset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContiguous(t *testing.T) {
	start, ok := Contiguous([]int{5, 6, 7})
	require.True(t, ok)
	require.Equal(t, 5, start)

	_, ok = Contiguous([]int{5, 7})
	require.False(t, ok)

	_, ok = Contiguous(nil)
	require.False(t, ok)
}

func TestTranslateContiguousInsertIsSingleAdd(t *testing.T) {
	events := Translate(New([]int{5, 6, 7}, nil, nil))
	require.Equal(t, []RangeEvent{{Action: ActionAdd, StartIndex: 5, Count: 3}}, events)
}

func TestTranslateGappedInsertIsReset(t *testing.T) {
	events := Translate(New([]int{5, 7}, nil, nil))
	require.Len(t, events, 1)
	require.Equal(t, ActionReset, events[0].Action)
}

func TestTranslateContiguousDeleteIsSingleRemove(t *testing.T) {
	events := Translate(New(nil, nil, []int{2, 3}))
	require.Equal(t, []RangeEvent{{Action: ActionRemove, StartIndex: 2, Count: 2}}, events)
}

func TestTranslateMixedChangeIsReset(t *testing.T) {
	events := Translate(New([]int{1}, nil, []int{4}))
	require.Len(t, events, 1)
	require.Equal(t, ActionReset, events[0].Action)
}

func TestTranslateModificationOnlyHasNoRangeEvent(t *testing.T) {
	require.Nil(t, Translate(New(nil, []int{0}, nil)))
}

func TestRangeActionString(t *testing.T) {
	require.Equal(t, "add", ActionAdd.String())
	require.Equal(t, "reset", ActionReset.String())
	require.Equal(t, "action(9)", RangeAction(9).String())
}
