package controller

import (
	"testing"

	"github.com/raterudder/agilerudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slotPrices(slots []*types.PriceSlot) []float64 {
	out := make([]float64, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.PriceIncVAT)
	}
	return out
}

func TestCheapestWindow(t *testing.T) {
	slots := makeSlots(testStart, 9, 3, 4, 8, 1, 6, 2, 20)
	assert.Equal(t, []float64{3, 4}, slotPrices(cheapestWindow(slots, 2)))
	assert.Equal(t, []float64{1}, slotPrices(cheapestWindow(slots, 1)))
	assert.Nil(t, cheapestWindow(slots, 9))
	assert.Nil(t, cheapestWindow(slots, 0))

	// ties go to the earliest window
	tied := makeSlots(testStart, 5, 5, 5, 5)
	assert.Same(t, tied[0], cheapestWindow(tied, 2)[0])
	assert.Same(t, tied[0], priciestWindow(tied, 2)[0])
}

func TestPriciestWindow(t *testing.T) {
	slots := makeSlots(testStart, 9, 3, 4, 8, 1, 6, 2, 20)
	assert.Equal(t, []float64{2, 20}, slotPrices(priciestWindow(slots, 2)))
	assert.Equal(t, []float64{9, 3, 4, 8, 1, 6, 2, 20}, slotPrices(priciestWindow(slots, 8)))
}

func TestCheapestN(t *testing.T) {
	slots := makeSlots(testStart, 9, 3, 4, 8, 3)
	assert.Equal(t, []float64{3, 4, 3}, slotPrices(cheapestN(slots, 3)))
	// equal prices keep the earlier slot
	got := cheapestN(slots, 1)
	require.Len(t, got, 1)
	assert.Same(t, slots[1], got[0])
	assert.Len(t, cheapestN(slots, 10), 5)
	assert.Nil(t, cheapestN(slots, 0))
}

func TestPreviousNItems(t *testing.T) {
	slots := makeSlots(testStart, 1, 2, 3, 4, 5, 6)
	is := func(p float64) func(*types.PriceSlot) bool {
		return func(s *types.PriceSlot) bool { return s.PriceIncVAT == p }
	}

	assert.Equal(t, []float64{2, 3}, slotPrices(previousNItems(slots, 2, is(5))))
	assert.Equal(t, []float64{1, 2, 3}, slotPrices(previousNItems(slots, 10, is(5))))
	assert.Empty(t, previousNItems(slots, 2, is(2)))
	assert.Nil(t, previousNItems(slots, 2, is(1)))
	assert.Nil(t, previousNItems(slots, 2, is(42)))
}

func TestAdjacentGroups(t *testing.T) {
	slots := makeSlots(testStart, -1, -2, 3, -4, 5, -6, -7, -8)
	groups := adjacentGroups(slots, func(s *types.PriceSlot) bool { return s.PriceIncVAT < 0 })
	require.Len(t, groups, 3)
	assert.Equal(t, []float64{-1, -2}, slotPrices(groups[0]))
	assert.Equal(t, []float64{-4}, slotPrices(groups[1]))
	assert.Equal(t, []float64{-6, -7, -8}, slotPrices(groups[2]))

	assert.Empty(t, adjacentGroups(slots, func(s *types.PriceSlot) bool { return false }))
}

func TestIndexOf(t *testing.T) {
	slots := makeSlots(testStart, 1, 2)
	// a duplicate timestamp must not be confused with the original
	dup := types.NewPriceSlot(testStart, 1)
	assert.Equal(t, 1, indexOf(slots, slots[1]))
	assert.Equal(t, -1, indexOf(slots, dup))
}
