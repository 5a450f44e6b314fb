package controller

import (
	"sort"

	"github.com/raterudder/agilerudder/pkg/types"
)

func sumPrices(slots []*types.PriceSlot) float64 {
	var total float64
	for _, s := range slots {
		total += s.PriceIncVAT
	}
	return total
}

// cheapestWindow returns the contiguous run of width slots with the lowest
// total price. The earliest window wins a tie. It returns nil if there are
// fewer than width slots.
func cheapestWindow(slots []*types.PriceSlot, width int) []*types.PriceSlot {
	return bestWindow(slots, width, func(candidate, best float64) bool {
		return candidate < best
	})
}

// priciestWindow returns the contiguous run of width slots with the highest
// total price. The earliest window wins a tie.
func priciestWindow(slots []*types.PriceSlot, width int) []*types.PriceSlot {
	return bestWindow(slots, width, func(candidate, best float64) bool {
		return candidate > best
	})
}

func bestWindow(slots []*types.PriceSlot, width int, better func(candidate, best float64) bool) []*types.PriceSlot {
	if width <= 0 || len(slots) < width {
		return nil
	}
	var best []*types.PriceSlot
	var bestTotal float64
	for i := 0; i+width <= len(slots); i++ {
		window := slots[i : i+width]
		total := sumPrices(window)
		if best == nil || better(total, bestTotal) {
			best = window
			bestTotal = total
		}
	}
	return best
}

// cheapestN returns the n individually cheapest slots, in their original
// order.
func cheapestN(slots []*types.PriceSlot, n int) []*types.PriceSlot {
	if n <= 0 {
		return nil
	}
	if n >= len(slots) {
		return append([]*types.PriceSlot(nil), slots...)
	}
	idx := make([]int, len(slots))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return slots[idx[a]].PriceIncVAT < slots[idx[b]].PriceIncVAT
	})
	idx = idx[:n]
	sort.Ints(idx)
	out := make([]*types.PriceSlot, 0, n)
	for _, i := range idx {
		out = append(out, slots[i])
	}
	return out
}

// previousNItems returns up to count items before the first item matching
// pred, skipping the item immediately before it. Nothing is returned if the
// match is the first item or there is no match.
func previousNItems(slots []*types.PriceSlot, count int, pred func(*types.PriceSlot) bool) []*types.PriceSlot {
	root := -1
	for i, s := range slots {
		if pred(s) {
			root = i
			break
		}
	}
	if root <= 0 {
		return nil
	}
	last := root - 1
	first := max(last-count, 0)
	return slots[first:last]
}

// adjacentGroups returns every maximal run of contiguous slots matching pred.
func adjacentGroups(slots []*types.PriceSlot, pred func(*types.PriceSlot) bool) [][]*types.PriceSlot {
	var groups [][]*types.PriceSlot
	start := -1
	for i, s := range slots {
		if pred(s) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			groups = append(groups, slots[start:i])
			start = -1
		}
	}
	if start >= 0 {
		groups = append(groups, slots[start:])
	}
	return groups
}

// indexOf finds a slot by identity rather than by time since upstream data
// has been seen with duplicate timestamps.
func indexOf(slots []*types.PriceSlot, target *types.PriceSlot) int {
	for i, s := range slots {
		if s.ID == target.ID {
			return i
		}
	}
	return -1
}
