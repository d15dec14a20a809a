package transcript

import "sort"

// FindGaps returns the sorted sequence indices missing from received.
// With expected > 0 the universe is {0..expected-1}. With expected unknown
// (<= 0) only internal holes below the highest received index count; trailing
// indices are never reported because more chunks may still arrive.
func FindGaps(received []int, expected int) []int {
	seen := make(map[int]bool, len(received))
	max := -1
	for _, idx := range received {
		if idx < 0 {
			continue
		}
		seen[idx] = true
		if idx > max {
			max = idx
		}
	}

	limit := expected
	if expected <= 0 {
		limit = max + 1
	}

	var missing []int
	for i := 0; i < limit; i++ {
		if !seen[i] {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return missing
}
