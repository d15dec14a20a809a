package transcript

import "testing"

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFindGapsWithExpectedCount(t *testing.T) {
	got := FindGaps([]int{0, 1, 3}, 4)
	if !intsEqual(got, []int{2}) {
		t.Fatalf("FindGaps({0,1,3}, 4) = %v, want [2]", got)
	}
}

func TestFindGapsUnknownExpectedReportsInternalHolesOnly(t *testing.T) {
	got := FindGaps([]int{0, 1, 3}, 0)
	if !intsEqual(got, []int{2}) {
		t.Fatalf("FindGaps({0,1,3}, unknown) = %v, want [2]", got)
	}
	for _, idx := range got {
		if idx >= 4 {
			t.Fatalf("trailing index %d reported as gap", idx)
		}
	}
}

func TestFindGapsContiguous(t *testing.T) {
	if got := FindGaps([]int{0, 1, 2}, 0); len(got) != 0 {
		t.Fatalf("FindGaps contiguous = %v, want none", got)
	}
	if got := FindGaps([]int{0, 1, 2}, 3); len(got) != 0 {
		t.Fatalf("FindGaps complete = %v, want none", got)
	}
}

func TestFindGapsEmptyReceived(t *testing.T) {
	if got := FindGaps(nil, 3); !intsEqual(got, []int{0, 1, 2}) {
		t.Fatalf("FindGaps(empty, 3) = %v, want [0 1 2]", got)
	}
	if got := FindGaps(nil, 0); len(got) != 0 {
		t.Fatalf("FindGaps(empty, unknown) = %v, want none", got)
	}
}

func TestFindGapsLeadingHole(t *testing.T) {
	got := FindGaps([]int{4}, 0)
	if !intsEqual(got, []int{0, 1, 2, 3}) {
		t.Fatalf("FindGaps({4}, unknown) = %v, want [0 1 2 3]", got)
	}
}

func TestFindGapsIgnoresNegativeIndices(t *testing.T) {
	got := FindGaps([]int{-1, 0, 2}, 0)
	if !intsEqual(got, []int{1}) {
		t.Fatalf("FindGaps({-1,0,2}, unknown) = %v, want [1]", got)
	}
}
