package source

import "testing"

func TestStabilityTracker(t *testing.T) {
	cases := []struct {
		name     string
		required int
		sizes    []int64
		doneAt   int
	}{
		{name: "growing then stable", required: 2, sizes: []int64{100, 150, 150, 150}, doneAt: 3},
		{name: "single sample threshold", required: 1, sizes: []int64{10, 10}, doneAt: 1},
		{name: "zero byte file", required: 2, sizes: []int64{0, 0, 0}, doneAt: 2},
		{name: "resets on growth", required: 2, sizes: []int64{5, 5, 6, 6, 6}, doneAt: 4},
		{name: "never stable", required: 2, sizes: []int64{1, 2, 3, 4}, doneAt: -1},
		{name: "threshold below one", required: 0, sizes: []int64{7, 7}, doneAt: 1},
	}
	for _, tc := range cases {
		tracker := NewStabilityTracker(tc.required)
		got := -1
		for i, size := range tc.sizes {
			if tracker.Observe(size) {
				got = i
				break
			}
		}
		if got != tc.doneAt {
			t.Fatalf("%s: expected completion at sample %d, got %d", tc.name, tc.doneAt, got)
		}
	}
}
