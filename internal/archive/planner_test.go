package archive

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planned(counts ...int) []PlannedPackage {
	out := make([]PlannedPackage, len(counts))
	for i, c := range counts {
		out[i] = PlannedPackage{Package: PackageRecord{ID: i + 1}, FileCount: c}
	}

	return out
}

func TestPlanBatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		counts []int
		limits BatchLimits
		want   [][]int
	}{
		{
			name:   "empty input",
			counts: nil,
			limits: BatchLimits{MaxFiles: 10, MaxPackages: 3},
			want:   nil,
		},
		{
			name:   "all fit",
			counts: []int{2, 3, 4},
			limits: BatchLimits{MaxFiles: 10, MaxPackages: 3},
			want:   [][]int{{1, 2, 3}},
		},
		{
			name:   "file ceiling splits",
			counts: []int{6, 5, 4},
			limits: BatchLimits{MaxFiles: 10, MaxPackages: 10},
			want:   [][]int{{1}, {2, 3}},
		},
		{
			name:   "exact ceiling stays together",
			counts: []int{6, 4},
			limits: BatchLimits{MaxFiles: 10, MaxPackages: 10},
			want:   [][]int{{1, 2}},
		},
		{
			name:   "package ceiling splits",
			counts: []int{1, 1, 1, 1, 1},
			limits: BatchLimits{MaxFiles: 100, MaxPackages: 2},
			want:   [][]int{{1, 2}, {3, 4}, {5}},
		},
		{
			name:   "oversized package alone",
			counts: []int{3, 50, 2},
			limits: BatchLimits{MaxFiles: 10, MaxPackages: 10},
			want:   [][]int{{1}, {2}, {3}},
		},
		{
			name:   "oversized package first",
			counts: []int{50, 2, 2},
			limits: BatchLimits{MaxFiles: 10, MaxPackages: 10},
			want:   [][]int{{1}, {2, 3}},
		},
		{
			name:   "unbounded",
			counts: []int{1000, 1000, 1000},
			limits: BatchLimits{},
			want:   [][]int{{1, 2, 3}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			batches := PlanBatches(planned(tt.counts...), tt.limits)

			var got [][]int
			for i := range batches {
				got = append(got, batches[i].IDs())
			}

			assert.Equal(t, tt.want, got)
		})
	}
}

// Property: no batch exceeds the file ceiling unless it holds a single
// oversized package, no batch exceeds the package ceiling, and input order
// is preserved.
func TestPlanBatches_Properties(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(42, 7))

	for round := range 500 {
		limits := BatchLimits{MaxFiles: 1 + rng.IntN(200), MaxPackages: 1 + rng.IntN(8)}

		counts := make([]int, rng.IntN(40))
		for i := range counts {
			counts[i] = rng.IntN(300)
		}

		batches := PlanBatches(planned(counts...), limits)

		next := 1

		for i := range batches {
			b := &batches[i]
			require.NotEmpty(t, b.Packages, "round %d", round)
			assert.LessOrEqual(t, len(b.Packages), limits.MaxPackages, "round %d", round)

			if b.FileCount > limits.MaxFiles {
				assert.Len(t, b.Packages, 1, "round %d: only a lone oversized package may exceed the ceiling", round)
			}

			sum := 0
			for _, p := range b.Packages {
				assert.Equal(t, next, p.Package.ID, "round %d: order preserved", round)
				next++
				sum += p.FileCount
			}

			assert.Equal(t, sum, b.FileCount)
		}

		assert.Equal(t, len(counts)+1, next, "round %d: every package planned once", round)
	}
}
