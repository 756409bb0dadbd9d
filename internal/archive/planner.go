package archive

// Batch defaults. A batch is one catalog query round and one cache
// population, so these bound both per-round latency and cache memory.
const (
	defaultBatchMaxFiles    = 20000
	defaultBatchMaxPackages = 50
)

// BatchLimits bounds one work unit.
type BatchLimits struct {
	MaxFiles    int // cumulative file count ceiling
	MaxPackages int // package count ceiling
}

// DefaultBatchLimits returns the standard batch ceilings.
func DefaultBatchLimits() BatchLimits {
	return BatchLimits{
		MaxFiles:    defaultBatchMaxFiles,
		MaxPackages: defaultBatchMaxPackages,
	}
}

// PlannedPackage is one package together with its on-disk file count.
type PlannedPackage struct {
	Package   PackageRecord
	FileCount int
}

// Batch is a group of packages processed against one catalog population.
type Batch struct {
	Packages  []PlannedPackage
	FileCount int
}

// IDs returns the package IDs of the batch in order.
func (b *Batch) IDs() []int {
	ids := make([]int, len(b.Packages))
	for i := range b.Packages {
		ids[i] = b.Packages[i].Package.ID
	}

	return ids
}

// PlanBatches groups packages in input order. A package joins the current
// batch unless that would push the running file total over MaxFiles or the
// batch already holds MaxPackages packages; then the batch is closed and a
// new one starts with that package. A package larger than MaxFiles on its
// own forms a single-package batch. Non-positive limits are unbounded.
func PlanBatches(items []PlannedPackage, limits BatchLimits) []Batch {
	var (
		batches []Batch
		current Batch
	)

	for i := range items {
		item := items[i]

		if len(current.Packages) > 0 && wouldOverflow(&current, item.FileCount, limits) {
			batches = append(batches, current)
			current = Batch{}
		}

		current.Packages = append(current.Packages, item)
		current.FileCount += item.FileCount
	}

	if len(current.Packages) > 0 {
		batches = append(batches, current)
	}

	return batches
}

func wouldOverflow(b *Batch, fileCount int, limits BatchLimits) bool {
	if limits.MaxFiles > 0 && b.FileCount+fileCount > limits.MaxFiles {
		return true
	}

	return limits.MaxPackages > 0 && len(b.Packages) >= limits.MaxPackages
}
