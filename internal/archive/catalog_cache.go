package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"
	"golang.org/x/text/unicode/norm"
)

// catalogPatternAll asks the catalog for every file of a package.
const catalogPatternAll = "*"

// cacheKey identifies catalog entries for one file of one package.
type cacheKey struct {
	packageID int
	subpath   string
	filename  string
}

// CatalogCache is a read-through snapshot of catalog entries for a group of
// packages. Populate runs one catalog query round; afterwards the cache is
// read-only until the next Populate.
type CatalogCache struct {
	catalog Catalog
	clock   clockwork.Clock
	metrics *Metrics
	n       notifier

	entries   map[cacheKey][]ArchiveEntry
	perPkg    map[int]int
	populated map[int]bool
}

// NewCatalogCache creates an empty cache backed by catalog.
func NewCatalogCache(catalog Catalog, clock clockwork.Clock, metrics *Metrics, obs Observer) *CatalogCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &CatalogCache{
		catalog:   catalog,
		clock:     clock,
		metrics:   metrics,
		n:         notifier{obs: orDiscard(obs)},
		entries:   make(map[cacheKey][]ArchiveEntry),
		perPkg:    make(map[int]int),
		populated: make(map[int]bool),
	}
}

// Populate discards previous contents and loads every catalog entry for the
// given packages. A failed query leaves the cache empty and returns the error;
// catalog queries are not retried within a run.
func (c *CatalogCache) Populate(ctx context.Context, packageIDs []int) error {
	c.entries = make(map[cacheKey][]ArchiveEntry)
	c.perPkg = make(map[int]int)
	c.populated = make(map[int]bool)

	start := c.clock.Now()
	total := 0

	for _, id := range packageIDs {
		if err := ctx.Err(); err != nil {
			return err
		}

		found, err := c.catalog.FindFiles(ctx, catalogPatternAll, "", id)
		if err != nil {
			c.entries = make(map[cacheKey][]ArchiveEntry)
			c.perPkg = make(map[int]int)
			c.populated = make(map[int]bool)

			return fmt.Errorf("archive: querying catalog for package %d: %w", id, err)
		}

		for i := range found {
			c.add(id, &found[i])
		}

		c.populated[id] = true
		total += len(found)
	}

	elapsed := c.clock.Since(start)
	c.metrics.observeCatalogPopulate(elapsed)

	c.n.debug(0, "catalog cache populated",
		slog.Int("packages", len(packageIDs)),
		slog.Int("entries", total),
		slog.Duration("elapsed", elapsed),
	)

	return nil
}

func (c *CatalogCache) add(packageID int, e *ArchiveEntry) {
	key := cacheKey{
		packageID: packageID,
		subpath:   normalizeSubpath(e.Subpath),
		filename:  norm.NFC.String(e.Filename),
	}

	c.entries[key] = append(c.entries[key], *e)
	c.perPkg[packageID]++
}

// Lookup returns the catalog entries for one file. The returned slice must
// not be modified.
func (c *CatalogCache) Lookup(packageID int, subpath, filename string) []ArchiveEntry {
	return c.entries[cacheKey{
		packageID: packageID,
		subpath:   normalizeSubpath(subpath),
		filename:  norm.NFC.String(filename),
	}]
}

// EntryCount returns how many catalog entries the package has.
func (c *CatalogCache) EntryCount(packageID int) int {
	return c.perPkg[packageID]
}

// Covers reports whether the last Populate included the package.
func (c *CatalogCache) Covers(packageID int) bool {
	return c.populated[packageID]
}

// normalizeSubpath puts catalog and local subpaths in one canonical form:
// forward slashes, no leading or trailing slash, NFC.
func normalizeSubpath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.Trim(p, "/")

	return norm.NFC.String(p)
}
