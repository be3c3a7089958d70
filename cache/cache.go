package cache

import (
	"path/filepath"

	"github.com/pkg/errors"
)

// New returns a new Cache instance
// summaryFile represents the file on the filesystem where the queues are stored
// staticDir is the root of the artifact tree, tenant namespaces one site in it
// The artifact index is kept next to the summary file
// readCacheSize is the number of artifacts kept in memory (0 disables it)
func New(summaryFile, staticDir, tenant string, readCacheSize int) (*Cache, error) {
	summary, err := LoadSummary(summaryFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load summary")
	}
	store, err := NewStore(staticDir, filepath.Join(filepath.Dir(summaryFile), indexFile), tenant, readCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open artifact store")
	}

	return &Cache{
		Summary: summary,
		Store:   store,
	}, nil
}

// Cache represents the artifact store together with its generation queues
type Cache struct {
	Summary *Summary
	Store   *Store
}

// Close releases the artifact store
func (c *Cache) Close() error {
	return c.Store.Close()
}
