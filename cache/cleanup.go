package cache

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// clear removes every artifact of t for the store tenant
func (s *Store) clear(t ArtifactType) error {
	s.m.Lock()
	defer s.m.Unlock()

	dir := s.dir(t)
	if _, err := os.Stat(dir); err == nil {
		err = os.RemoveAll(dir)
		if err != nil {
			return errors.Wrapf(err, "failed to remove %s", dir)
		}
	}
	var prefix []byte
	if s.tenant != "" {
		prefix = tenantPrefix(s.tenant)
	}
	err := s.idx.drop(t, prefix)
	if err != nil {
		return errors.Wrap(err, "failed to drop index entries")
	}
	if s.files != nil {
		s.files.Purge()
	}

	return nil
}

// sweep deletes artifact files of t that no index entry points at anymore
func (s *Store) sweep(t ArtifactType) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()

	var prefix []byte
	if s.tenant != "" {
		prefix = tenantPrefix(s.tenant)
	}
	inUse, err := s.idx.digests(t, prefix)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list index entries")
	}

	dir := s.dir(t)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to list artifact dir")
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, artifactExt) {
			continue
		}
		if _, ok := inUse[strings.TrimSuffix(name, artifactExt)]; ok {
			continue
		}
		err = os.Remove(filepath.Join(dir, name))
		if err != nil {
			log.Errorf("Failed to delete file %s: %s", name, err)
			continue
		}
		removed++
	}

	return removed, nil
}

// Clear removes all artifacts of t and resets its queue, history and
// in-flight marker so storage and summary stay consistent
func (c *Cache) Clear(t ArtifactType) error {
	err := c.Store.clear(t)
	if err != nil {
		return err
	}
	if t.Queued() {
		err = c.Summary.Reset(t)
		if err != nil {
			return err
		}
	}
	log.Debugf("Cleared %s folder and queue", t)

	return nil
}

// ClearAll clears the critical and unused artifacts
func (c *Cache) ClearAll() error {
	for _, t := range QueueTypes {
		if err := c.Clear(t); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup periodically deletes artifacts that are no longer referenced
func (c *Cache) Cleanup(quit <-chan struct{}, interval time.Duration) {
	if interval == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-quit:
			ticker.Stop()
			return
		}
	}
}

func (c *Cache) sweep() {
	log.Debug("Started deleting unreferenced artifacts")
	for _, t := range []ArtifactType{Critical, Unused, Combined} {
		n, err := c.Store.sweep(t)
		if err != nil {
			log.Errorf("Failed to sweep %s artifacts: %s", t, err)
			continue
		}
		if n > 0 {
			log.Debugf("Deleted %d unreferenced %s artifacts", n, t)
		}
	}
	log.Debug("Finished deleting unreferenced artifacts")
}
