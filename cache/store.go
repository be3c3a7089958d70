package cache

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const artifactExt = ".css"

// NewStore opens a content addressed artifact store rooted at root
// indexPath is the index database, it must live outside root since root is
// served publicly
// tenant namespaces the artifacts of one site in a multi-site deployment, it
// may be empty
// readCacheSize is the number of artifacts kept in memory (0 disables it)
func NewStore(root, indexPath, tenant string, readCacheSize int) (*Store, error) {
	if root == "" {
		return nil, errors.New("static dir not provided")
	}
	inside, err := within(root, indexPath)
	if err != nil {
		return nil, err
	}
	if inside {
		return nil, errors.Errorf("index %s must not be inside static dir %s", indexPath, root)
	}
	err = os.MkdirAll(root, dirPerm)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create static dir")
	}
	err = os.MkdirAll(filepath.Dir(indexPath), dirPerm)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create index dir")
	}
	idx, err := openIndex(indexPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		root:   root,
		tenant: tenant,
		idx:    idx,
		m:      &sync.Mutex{},
	}
	if readCacheSize > 0 {
		s.files, err = lru.NewARC(readCacheSize)
		if err != nil {
			idx.close()
			return nil, errors.Wrap(err, "failed to create read cache")
		}
	}

	return s, nil
}

// Store represents the content addressed artifact store
// Many logical keys may point at the same physical file
type Store struct {
	root   string
	tenant string
	idx    *index
	files  *lru.ARCCache
	m      *sync.Mutex
}

// prefix returns the public path prefix of t, e.g. /ccss/2/
func (s *Store) prefix(t ArtifactType) string {
	p := "/" + string(t) + "/"
	if s.tenant != "" {
		p += s.tenant + "/"
	}
	return p
}

func (s *Store) dir(t ArtifactType) string {
	return filepath.Join(s.root, filepath.FromSlash(s.prefix(t)))
}

func (s *Store) file(t ArtifactType, digest string) string {
	return filepath.Join(s.dir(t), digest+artifactExt)
}

// Put stores css for the page key and fingerprint and returns its digest
// The file is only written when no artifact with the same content exists
func (s *Store) Put(t ArtifactType, pageKey, vary, css string) (string, error) {
	if !t.Valid() {
		return "", errors.Errorf("artifact type %s not supported", t)
	}
	digest := Digest([]byte(css))
	file := s.file(t, digest)

	s.m.Lock()
	defer s.m.Unlock()

	if _, err := os.Stat(file); os.IsNotExist(err) {
		err = writeFile(file, []byte(css))
		if err != nil {
			return "", errors.Wrap(err, "failed to write artifact")
		}
		log.Debugf("Saved %s artifact %s", t, file)
	} else if err != nil {
		return "", errors.Wrap(err, "failed to check artifact")
	}

	err := s.idx.put(t, indexKey(s.tenant, pageKey, vary), digest)
	if err != nil {
		return "", errors.Wrap(err, "failed to update index")
	}
	log.Debugf("Saved URL to file [file] %s [vary] %s", file, vary)

	return digest, nil
}

// lookup returns the artifact file of a logical key if it still exists
func (s *Store) lookup(pageKey, vary string, t ArtifactType) (string, string, error) {
	digest, err := s.idx.get(t, indexKey(s.tenant, pageKey, vary))
	if err != nil {
		return "", "", errors.Wrap(err, "failed to read index")
	}
	if digest == "" {
		return "", "", nil
	}
	file := s.file(t, digest)
	if _, err := os.Stat(file); err != nil {
		if os.IsNotExist(err) {
			return "", "", nil
		}
		return "", "", errors.Wrap(err, "failed to check artifact")
	}
	return digest, file, nil
}

// Get returns the artifact content stored for the page key and fingerprint
func (s *Store) Get(pageKey, vary string, t ArtifactType) (string, bool, error) {
	_, file, err := s.lookup(pageKey, vary, t)
	if err != nil || file == "" {
		return "", false, err
	}
	if s.files != nil {
		if v, ok := s.files.Get(file); ok {
			return v.(string), true, nil
		}
	}
	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "failed to read artifact")
	}
	log.Debugf("existing %s %s", t, file)
	if s.files != nil {
		s.files.Add(file, string(data))
	}

	return string(data), true, nil
}

// Path returns the public path of the artifact stored for the page key and
// fingerprint, relative to the static root
func (s *Store) Path(pageKey, vary string, t ArtifactType) (string, bool, error) {
	digest, file, err := s.lookup(pageKey, vary, t)
	if err != nil || file == "" {
		return "", false, err
	}
	return path.Join(s.prefix(t), digest+artifactExt), true, nil
}

// Root returns the static root directory
func (s *Store) Root() string {
	return s.root
}

// PublicFile maps a public artifact path, as returned by Path, to its file
// Only critical and unused artifacts of the tenant are public
func (s *Store) PublicFile(p string) (string, bool) {
	for _, t := range QueueTypes {
		name := strings.TrimPrefix(p, s.prefix(t))
		if name == p || !strings.HasSuffix(name, artifactExt) {
			continue
		}
		digest := strings.TrimSuffix(name, artifactExt)
		if !isDigest(digest) {
			return "", false
		}
		return s.file(t, digest), true
	}
	return "", false
}

func isDigest(d string) bool {
	if len(d) != 32 {
		return false
	}
	for _, c := range d {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// HasFolders reports whether any critical or unused artifact folder exists
func (s *Store) HasFolders() bool {
	for _, t := range QueueTypes {
		if _, err := os.Stat(s.dir(t)); err == nil {
			return true
		}
	}
	return false
}

// Close closes the index database
func (s *Store) Close() error {
	return s.idx.close()
}

// within reports whether path is root or below it
func within(root, path string) (bool, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false, errors.Wrap(err, "invalid static dir")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, errors.Wrap(err, "invalid index path")
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false, nil
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))), nil
}

func writeFile(file string, data []byte) error {
	err := os.MkdirAll(filepath.Dir(file), dirPerm)
	if err != nil {
		return err
	}
	tmp := file + ".tmp"
	err = os.WriteFile(tmp, data, filePerm)
	if err != nil {
		return err
	}
	return os.Rename(tmp, file)
}
