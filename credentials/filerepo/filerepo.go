// Package filerepo stores the session credential as a single namespaced
// JSON record on disk, the client-side equivalent of origin-scoped browser
// storage: one record per namespace, surviving process restarts.
package filerepo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/perkhub/go-admin-client/credentials"
	"github.com/pkg/errors"
)

var _ credentials.Repo = (*FileRepo)(nil)

// record is the on-disk shape. The namespace is written into the record so a
// stale file from a different environment is ignored rather than resumed.
type record struct {
	Namespace  string                  `json:"namespace"`
	Credential *credentials.Credential `json:"credential"`
	SavedAt    time.Time               `json:"savedAt"`
}

// FileRepo persists one credential record to a file with owner-only
// permissions. Writes are atomic (temp file + rename).
type FileRepo struct {
	path      string
	namespace string
	lock      sync.Mutex
}

// New creates a FileRepo writing to path, tagged with namespace.
func New(path, namespace string) (*FileRepo, error) {
	if path == "" {
		return nil, errors.New("[filerepo.New] path is required")
	}
	if namespace == "" {
		return nil, errors.New("[filerepo.New] namespace is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "[filerepo.New] creating storage directory")
	}
	return &FileRepo{path: path, namespace: namespace}, nil
}

func (r *FileRepo) Load() (*credentials.Credential, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[FileRepo.Load] reading credential file")
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "[FileRepo.Load] decoding credential file")
	}
	if rec.Namespace != r.namespace || rec.Credential == nil {
		return nil, nil
	}
	return rec.Credential, nil
}

func (r *FileRepo) Save(cred *credentials.Credential) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	data, err := json.MarshalIndent(record{
		Namespace:  r.namespace,
		Credential: cred,
		SavedAt:    time.Now(),
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "[FileRepo.Save] encoding credential")
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "[FileRepo.Save] writing credential file")
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return errors.Wrap(err, "[FileRepo.Save] replacing credential file")
	}
	return nil
}

func (r *FileRepo) Wipe() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "[FileRepo.Wipe] removing credential file")
	}
	return nil
}
