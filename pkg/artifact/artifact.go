// Package artifact stores signed artifacts in a BoltDB file. Artifacts
// are content-addressed by (artifactId, artifactHash) and immutable once
// written; the delivery worker resolves them at dispatch time.
package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/nooterra/proxy/pkg/types"
)

var bucketArtifacts = []byte("artifacts")

// Store is a BoltDB-backed artifact store.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the artifact database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "artifacts.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArtifacts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create artifact bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func artifactKey(tenantID, artifactID, hash string) []byte {
	return []byte(types.NormalizeTenant(tenantID) + "\x00" + artifactID + "\x00" + hash)
}

// Put stores an artifact. Re-putting identical content is a no-op;
// differing content under the same (id, hash) is rejected.
func (s *Store) Put(a *types.Artifact) error {
	if a.ID == "" || a.Hash == "" {
		return types.Validationf("artifact requires artifactId and artifactHash")
	}
	if len(a.Canonical) == 0 {
		return types.Validationf("artifact %s has no canonical payload", a.ID)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		key := artifactKey(a.TenantID, a.ID, a.Hash)
		if existing := b.Get(key); existing != nil {
			var prior types.Artifact
			if err := json.Unmarshal(existing, &prior); err != nil {
				return err
			}
			if bytes.Equal(prior.Canonical, a.Canonical) {
				return nil
			}
			return types.Conflict("ARTIFACT_IMMUTABLE", "artifact content differs from stored copy",
				map[string]any{"artifactId": a.ID, "artifactHash": a.Hash})
		}
		return b.Put(key, data)
	})
}

// Get resolves an artifact by (tenant, id, hash).
func (s *Store) Get(tenantID, artifactID, hash string) (*types.Artifact, error) {
	var a types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		data := b.Get(artifactKey(tenantID, artifactID, hash))
		if data == nil {
			return fmt.Errorf("artifact not found: %s", artifactID)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}
