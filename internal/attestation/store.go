package attestation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"dhi/internal/logging"
)

// ErrNotFound is returned when no manifest exists for a request id.
var ErrNotFound = errors.New("no manifest for request")

// ErrAlreadyStored is returned on a second Put for the same request id.
// The manifest store is append-only; manifests are immutable once emitted.
var ErrAlreadyStored = errors.New("manifest already stored for request")

// Store is the file-backed, content-addressable manifest store. Payloads
// live under objects/<sha256>.json; refs/<request_id> holds the content
// hash. Writes are temp-file + rename so a crash never leaves a partial
// manifest addressable.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore opens (creating if needed) a manifest store rooted at dir.
func NewStore(dir string) (*Store, error) {
	for _, sub := range []string{"objects", "refs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create manifest store: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// Put persists a manifest and returns its content hash reference.
func (s *Store) Put(m *Manifest) (string, error) {
	if m == nil || m.RequestID == "" {
		return "", fmt.Errorf("manifest must carry a request_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	refPath := s.refPath(m.RequestID)
	if _, err := os.Stat(refPath); err == nil {
		return "", fmt.Errorf("%w: %s", ErrAlreadyStored, m.RequestID)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}

	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])
	objPath := filepath.Join(s.dir, "objects", ref+".json")

	if err := writeAtomic(objPath, data); err != nil {
		return "", fmt.Errorf("failed to write manifest object: %w", err)
	}
	if err := writeAtomic(refPath, []byte(ref)); err != nil {
		return "", fmt.Errorf("failed to write manifest ref: %w", err)
	}

	logging.Attestation("stored manifest request_id=%s ref=%s final_status=%s tier=%s",
		m.RequestID, ref[:12], m.FinalStatus, m.Tier)
	return ref, nil
}

// Get loads the manifest for a request id.
func (s *Store) Get(requestID string) (*Manifest, error) {
	refData, err := os.ReadFile(s.refPath(requestID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
		}
		return nil, err
	}

	ref := strings.TrimSpace(string(refData))
	data, err := os.ReadFile(filepath.Join(s.dir, "objects", ref+".json"))
	if err != nil {
		return nil, fmt.Errorf("manifest object %s unreadable: %w", ref, err)
	}

	// Tamper evidence: the object must still hash to its address.
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != ref {
		return nil, fmt.Errorf("manifest object %s failed content verification", ref)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// Ref returns the content hash for a stored request id without loading it.
func (s *Store) Ref(requestID string) (string, error) {
	refData, err := os.ReadFile(s.refPath(requestID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, requestID)
		}
		return "", err
	}
	return strings.TrimSpace(string(refData)), nil
}

func (s *Store) refPath(requestID string) string {
	// Request ids come from clients; keep them from escaping the refs dir.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, requestID)
	return filepath.Join(s.dir, "refs", safe)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
