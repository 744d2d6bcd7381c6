// Package runstate persists the agent's run-state document: its id, admin
// credentials, and the serialized intent map.
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/hostagent/internal/logging"
)

// Document is the on-disk run state.
type Document struct {
	AgentID           string                    `json:"agentId"`
	AdminSecretDigest string                    `json:"adminSecret,omitempty"`
	ServerConfig      map[string]map[string]any `json:"serverConfiguration,omitempty"`
	IntentState       map[string]map[string]any `json:"intentState"`
}

// Store guards a Document and rewrites its file on every change.
type Store struct {
	path   string
	logger *logging.Logger

	mu  sync.Mutex
	doc Document
}

// Open loads the document at path. A missing file starts a new document
// with a fresh agent id. A corrupt file is quarantined and the backup is
// tried before starting over.
func Open(path string, logger *logging.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}
	doc, err := readDocument(path)
	switch {
	case err == nil:
		s.doc = doc
	case errors.Is(err, fs.ErrNotExist):
		s.doc = Document{}
	default:
		dst, qerr := Quarantine(filepath.Dir(path), path, time.Now())
		if qerr != nil {
			return nil, fmt.Errorf("run state %s unreadable (%v) and quarantine failed: %w", path, err, qerr)
		}
		logger.Log(logging.LevelWarn, "quarantined corrupt run state: path=%s dest=%s err=%v", path, dst, err)
		if bak, berr := readDocument(path + ".bak"); berr == nil {
			logger.Log(logging.LevelInfo, "restored run state from backup: path=%s.bak", path)
			s.doc = bak
		}
	}

	if s.doc.AgentID == "" {
		s.doc.AgentID = uuid.NewString()
	}
	if s.doc.IntentState == nil {
		s.doc.IntentState = map[string]map[string]any{}
	}
	if err := s.writeLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func readDocument(path string) (Document, error) {
	var doc Document
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func (s *Store) Path() string { return s.path }

// AgentID returns the persistent agent id.
func (s *Store) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.AgentID
}

// AdminSecretDigest returns the stored admin secret digest, or "".
func (s *Store) AdminSecretDigest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.AdminSecretDigest
}

// SetAdminSecretDigest stores digest and rewrites the file.
func (s *Store) SetAdminSecretDigest(digest string) error {
	return s.Update(func(d *Document) { d.AdminSecretDigest = digest })
}

// LoadIntentState returns a copy of the stored intent map.
func (s *Store) LoadIntentState() (map[string]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.doc.IntentState)
}

// SaveIntentState replaces the stored intent map and rewrites the file.
func (s *Store) SaveIntentState(state map[string]map[string]any) error {
	c, err := copyState(state)
	if err != nil {
		return err
	}
	return s.Update(func(d *Document) { d.IntentState = c })
}

// Update applies fn to the document and writes it out.
func (s *Store) Update(fn func(*Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.doc)
	return s.writeLocked()
}

// Snapshot returns a deep copy of the document.
func (s *Store) Snapshot() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc Document
	data, err := json.Marshal(s.doc)
	if err != nil {
		return doc, err
	}
	err = json.Unmarshal(data, &doc)
	return doc, err
}

func (s *Store) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create run state dir: %w", err)
	}
	if err := AtomicWrite(s.path, s.doc); err != nil {
		return fmt.Errorf("write run state: %w", err)
	}
	return nil
}

func copyState(state map[string]map[string]any) (map[string]map[string]any, error) {
	out := map[string]map[string]any{}
	if len(state) == 0 {
		return out, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal intent state: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal intent state: %w", err)
	}
	return out, nil
}
