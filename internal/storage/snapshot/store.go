// Package snapshot persists per-user lab state as one JSON file per user.
// A snapshot file is the single source of truth for restart recovery; it is
// always replaced whole (temp file + rename), never updated in place.
// Callers serialize writes per user; the store itself takes no locks.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNotFound is returned when no snapshot exists for a user.
var ErrNotFound = errors.New("user snapshot not found")

// UserSnapshot is the persisted form of one user's lab state.
type UserSnapshot struct {
	UserID         int              `json:"user_id"`
	GroupID        *int             `json:"group_id"`
	DockerUser     string           `json:"docker_user,omitempty"`
	DockerPassword string           `json:"docker_password,omitempty"`
	Exercises      []ExerciseRecord `json:"exercises"`
}

// ExerciseRecord is one persisted exercise state. Type is the variant
// discriminator used to reconstruct the state polymorphically.
type ExerciseRecord struct {
	Type         string `json:"type"`
	ID           int    `json:"id"`
	Solved       bool   `json:"solved"`
	SolutionName string `json:"solution_name,omitempty"`
}

// Store reads and writes user snapshot files in a single directory.
type Store struct {
	dir string
}

// NewStore creates the snapshot directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes a user's snapshot by whole-file replacement. The caller must
// hold that user's lock for the duration of the call.
func (s *Store) Save(userID int, snap *UserSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	path := s.path(userID)
	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf("u%d-*.tmp", userID))
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	return nil
}

// Load reads a user's snapshot.
func (s *Store) Load(userID int) (*UserSnapshot, error) {
	data, err := os.ReadFile(s.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap UserSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for user %d: %w", userID, err)
	}
	return &snap, nil
}

// List returns the ids of all users with a persisted snapshot.
func (s *Store) List() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot directory: %w", err)
	}

	var ids []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue // stray file, not a snapshot
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// Exists reports whether a snapshot exists for a user.
func (s *Store) Exists(userID int) bool {
	_, err := os.Stat(s.path(userID))
	return err == nil
}

func (s *Store) path(userID int) string {
	return filepath.Join(s.dir, strconv.Itoa(userID)+".json")
}
