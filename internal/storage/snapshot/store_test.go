package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestStore_SaveLoad(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}

	group := 4
	snap := &UserSnapshot{
		UserID:         12,
		GroupID:        &group,
		DockerUser:     "u12",
		DockerPassword: "secret",
		Exercises: []ExerciseRecord{
			{Type: "string", ID: 1, Solved: true, SolutionName: "alice"},
			{Type: "multiple_choice", ID: 2},
			{Type: "script", ID: 3},
		},
	}

	if err := store.Save(12, snap); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := store.Load(12)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.UserID != 12 || got.GroupID == nil || *got.GroupID != 4 {
		t.Errorf("loaded snapshot mismatch: %+v", got)
	}
	if len(got.Exercises) != 3 || got.Exercises[0].SolutionName != "alice" {
		t.Errorf("loaded exercises mismatch: %+v", got.Exercises)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.Load(99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestStore_SaveReplacesWholeFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	first := &UserSnapshot{UserID: 1, Exercises: []ExerciseRecord{
		{Type: "string", ID: 1}, {Type: "string", ID: 2},
	}}
	if err := store.Save(1, first); err != nil {
		t.Fatal(err)
	}

	second := &UserSnapshot{UserID: 1, Exercises: []ExerciseRecord{
		{Type: "string", ID: 1, Solved: true},
	}}
	if err := store.Save(1, second); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Exercises) != 1 || !got.Exercises[0].Solved {
		t.Errorf("second Save() did not replace the file: %+v", got.Exercises)
	}

	// No temp files may remain after a successful write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".tmp" {
			t.Errorf("leftover temp file %s", entry.Name())
		}
	}
}

func TestStore_List(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []int{3, 1, 7} {
		if err := store.Save(id, &UserSnapshot{UserID: id}); err != nil {
			t.Fatal(err)
		}
	}
	// Stray files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "backup.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	ids, err := store.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	sort.Ints(ids)
	want := []int{1, 3, 7}
	if len(ids) != len(want) {
		t.Fatalf("List() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("List() = %v, want %v", ids, want)
		}
	}

	if !store.Exists(3) || store.Exists(99) {
		t.Error("Exists() gave wrong answers")
	}
}
