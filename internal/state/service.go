// Package state implements the exercise-tracking core: per-user exercise
// states, group linkage and the operations the surrounding web layer wraps.
//
// Lock hierarchy, outermost first: config lock (read for everything except
// Reload) -> login lock (ProcessLogin only) -> per-user locks, one at a
// time. Peer locks during relinking are acquired and released individually,
// never nested, so two concurrent relinks cannot deadlock. The grading
// semaphore is acquired only after all state locks are released.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/JanWichelmann/ctf4e-sub001/internal/domain"
	"github.com/JanWichelmann/ctf4e-sub001/internal/storage/snapshot"
	"github.com/google/uuid"
)

// SnapshotStore persists per-user state between restarts.
type SnapshotStore interface {
	Save(userID int, snap *snapshot.UserSnapshot) error
	Load(userID int) (*snapshot.UserSnapshot, error)
	List() ([]int, error)
}

// Grader dispatches script exercises to the external sandboxed executor.
type Grader interface {
	Grade(ctx context.Context, container, script string, userID, exerciseID int, input string, stringInput bool) (passed bool, stderr string, err error)
	InitUser(ctx context.Context, userID int, userName, password string) error
}

// Event is published to the surrounding application when state changes.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	UserID     int       `json:"user_id"`
	GroupID    *int      `json:"group_id,omitempty"`
	ExerciseID int       `json:"exercise_id,omitempty"`
	At         time.Time `json:"at"`
}

// Event types.
const (
	EventTypeLogin  = "login"
	EventTypeSolved = "exercise_solved"
	EventTypeReset  = "exercise_reset"
)

// EventSink receives state-change events. Publishing is best-effort; a
// failing sink never fails the operation that produced the event.
type EventSink interface {
	Publish(ctx context.Context, event *Event) error
}

// Service owns the exercise-definition table and all user states.
type Service struct {
	cfgMu    sync.RWMutex
	defs     []*domain.ExerciseDefinition
	defsByID map[int]*domain.ExerciseDefinition

	loginLk userLock

	usersMu sync.RWMutex
	users   map[int]*UserState

	store  SnapshotStore
	grader Grader
	events EventSink
	logger *slog.Logger
}

// NewService creates a service without an active definition table; call
// Reload with the initial configuration before serving requests.
func NewService(store SnapshotStore) *Service {
	return &Service{
		defsByID: make(map[int]*domain.ExerciseDefinition),
		loginLk:  newUserLock(),
		users:    make(map[int]*UserState),
		store:    store,
		logger:   slog.Default(),
	}
}

// SetGrader installs the grading dispatcher for script exercises.
func (s *Service) SetGrader(g Grader) { s.grader = g }

// SetEventSink installs an optional event publisher.
func (s *Service) SetEventSink(sink EventSink) { s.events = sink }

// SetLogger overrides the default logger.
func (s *Service) SetLogger(logger *slog.Logger) { s.logger = logger }

// Reload replaces the exercise-definition table with a freshly parsed
// configuration and reconciles every known user against it. Persisted
// users that are not in memory yet are loaded first; a read or parse
// failure aborts the reload before anything is replaced. States of
// exercises that disappeared from the configuration are kept.
func (s *Service) Reload(ctx context.Context, defs []*domain.ExerciseDefinition) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	defsByID := make(map[int]*domain.ExerciseDefinition, len(defs))
	for _, def := range defs {
		if _, dup := defsByID[def.ID]; dup {
			return fmt.Errorf("%w: %d", domain.ErrDuplicateExerciseID, def.ID)
		}
		defsByID[def.ID] = def
	}

	ids, err := s.store.List()
	if err != nil {
		return fmt.Errorf("enumerate user snapshots: %w", err)
	}

	// Load and parse unknown users before replacing anything, so a broken
	// snapshot leaves the previous table in effect.
	loaded := make(map[int]*UserState)
	for _, id := range ids {
		if _, known := s.users[id]; known {
			continue
		}
		snap, err := s.store.Load(id)
		if err != nil {
			return fmt.Errorf("load user %d: %w", id, err)
		}
		u, err := userFromSnapshot(snap)
		if err != nil {
			return fmt.Errorf("restore user %d: %w", id, err)
		}
		loaded[id] = u
	}

	s.defs = defs
	s.defsByID = defsByID
	for id, u := range loaded {
		s.users[id] = u
	}

	for _, u := range s.users {
		changed := false
		for _, def := range s.defs {
			st, ok := u.exercises[def.ID]
			if !ok || st.Kind() != def.Kind {
				fresh, err := newStateFor(def)
				if err != nil {
					return fmt.Errorf("init state for exercise %d, user %d: %w", def.ID, u.id, err)
				}
				u.exercises[def.ID] = fresh
				changed = true
				continue
			}
			c, err := st.Update(def)
			if err != nil {
				return fmt.Errorf("reconcile exercise %d, user %d: %w", def.ID, u.id, err)
			}
			changed = changed || c
		}
		if changed {
			if err := s.store.Save(u.id, u.toSnapshot()); err != nil {
				return fmt.Errorf("persist user %d: %w", u.id, err)
			}
		}
	}

	s.rebuildPeers()

	s.logger.Info("configuration reloaded", "exercises", len(defs), "users", len(s.users))
	return nil
}

// ProcessLogin registers a user or updates its group linkage. The whole
// relinking sequence is serialized through the login lock; peer membership
// discovered concurrently is best-effort and converges on the next reload
// or re-login. Newly created users are provisioned in the sandbox executor
// after all state locks are released.
func (s *Service) ProcessLogin(ctx context.Context, userID int, groupID *int) error {
	creds, ev, err := s.login(ctx, userID, groupID)
	if ev != nil {
		s.publish(ctx, ev)
	}
	if err != nil {
		return err
	}

	if creds != nil && s.grader != nil {
		if err := s.grader.InitUser(ctx, userID, creds.user, creds.password); err != nil {
			return fmt.Errorf("provision user %d: %w", userID, err)
		}
	}
	return nil
}

type dockerCreds struct {
	user     string
	password string
}

func (s *Service) login(ctx context.Context, userID int, groupID *int) (*dockerCreds, *Event, error) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	if err := s.loginLk.lock(ctx); err != nil {
		return nil, nil, err
	}
	defer s.loginLk.unlock()

	u := s.lookupUser(userID)
	var creds *dockerCreds

	if u == nil {
		u = newUserState(userID)
		for _, def := range s.defs {
			st, err := newStateFor(def)
			if err != nil {
				return nil, nil, fmt.Errorf("init state for exercise %d: %w", def.ID, err)
			}
			u.exercises[def.ID] = st
		}
		u.dockerUser = fmt.Sprintf("labuser%d", userID)
		u.dockerPassword = uuid.NewString()
		creds = &dockerCreds{user: u.dockerUser, password: u.dockerPassword}

		s.usersMu.Lock()
		s.users[userID] = u
		s.usersMu.Unlock()
	} else {
		if err := u.lk.lock(ctx); err != nil {
			return nil, nil, err
		}
		same := groupsEqual(u.groupID, groupID)
		if same {
			u.addEvent(EventLogin, 0, "group unchanged")
		}
		u.lk.unlock()
		if same {
			return nil, nil, nil
		}
	}

	// Relink: update own group, then fix peer membership one user at a
	// time. Never hold two user locks at once.
	if err := u.lk.lock(ctx); err != nil {
		return creds, nil, err
	}
	u.groupID = copyGroup(groupID)
	oldPeers := u.peers
	u.peers = make(map[int]struct{})
	u.addEvent(EventLogin, 0, "group changed")
	u.lk.unlock()

	for pid := range oldPeers {
		p := s.lookupUser(pid)
		if p == nil {
			continue
		}
		if err := p.lk.lock(ctx); err != nil {
			return creds, nil, err
		}
		delete(p.peers, userID)
		p.lk.unlock()
	}

	var peerIDs []int
	if groupID != nil {
		// Group ids only change under the login lock, which we hold, so
		// this read needs no per-user locks.
		s.usersMu.RLock()
		for id, p := range s.users {
			if id != userID && groupsEqual(p.groupID, groupID) {
				peerIDs = append(peerIDs, id)
			}
		}
		s.usersMu.RUnlock()

		for _, pid := range peerIDs {
			p := s.lookupUser(pid)
			if p == nil {
				continue
			}
			if err := p.lk.lock(ctx); err != nil {
				return creds, nil, err
			}
			p.peers[userID] = struct{}{}
			p.lk.unlock()
		}
	}

	if err := u.lk.lock(ctx); err != nil {
		return creds, nil, err
	}
	for _, pid := range peerIDs {
		u.peers[pid] = struct{}{}
	}
	saveErr := s.store.Save(u.id, u.toSnapshot())
	u.lk.unlock()
	if saveErr != nil {
		return creds, nil, fmt.Errorf("persist user %d: %w", userID, saveErr)
	}

	ev := &Event{
		ID:      uuid.New(),
		Type:    EventTypeLogin,
		UserID:  userID,
		GroupID: copyGroup(groupID),
		At:      time.Now(),
	}
	return creds, ev, nil
}

type scriptJob struct {
	container   string
	path        string
	stringInput bool
}

type checkOutcome struct {
	passed     bool
	script     *scriptJob
	event      *Event
	persistErr error
}

// CheckInput validates a submitted answer. A passing result flips the
// exercise to solved exactly once; later submissions are still validated
// but never mutate or persist anything. Script exercises are graded via
// the dispatcher after all state locks have been released, then committed
// in a second critical section.
func (s *Service) CheckInput(ctx context.Context, exerciseID, userID int, input Input) (bool, error) {
	out, err := s.validateLocal(ctx, exerciseID, userID, input)
	if err != nil {
		return false, err
	}

	if out.script != nil {
		if s.grader == nil {
			return false, domain.ErrExecutorUnavailable
		}
		passed, stderr, err := s.grader.Grade(ctx, out.script.container, out.script.path, userID, exerciseID, input.Text, out.script.stringInput)
		if err != nil {
			return false, fmt.Errorf("grade exercise %d: %w", exerciseID, err)
		}
		if stderr != "" {
			s.logger.Debug("grading script stderr", "user", userID, "exercise", exerciseID, "stderr", stderr)
		}
		out, err = s.commitScriptResult(ctx, exerciseID, userID, passed)
		if err != nil {
			return false, err
		}
	}

	if out.event != nil {
		s.publish(ctx, out.event)
	}
	if out.persistErr != nil {
		// The in-memory solved flag stays set; only its persistence failed.
		return out.passed, fmt.Errorf("persist user %d: %w", userID, out.persistErr)
	}
	return out.passed, nil
}

func (s *Service) validateLocal(ctx context.Context, exerciseID, userID int, input Input) (*checkOutcome, error) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	def, err := s.lookupDef(exerciseID)
	if err != nil {
		return nil, err
	}
	u := s.lookupUser(userID)
	if u == nil {
		return nil, fmt.Errorf("%w: %d", domain.ErrUserNotFound, userID)
	}

	if err := u.lk.lock(ctx); err != nil {
		return nil, err
	}
	defer u.lk.unlock()

	st, ok := u.exercises[exerciseID]
	if !ok {
		return nil, fmt.Errorf("%w: no state for exercise %d", domain.ErrExerciseNotFound, exerciseID)
	}

	passed, err := st.ValidateInput(def, input)
	if errors.Is(err, domain.ErrExternalGrading) {
		u.addEvent(EventCheck, exerciseID, "dispatched to grading")
		return &checkOutcome{script: &scriptJob{
			container:   def.Script.Container,
			path:        def.Script.Path,
			stringInput: def.Script.StringInput,
		}}, nil
	}
	if err != nil {
		return nil, err
	}

	u.addEvent(EventCheck, exerciseID, "")
	out := &checkOutcome{passed: passed}
	if passed && !st.Solved() {
		st.setSolved(true)
		u.addEvent(EventSolve, exerciseID, "")
		out.event = s.newEvent(EventTypeSolved, u, exerciseID)
		out.persistErr = s.store.Save(u.id, u.toSnapshot())
	}
	return out, nil
}

func (s *Service) commitScriptResult(ctx context.Context, exerciseID, userID int, passed bool) (*checkOutcome, error) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	u := s.lookupUser(userID)
	if u == nil {
		return nil, fmt.Errorf("%w: %d", domain.ErrUserNotFound, userID)
	}

	if err := u.lk.lock(ctx); err != nil {
		return nil, err
	}
	defer u.lk.unlock()

	st, ok := u.exercises[exerciseID]
	if !ok {
		return nil, fmt.Errorf("%w: no state for exercise %d", domain.ErrExerciseNotFound, exerciseID)
	}

	out := &checkOutcome{passed: passed}
	if passed && !st.Solved() {
		st.setSolved(true)
		u.addEvent(EventSolve, exerciseID, "graded externally")
		out.event = s.newEvent(EventTypeSolved, u, exerciseID)
		out.persistErr = s.store.Save(u.id, u.toSnapshot())
	}
	return out, nil
}

// MarkSolved is the administrative override that sets the solved flag.
func (s *Service) MarkSolved(ctx context.Context, exerciseID, userID int) error {
	return s.setSolved(ctx, exerciseID, userID, true)
}

// ResetExercise is the administrative override that clears the solved flag.
func (s *Service) ResetExercise(ctx context.Context, exerciseID, userID int) error {
	return s.setSolved(ctx, exerciseID, userID, false)
}

func (s *Service) setSolved(ctx context.Context, exerciseID, userID int, solved bool) error {
	ev, err := s.setSolvedLocked(ctx, exerciseID, userID, solved)
	if ev != nil {
		s.publish(ctx, ev)
	}
	return err
}

func (s *Service) setSolvedLocked(ctx context.Context, exerciseID, userID int, solved bool) (*Event, error) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	if _, err := s.lookupDef(exerciseID); err != nil {
		return nil, err
	}
	u := s.lookupUser(userID)
	if u == nil {
		return nil, fmt.Errorf("%w: %d", domain.ErrUserNotFound, userID)
	}

	if err := u.lk.lock(ctx); err != nil {
		return nil, err
	}
	defer u.lk.unlock()

	st, ok := u.exercises[exerciseID]
	if !ok {
		return nil, fmt.Errorf("%w: no state for exercise %d", domain.ErrExerciseNotFound, exerciseID)
	}

	if st.Solved() == solved {
		return nil, nil
	}
	st.setSolved(solved)

	eventType := EventTypeSolved
	if solved {
		u.addEvent(EventSolve, exerciseID, "administrative")
	} else {
		u.addEvent(EventReset, exerciseID, "administrative")
		eventType = EventTypeReset
	}

	ev := s.newEvent(eventType, u, exerciseID)
	if err := s.store.Save(u.id, u.toSnapshot()); err != nil {
		return ev, fmt.Errorf("persist user %d: %w", userID, err)
	}
	return ev, nil
}

// ScoreboardEntry is one row of a user's scoreboard, in definition order.
type ScoreboardEntry struct {
	ExerciseID      int
	Title           string
	Description     string
	Link            string
	Solved          bool
	SolvedByPeer    bool
	DescriptionOnly bool
}

// Scoreboard is a read-only snapshot of a user's progress.
type Scoreboard struct {
	UserID      int
	GroupID     *int
	Entries     []ScoreboardEntry
	SolvedCount int
	Total       int
}

// GetScoreboard renders a snapshot of the user's progress. Peer solved
// flags are read without taking peer locks; they are an eventually
// consistent view, which avoids lock-ordering deadlocks between group
// members requesting scoreboards concurrently.
func (s *Service) GetScoreboard(ctx context.Context, userID int) (*Scoreboard, error) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	u := s.lookupUser(userID)
	if u == nil {
		return nil, fmt.Errorf("%w: %d", domain.ErrUserNotFound, userID)
	}

	if err := u.lk.lock(ctx); err != nil {
		return nil, err
	}

	sb := &Scoreboard{
		UserID:  userID,
		GroupID: copyGroup(u.groupID),
		Entries: make([]ScoreboardEntry, 0, len(s.defs)),
	}
	for _, def := range s.defs {
		st, ok := u.exercises[def.ID]
		if !ok {
			u.lk.unlock()
			return nil, fmt.Errorf("%w: no state for exercise %d", domain.ErrExerciseNotFound, def.ID)
		}
		sb.Entries = append(sb.Entries, ScoreboardEntry{
			ExerciseID:      def.ID,
			Title:           def.Title,
			Description:     st.FormatDescription(def),
			Link:            def.Link,
			Solved:          st.Solved(),
			DescriptionOnly: def.DescriptionOnly,
		})
	}
	peerIDs := make([]int, 0, len(u.peers))
	for pid := range u.peers {
		peerIDs = append(peerIDs, pid)
	}
	u.lk.unlock()

	for _, pid := range peerIDs {
		p := s.lookupUser(pid)
		if p == nil {
			continue
		}
		for i, def := range s.defs {
			if sb.Entries[i].SolvedByPeer {
				continue
			}
			if pst, ok := p.exercises[def.ID]; ok && pst.Solved() {
				sb.Entries[i].SolvedByPeer = true
			}
		}
	}

	for _, entry := range sb.Entries {
		if entry.DescriptionOnly {
			continue
		}
		sb.Total++
		if entry.Solved || entry.SolvedByPeer {
			sb.SolvedCount++
		}
	}
	return sb, nil
}

// UserEvents returns a copy of the user's recent-activity log, oldest
// first.
func (s *Service) UserEvents(ctx context.Context, userID int) ([]UserEvent, error) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	u := s.lookupUser(userID)
	if u == nil {
		return nil, fmt.Errorf("%w: %d", domain.ErrUserNotFound, userID)
	}

	if err := u.lk.lock(ctx); err != nil {
		return nil, err
	}
	defer u.lk.unlock()
	return u.log.list(), nil
}

func (s *Service) lookupDef(exerciseID int) (*domain.ExerciseDefinition, error) {
	def, ok := s.defsByID[exerciseID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrExerciseNotFound, exerciseID)
	}
	return def, nil
}

func (s *Service) lookupUser(userID int) *UserState {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	return s.users[userID]
}

// rebuildPeers derives the symmetric group-membership relation from group
// ids. Caller must hold the config lock exclusively.
func (s *Service) rebuildPeers() {
	groups := make(map[int][]int)
	for id, u := range s.users {
		if u.groupID != nil {
			groups[*u.groupID] = append(groups[*u.groupID], id)
		}
	}
	for _, u := range s.users {
		u.peers = make(map[int]struct{})
		if u.groupID == nil {
			continue
		}
		for _, pid := range groups[*u.groupID] {
			if pid != u.id {
				u.peers[pid] = struct{}{}
			}
		}
	}
}

func (s *Service) newEvent(eventType string, u *UserState, exerciseID int) *Event {
	return &Event{
		ID:         uuid.New(),
		Type:       eventType,
		UserID:     u.id,
		GroupID:    copyGroup(u.groupID),
		ExerciseID: exerciseID,
		At:         time.Now(),
	}
}

func (s *Service) publish(ctx context.Context, ev *Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish event", "type", ev.Type, "user", ev.UserID, "error", err)
	}
}
