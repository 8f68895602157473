package state

import (
	"context"
	"sort"
	"time"

	"github.com/JanWichelmann/ctf4e-sub001/internal/storage/snapshot"
)

// userLock is a mutual-exclusion lock whose acquisition can be abandoned
// when the caller's context is canceled, so a disconnecting client never
// leaves a request blocked forever.
type userLock struct {
	ch chan struct{}
}

func newUserLock() userLock {
	return userLock{ch: make(chan struct{}, 1)}
}

func (l *userLock) lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *userLock) unlock() {
	<-l.ch
}

// EventKind names an entry in a user's recent-activity log.
type EventKind string

const (
	EventLogin  EventKind = "login"
	EventCheck  EventKind = "check"
	EventSolve  EventKind = "solve"
	EventReset  EventKind = "reset"
	EventAssign EventKind = "assign"
)

// UserEvent is one entry of the per-user activity ring buffer.
type UserEvent struct {
	At         time.Time
	Kind       EventKind
	ExerciseID int
	Detail     string
}

const eventLogCapacity = 32

// eventRing keeps the most recent user events; old entries are overwritten.
type eventRing struct {
	entries [eventLogCapacity]UserEvent
	next    int
	count   int
}

func (r *eventRing) add(e UserEvent) {
	r.entries[r.next] = e
	r.next = (r.next + 1) % eventLogCapacity
	if r.count < eventLogCapacity {
		r.count++
	}
}

// list returns the buffered events oldest-first.
func (r *eventRing) list() []UserEvent {
	out := make([]UserEvent, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += eventLogCapacity
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(start+i)%eventLogCapacity])
	}
	return out
}

// UserState aggregates one user's exercise states, group linkage and
// sandbox credentials. The central user map owns every UserState; peers
// are referenced by id only and resolved through that map, never held as
// object references. All fields except the states' solved flags require
// the user's lock.
type UserState struct {
	id int
	lk userLock

	groupID        *int
	dockerUser     string
	dockerPassword string

	exercises map[int]ExerciseState
	peers     map[int]struct{}

	log eventRing
}

func newUserState(id int) *UserState {
	return &UserState{
		id:        id,
		lk:        newUserLock(),
		exercises: make(map[int]ExerciseState),
		peers:     make(map[int]struct{}),
	}
}

// userFromSnapshot reconstructs a UserState from its persisted form.
func userFromSnapshot(snap *snapshot.UserSnapshot) (*UserState, error) {
	u := newUserState(snap.UserID)
	u.groupID = copyGroup(snap.GroupID)
	u.dockerUser = snap.DockerUser
	u.dockerPassword = snap.DockerPassword

	for _, rec := range snap.Exercises {
		st, err := stateFromRecord(rec)
		if err != nil {
			return nil, err
		}
		u.exercises[st.ID()] = st
	}
	return u, nil
}

// toSnapshot builds the persisted form. Caller must hold the user's lock.
// Exercise records are ordered by id so snapshot files stay diffable.
func (u *UserState) toSnapshot() *snapshot.UserSnapshot {
	snap := &snapshot.UserSnapshot{
		UserID:         u.id,
		GroupID:        copyGroup(u.groupID),
		DockerUser:     u.dockerUser,
		DockerPassword: u.dockerPassword,
	}

	ids := make([]int, 0, len(u.exercises))
	for id := range u.exercises {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		snap.Exercises = append(snap.Exercises, u.exercises[id].record())
	}
	return snap
}

func (u *UserState) addEvent(kind EventKind, exerciseID int, detail string) {
	u.log.add(UserEvent{At: time.Now(), Kind: kind, ExerciseID: exerciseID, Detail: detail})
}

func copyGroup(g *int) *int {
	if g == nil {
		return nil
	}
	v := *g
	return &v
}

func groupsEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
