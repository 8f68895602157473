package state

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/JanWichelmann/ctf4e-sub001/internal/domain"
	"github.com/JanWichelmann/ctf4e-sub001/internal/storage/snapshot"
)

// Input carries one submitted answer. Text is used by string and script
// exercises, Selected by multiple-choice exercises.
type Input struct {
	Text     string
	Selected []int
}

// ExerciseState is one user's mutable progress record for one exercise.
// The three implementations form a closed set matching the exercise kinds;
// mutation is only safe while holding the owning user's lock, except for
// the solved flag, which may be read lock-free.
type ExerciseState interface {
	ID() int
	Kind() domain.ExerciseKind

	// Solved is safe to read without the owning user's lock.
	Solved() bool

	// Update reconciles hidden state against a possibly-changed definition
	// of the same exercise and reports whether anything changed. A
	// definition of a different kind is a caller defect.
	Update(def *domain.ExerciseDefinition) (bool, error)

	// ValidateInput checks an input against the definition without
	// mutating anything. Script states return domain.ErrExternalGrading;
	// the caller routes those through the grading dispatcher.
	ValidateInput(def *domain.ExerciseDefinition, input Input) (bool, error)

	// FormatDescription renders the definition's description format,
	// substituting the assigned solution name where applicable.
	FormatDescription(def *domain.ExerciseDefinition) string

	setSolved(v bool)
	record() snapshot.ExerciseRecord
}

type baseState struct {
	id     int
	solved atomic.Bool
}

func (b *baseState) ID() int          { return b.id }
func (b *baseState) Solved() bool     { return b.solved.Load() }
func (b *baseState) setSolved(v bool) { b.solved.Store(v) }

// StringState tracks a string exercise. When the definition does not allow
// arbitrary solutions, solutionName holds the one solution assigned to this
// user, drawn uniformly at random at creation.
type StringState struct {
	baseState
	solutionName string
}

func (s *StringState) Kind() domain.ExerciseKind { return domain.KindString }

func (s *StringState) Update(def *domain.ExerciseDefinition) (bool, error) {
	p, err := stringParams(def)
	if err != nil {
		return false, err
	}

	if p.AllowAny {
		if s.solutionName != "" {
			s.solutionName = ""
			return true, nil
		}
		return false, nil
	}

	if s.solutionName != "" {
		for _, sol := range p.Solutions {
			if sol.Name == s.solutionName {
				return false, nil // assignment still valid
			}
		}
	}

	name, err := pickSolutionName(p)
	if err != nil {
		return false, err
	}
	s.solutionName = name
	return true, nil
}

func (s *StringState) ValidateInput(def *domain.ExerciseDefinition, input Input) (bool, error) {
	p, err := stringParams(def)
	if err != nil {
		return false, err
	}

	text := input.Text
	if p.Multiline {
		text = strings.ReplaceAll(text, "\r\n", "\n")
	}

	if p.AllowAny {
		for i := range p.Solutions {
			ok, err := matchSolution(p, i, text)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	for i, sol := range p.Solutions {
		if sol.Name == s.solutionName {
			return matchSolution(p, i, text)
		}
	}
	return false, nil // assignment stale; reload reconciles it
}

func (s *StringState) FormatDescription(def *domain.ExerciseDefinition) string {
	if def.DescriptionFormat == "" {
		return ""
	}
	if strings.Contains(def.DescriptionFormat, "%s") {
		return fmt.Sprintf(def.DescriptionFormat, s.solutionName)
	}
	return def.DescriptionFormat
}

func (s *StringState) record() snapshot.ExerciseRecord {
	return snapshot.ExerciseRecord{
		Type:         string(domain.KindString),
		ID:           s.id,
		Solved:       s.Solved(),
		SolutionName: s.solutionName,
	}
}

// MultipleChoiceState tracks a multiple-choice exercise. It carries no
// hidden state beyond the solved flag.
type MultipleChoiceState struct {
	baseState
}

func (s *MultipleChoiceState) Kind() domain.ExerciseKind { return domain.KindMultipleChoice }

func (s *MultipleChoiceState) Update(def *domain.ExerciseDefinition) (bool, error) {
	if _, err := multipleChoiceParams(def); err != nil {
		return false, err
	}
	return false, nil
}

func (s *MultipleChoiceState) ValidateInput(def *domain.ExerciseDefinition, input Input) (bool, error) {
	p, err := multipleChoiceParams(def)
	if err != nil {
		return false, err
	}

	selected := make(map[int]struct{}, len(input.Selected))
	for _, idx := range input.Selected {
		selected[idx] = struct{}{}
	}
	correct := p.CorrectIndices()

	if p.RequireAll {
		if len(selected) != len(correct) {
			return false, nil
		}
	} else if len(selected) == 0 {
		return false, nil
	}

	for idx := range selected {
		if _, ok := correct[idx]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (s *MultipleChoiceState) FormatDescription(def *domain.ExerciseDefinition) string {
	return def.DescriptionFormat
}

func (s *MultipleChoiceState) record() snapshot.ExerciseRecord {
	return snapshot.ExerciseRecord{
		Type:   string(domain.KindMultipleChoice),
		ID:     s.id,
		Solved: s.Solved(),
	}
}

// ScriptState tracks an externally graded exercise.
type ScriptState struct {
	baseState
}

func (s *ScriptState) Kind() domain.ExerciseKind { return domain.KindScript }

func (s *ScriptState) Update(def *domain.ExerciseDefinition) (bool, error) {
	if _, err := scriptParams(def); err != nil {
		return false, err
	}
	return false, nil
}

func (s *ScriptState) ValidateInput(def *domain.ExerciseDefinition, input Input) (bool, error) {
	if _, err := scriptParams(def); err != nil {
		return false, err
	}
	return false, domain.ErrExternalGrading
}

func (s *ScriptState) FormatDescription(def *domain.ExerciseDefinition) string {
	return def.DescriptionFormat
}

func (s *ScriptState) record() snapshot.ExerciseRecord {
	return snapshot.ExerciseRecord{
		Type:   string(domain.KindScript),
		ID:     s.id,
		Solved: s.Solved(),
	}
}

// newStateFor creates a fresh state for a definition, drawing a random
// solution assignment for string exercises that require one.
func newStateFor(def *domain.ExerciseDefinition) (ExerciseState, error) {
	switch def.Kind {
	case domain.KindString:
		st := &StringState{baseState: baseState{id: def.ID}}
		if !def.String.AllowAny {
			name, err := pickSolutionName(def.String)
			if err != nil {
				return nil, err
			}
			st.solutionName = name
		}
		return st, nil
	case domain.KindMultipleChoice:
		return &MultipleChoiceState{baseState{id: def.ID}}, nil
	case domain.KindScript:
		return &ScriptState{baseState{id: def.ID}}, nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownExerciseKind, def.Kind)
}

// stateFromRecord reconstructs a state from its persisted form.
func stateFromRecord(rec snapshot.ExerciseRecord) (ExerciseState, error) {
	var st ExerciseState
	switch domain.ExerciseKind(rec.Type) {
	case domain.KindString:
		st = &StringState{baseState: baseState{id: rec.ID}, solutionName: rec.SolutionName}
	case domain.KindMultipleChoice:
		st = &MultipleChoiceState{baseState{id: rec.ID}}
	case domain.KindScript:
		st = &ScriptState{baseState{id: rec.ID}}
	default:
		return nil, fmt.Errorf("%w: %q in snapshot", domain.ErrUnknownExerciseKind, rec.Type)
	}
	st.setSolved(rec.Solved)
	return st, nil
}

// pickSolutionName draws a solution name uniformly at random. crypto/rand
// keeps assignments unpredictable across users.
func pickSolutionName(p *domain.StringParams) (string, error) {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(p.Solutions))))
	if err != nil {
		return "", fmt.Errorf("draw solution index: %w", err)
	}
	return p.Solutions[idx.Int64()].Name, nil
}

func matchSolution(p *domain.StringParams, i int, text string) (bool, error) {
	if !p.UseRegex {
		value := p.Solutions[i].Value
		if p.Multiline {
			value = strings.ReplaceAll(value, "\r\n", "\n")
		}
		return text == value, nil
	}
	if i < len(p.Patterns) && p.Patterns[i] != nil {
		return p.Patterns[i].MatchString(text), nil
	}
	re, err := regexp.Compile(p.Solutions[i].Value)
	if err != nil {
		return false, fmt.Errorf("compile solution pattern: %w", err)
	}
	return re.MatchString(text), nil
}

func stringParams(def *domain.ExerciseDefinition) (*domain.StringParams, error) {
	if def.Kind != domain.KindString || def.String == nil {
		return nil, fmt.Errorf("exercise %d: %w: want %s, got %s", def.ID, domain.ErrKindMismatch, domain.KindString, def.Kind)
	}
	return def.String, nil
}

func multipleChoiceParams(def *domain.ExerciseDefinition) (*domain.MultipleChoiceParams, error) {
	if def.Kind != domain.KindMultipleChoice || def.MultipleChoice == nil {
		return nil, fmt.Errorf("exercise %d: %w: want %s, got %s", def.ID, domain.ErrKindMismatch, domain.KindMultipleChoice, def.Kind)
	}
	return def.MultipleChoice, nil
}

func scriptParams(def *domain.ExerciseDefinition) (*domain.ScriptParams, error) {
	if def.Kind != domain.KindScript || def.Script == nil {
		return nil, fmt.Errorf("exercise %d: %w: want %s, got %s", def.ID, domain.ErrKindMismatch, domain.KindScript, def.Kind)
	}
	return def.Script, nil
}
