package domain

import (
	"fmt"
	"regexp"
)

// ExerciseKind selects which validation behavior applies to an exercise.
type ExerciseKind string

const (
	KindString         ExerciseKind = "string"
	KindMultipleChoice ExerciseKind = "multiple_choice"
	KindScript         ExerciseKind = "script"
)

// ParseExerciseKind maps a configuration discriminator to an ExerciseKind.
func ParseExerciseKind(s string) (ExerciseKind, error) {
	switch ExerciseKind(s) {
	case KindString, KindMultipleChoice, KindScript:
		return ExerciseKind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownExerciseKind, s)
}

// Solution is one accepted answer of a string exercise.
type Solution struct {
	Name  string
	Value string
}

// Option is one selectable answer of a multiple-choice exercise.
type Option struct {
	Value   string
	Correct bool
}

// StringParams holds the parameters of a string exercise.
type StringParams struct {
	Solutions []Solution
	AllowAny  bool // any valid solution is accepted, no per-user assignment
	UseRegex  bool // solution values are regular expressions
	Multiline bool // input is rendered as a multi-line field

	// Patterns holds the compiled solution values when UseRegex is set,
	// index-aligned with Solutions. Populated by Validate.
	Patterns []*regexp.Regexp
}

// MultipleChoiceParams holds the parameters of a multiple-choice exercise.
type MultipleChoiceParams struct {
	Options    []Option
	RequireAll bool // all correct options must be selected, and no others
}

// ScriptParams holds the parameters of an externally graded exercise.
type ScriptParams struct {
	Path        string // grading script path inside the container
	Container   string // container the script runs in
	StringInput bool   // pipe the submitted text to the script's stdin
	Multiline   bool
}

// ExerciseDefinition is the immutable description of one exercise. A
// definition is owned by the configuration snapshot it was loaded with and
// is never mutated after Validate; reloads replace definitions wholesale.
type ExerciseDefinition struct {
	ID    int
	Title string
	Kind  ExerciseKind

	// DescriptionFormat may contain a single %s placeholder that is
	// substituted with the user's assigned solution name.
	DescriptionFormat string
	Link              string

	// ExerciseNumber links the definition to the surrounding course
	// system; definitions without a number must carry a flag code or be
	// description-only.
	ExerciseNumber  *int
	FlagCode        string
	DescriptionOnly bool

	String         *StringParams
	MultipleChoice *MultipleChoiceParams
	Script         *ScriptParams
}

// Validate checks the definition's internal consistency and compiles regex
// solution patterns. Must be called once at configuration load; a failing
// definition makes the whole configuration unusable.
func (d *ExerciseDefinition) Validate() error {
	if d.Title == "" {
		return fmt.Errorf("exercise %d: %w: title", d.ID, ErrMissingField)
	}
	if d.ExerciseNumber == nil && d.FlagCode == "" && !d.DescriptionOnly {
		return fmt.Errorf("exercise %d: %w: needs an exercise number, flag code or description_only", d.ID, ErrMissingField)
	}

	switch d.Kind {
	case KindString:
		if d.String == nil {
			return fmt.Errorf("exercise %d: %w: missing string parameters", d.ID, ErrKindMismatch)
		}
		if len(d.String.Solutions) == 0 {
			return fmt.Errorf("exercise %d: %w: solutions", d.ID, ErrMissingField)
		}
		if d.String.UseRegex {
			d.String.Patterns = make([]*regexp.Regexp, len(d.String.Solutions))
			for i, sol := range d.String.Solutions {
				re, err := regexp.Compile(sol.Value)
				if err != nil {
					return fmt.Errorf("exercise %d: compile solution pattern %q: %w", d.ID, sol.Value, err)
				}
				d.String.Patterns[i] = re
			}
		}
	case KindMultipleChoice:
		if d.MultipleChoice == nil {
			return fmt.Errorf("exercise %d: %w: missing multiple-choice parameters", d.ID, ErrKindMismatch)
		}
		if len(d.MultipleChoice.Options) == 0 {
			return fmt.Errorf("exercise %d: %w: options", d.ID, ErrMissingField)
		}
		correct := 0
		for _, opt := range d.MultipleChoice.Options {
			if opt.Correct {
				correct++
			}
		}
		if correct == 0 {
			return fmt.Errorf("exercise %d: %w: at least one correct option", d.ID, ErrMissingField)
		}
	case KindScript:
		if d.Script == nil {
			return fmt.Errorf("exercise %d: %w: missing script parameters", d.ID, ErrKindMismatch)
		}
		if d.Script.Path == "" {
			return fmt.Errorf("exercise %d: %w: script path", d.ID, ErrMissingField)
		}
		if d.Script.Container == "" {
			return fmt.Errorf("exercise %d: %w: script container", d.ID, ErrMissingField)
		}
	default:
		return fmt.Errorf("exercise %d: %w: %q", d.ID, ErrUnknownExerciseKind, d.Kind)
	}

	return nil
}

// SolutionNames returns the names of all valid solutions of a string
// exercise, in definition order.
func (p *StringParams) SolutionNames() []string {
	names := make([]string, len(p.Solutions))
	for i, sol := range p.Solutions {
		names[i] = sol.Name
	}
	return names
}

// CorrectIndices returns the canonical set of correct option indices.
func (p *MultipleChoiceParams) CorrectIndices() map[int]struct{} {
	correct := make(map[int]struct{})
	for i, opt := range p.Options {
		if opt.Correct {
			correct[i] = struct{}{}
		}
	}
	return correct
}
