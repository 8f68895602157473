package domain

import (
	"errors"
	"testing"
)

func intPtr(n int) *int { return &n }

func TestParseExerciseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    ExerciseKind
		wantErr bool
	}{
		{"string", KindString, false},
		{"multiple_choice", KindMultipleChoice, false},
		{"script", KindScript, false},
		{"flag", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseExerciseKind(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownExerciseKind) {
				t.Errorf("ParseExerciseKind(%q) error = %v, want ErrUnknownExerciseKind", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseExerciseKind(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseExerciseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExerciseDefinition_Validate_String(t *testing.T) {
	def := &ExerciseDefinition{
		ID:             1,
		Title:          "Buffer overflow",
		Kind:           KindString,
		ExerciseNumber: intPtr(3),
		String: &StringParams{
			Solutions: []Solution{{Name: "alpha", Value: "^a+$"}},
			UseRegex:  true,
		},
	}

	if err := def.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if len(def.String.Patterns) != 1 {
		t.Fatalf("Patterns not compiled, got %d", len(def.String.Patterns))
	}
	if !def.String.Patterns[0].MatchString("aaa") {
		t.Error("compiled pattern should match 'aaa'")
	}
}

func TestExerciseDefinition_Validate_BadPattern(t *testing.T) {
	def := &ExerciseDefinition{
		ID:             2,
		Title:          "Broken",
		Kind:           KindString,
		ExerciseNumber: intPtr(1),
		String: &StringParams{
			Solutions: []Solution{{Name: "x", Value: "("}},
			UseRegex:  true,
		},
	}

	if err := def.Validate(); err == nil {
		t.Error("Validate() should fail for an invalid pattern")
	}
}

func TestExerciseDefinition_Validate_MissingLink(t *testing.T) {
	def := &ExerciseDefinition{
		ID:    3,
		Title: "Unlinked",
		Kind:  KindString,
		String: &StringParams{
			Solutions: []Solution{{Name: "x", Value: "y"}},
		},
	}

	if err := def.Validate(); !errors.Is(err, ErrMissingField) {
		t.Errorf("Validate() error = %v, want ErrMissingField", err)
	}

	def.DescriptionOnly = true
	if err := def.Validate(); err != nil {
		t.Errorf("Validate() with description_only error: %v", err)
	}
}

func TestExerciseDefinition_Validate_MultipleChoice(t *testing.T) {
	def := &ExerciseDefinition{
		ID:             4,
		Title:          "Quiz",
		Kind:           KindMultipleChoice,
		ExerciseNumber: intPtr(2),
		MultipleChoice: &MultipleChoiceParams{
			Options: []Option{{Value: "a"}, {Value: "b", Correct: true}},
		},
	}

	if err := def.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	correct := def.MultipleChoice.CorrectIndices()
	if _, ok := correct[1]; !ok || len(correct) != 1 {
		t.Errorf("CorrectIndices() = %v, want {1}", correct)
	}

	def.MultipleChoice.Options = []Option{{Value: "a"}, {Value: "b"}}
	if err := def.Validate(); err == nil {
		t.Error("Validate() should fail without a correct option")
	}
}

func TestExerciseDefinition_Validate_Script(t *testing.T) {
	def := &ExerciseDefinition{
		ID:             5,
		Title:          "Exploit me",
		Kind:           KindScript,
		ExerciseNumber: intPtr(7),
		Script:         &ScriptParams{Container: "lab"},
	}

	if err := def.Validate(); !errors.Is(err, ErrMissingField) {
		t.Errorf("Validate() error = %v, want ErrMissingField", err)
	}

	def.Script.Path = "/opt/grade.sh"
	if err := def.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestExerciseDefinition_Validate_KindPayloadMismatch(t *testing.T) {
	def := &ExerciseDefinition{
		ID:             6,
		Title:          "Mismatch",
		Kind:           KindScript,
		ExerciseNumber: intPtr(1),
		String:         &StringParams{Solutions: []Solution{{Name: "x", Value: "y"}}},
	}

	if err := def.Validate(); !errors.Is(err, ErrKindMismatch) {
		t.Errorf("Validate() error = %v, want ErrKindMismatch", err)
	}
}
