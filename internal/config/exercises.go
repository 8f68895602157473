package config

import (
	"fmt"
	"os"

	"github.com/JanWichelmann/ctf4e-sub001/internal/domain"
	"gopkg.in/yaml.v3"
)

// ExercisesFile represents the YAML structure of the exercise definition file.
type ExercisesFile struct {
	Exercises []ExerciseEntry `yaml:"exercises"`
}

// ExerciseEntry represents one exercise definition in YAML form. The Type
// field is the variant discriminator; exactly one of the variant blocks is
// expected to match it.
type ExerciseEntry struct {
	ID                int    `yaml:"id"`
	Title             string `yaml:"title"`
	Type              string `yaml:"type"`
	DescriptionFormat string `yaml:"description_format"`
	Link              string `yaml:"link"`
	ExerciseNumber    *int   `yaml:"exercise_number"`
	FlagCode          string `yaml:"flag_code"`
	DescriptionOnly   bool   `yaml:"description_only"`

	String *struct {
		Solutions []struct {
			Name  string `yaml:"name"`
			Value string `yaml:"value"`
		} `yaml:"solutions"`
		AllowAny  bool `yaml:"allow_any"`
		UseRegex  bool `yaml:"use_regex"`
		Multiline bool `yaml:"multiline"`
	} `yaml:"string"`

	MultipleChoice *struct {
		Options []struct {
			Value   string `yaml:"value"`
			Correct bool   `yaml:"correct"`
		} `yaml:"options"`
		RequireAll bool `yaml:"require_all"`
	} `yaml:"multiple_choice"`

	Script *struct {
		Path        string `yaml:"path"`
		Container   string `yaml:"container"`
		StringInput bool   `yaml:"string_input"`
		Multiline   bool   `yaml:"multiline"`
	} `yaml:"script"`
}

// LoadExercises reads and validates the exercise definition file. Any
// malformed entry, unknown discriminator or duplicate id fails the whole
// load; a caller holding an older definition table keeps using it.
func LoadExercises(path string) ([]*domain.ExerciseDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read exercises file: %w", err)
	}
	return ParseExercises(data)
}

// ParseExercises parses YAML exercise definitions from memory.
func ParseExercises(data []byte) ([]*domain.ExerciseDefinition, error) {
	var file ExercisesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse exercises file: %w", err)
	}

	defs := make([]*domain.ExerciseDefinition, 0, len(file.Exercises))
	seen := make(map[int]struct{}, len(file.Exercises))

	for _, entry := range file.Exercises {
		if _, dup := seen[entry.ID]; dup {
			return nil, fmt.Errorf("%w: %d", domain.ErrDuplicateExerciseID, entry.ID)
		}
		seen[entry.ID] = struct{}{}

		def, err := buildDefinition(entry)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	return defs, nil
}

func buildDefinition(entry ExerciseEntry) (*domain.ExerciseDefinition, error) {
	kind, err := domain.ParseExerciseKind(entry.Type)
	if err != nil {
		return nil, fmt.Errorf("exercise %d: %w", entry.ID, err)
	}

	def := &domain.ExerciseDefinition{
		ID:                entry.ID,
		Title:             entry.Title,
		Kind:              kind,
		DescriptionFormat: entry.DescriptionFormat,
		Link:              entry.Link,
		ExerciseNumber:    entry.ExerciseNumber,
		FlagCode:          entry.FlagCode,
		DescriptionOnly:   entry.DescriptionOnly,
	}

	switch kind {
	case domain.KindString:
		if entry.String == nil {
			return nil, fmt.Errorf("exercise %d: %w: string block", entry.ID, domain.ErrMissingField)
		}
		params := &domain.StringParams{
			AllowAny:  entry.String.AllowAny,
			UseRegex:  entry.String.UseRegex,
			Multiline: entry.String.Multiline,
		}
		for _, sol := range entry.String.Solutions {
			params.Solutions = append(params.Solutions, domain.Solution{Name: sol.Name, Value: sol.Value})
		}
		def.String = params
	case domain.KindMultipleChoice:
		if entry.MultipleChoice == nil {
			return nil, fmt.Errorf("exercise %d: %w: multiple_choice block", entry.ID, domain.ErrMissingField)
		}
		params := &domain.MultipleChoiceParams{
			RequireAll: entry.MultipleChoice.RequireAll,
		}
		for _, opt := range entry.MultipleChoice.Options {
			params.Options = append(params.Options, domain.Option{Value: opt.Value, Correct: opt.Correct})
		}
		def.MultipleChoice = params
	case domain.KindScript:
		if entry.Script == nil {
			return nil, fmt.Errorf("exercise %d: %w: script block", entry.ID, domain.ErrMissingField)
		}
		def.Script = &domain.ScriptParams{
			Path:        entry.Script.Path,
			Container:   entry.Script.Container,
			StringInput: entry.Script.StringInput,
			Multiline:   entry.Script.Multiline,
		}
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return def, nil
}
