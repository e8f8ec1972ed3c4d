// Package convo runs scripted conversations against an IVR through the
// call controller.
package convo

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
)

// StepKind is what a script step does.
type StepKind string

const (
	// StepMe speaks text into the call.
	StepMe StepKind = "me"
	// StepDTMF plays a keypad sequence.
	StepDTMF StepKind = "dtmf"
	// StepPlay plays a media URL or a local audio file.
	StepPlay StepKind = "play"
	// StepBot waits for the IVR to say something containing Text.
	StepBot StepKind = "bot"
	// StepSMS checks for received text messages matching Patterns.
	StepSMS StepKind = "sms"
)

// Step is one line of a script, written as a single-key mapping such as
// "- me: hello" or "- sms: [code, thanks]".
type Step struct {
	Kind     StepKind
	Text     string
	Patterns []string
}

func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("line %d: step must be a mapping with exactly one key", node.Line)
	}
	key, val := node.Content[0].Value, node.Content[1]

	switch kind := StepKind(key); kind {
	case StepMe, StepDTMF, StepPlay, StepBot:
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: %s step takes a string", val.Line, kind)
		}
		*s = Step{Kind: kind, Text: val.Value}
	case StepSMS:
		var patterns []string
		switch val.Kind {
		case yaml.ScalarNode:
			if val.Value != "" {
				patterns = []string{val.Value}
			}
		case yaml.SequenceNode:
			if err := val.Decode(&patterns); err != nil {
				return err
			}
		default:
			return fmt.Errorf("line %d: sms step takes a pattern or a list of patterns", val.Line)
		}
		*s = Step{Kind: kind, Patterns: patterns}
	default:
		return fmt.Errorf("line %d: unknown step %q", node.Line, key)
	}
	return nil
}

func (s Step) validate() error {
	switch s.Kind {
	case StepMe, StepPlay:
		if s.Text == "" {
			return fmt.Errorf("%s step is empty", s.Kind)
		}
	case StepDTMF:
		return protocol.ValidateDTMF(s.Text)
	}
	return nil
}

// Script is a named sequence of steps.
type Script struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`

	// Dir resolves relative media paths.
	Dir string `yaml:"-"`
}

// Parse decodes and validates a script.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing script: %w", err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("script %q has no steps", s.Name)
	}
	for i, step := range s.Steps {
		if err := step.validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return &s, nil
}

// LoadFile reads a script from path.
func LoadFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if s.Name == "" {
		s.Name = filepath.Base(path)
	}
	s.Dir = filepath.Dir(path)
	return s, nil
}
