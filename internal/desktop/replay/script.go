// Package replay drives an orchestrator and a mount through scripted user
// sessions. Scripts are YAML documents; the same steps can be typed one per
// line in the interactive shell.
package replay

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tahoe-os/server/internal/desktop/model"
)

// Script is a named list of steps.
type Script struct {
	Name string `yaml:"name"`
	// StopOnError aborts the run at the first failing step.
	StopOnError bool   `yaml:"stop_on_error"`
	Steps       []Step `yaml:"steps"`
}

// Input types a value into a form control of the current view.
type Input struct {
	ID    string `yaml:"id"`
	Value string `yaml:"value"`
}

// Settings mirrors the settings panel form.
type Settings struct {
	MaxHistory string `yaml:"max_history"`
	Stateful   bool   `yaml:"stateful"`
}

// Step holds exactly one action.
type Step struct {
	Open           string                  `yaml:"open,omitempty"`
	Click          string                  `yaml:"click,omitempty"`
	Input          *Input                  `yaml:"input,omitempty"`
	Event          *model.InteractionEvent `yaml:"event,omitempty"`
	Close          bool                    `yaml:"close,omitempty"`
	Settings       *Settings               `yaml:"settings,omitempty"`
	ToggleSettings bool                    `yaml:"toggle_settings,omitempty"`
}

// Action names the step's action for logs and output.
func (s Step) Action() string {
	switch {
	case s.Open != "":
		return "open " + s.Open
	case s.Click != "":
		return "click " + s.Click
	case s.Input != nil:
		return fmt.Sprintf("type %s %q", s.Input.ID, s.Input.Value)
	case s.Event != nil:
		return "event " + s.Event.ID
	case s.Close:
		return "close"
	case s.Settings != nil:
		return fmt.Sprintf("settings %s %t", s.Settings.MaxHistory, s.Settings.Stateful)
	case s.ToggleSettings:
		return "toggle_settings"
	}
	return "noop"
}

// Validate checks that exactly one action is set.
func (s Step) Validate() error {
	n := 0
	for _, set := range []bool{
		s.Open != "", s.Click != "", s.Input != nil, s.Event != nil,
		s.Close, s.Settings != nil, s.ToggleSettings,
	} {
		if set {
			n++
		}
	}
	switch {
	case n == 0:
		return errors.New("step has no action")
	case n > 1:
		return errors.New("step has more than one action")
	}
	if s.Input != nil && s.Input.ID == "" {
		return errors.New("input step needs an id")
	}
	if s.Event != nil && s.Event.ID == "" {
		return errors.New("event step needs an id")
	}
	return nil
}

// ParseScript decodes and validates a YAML script.
func ParseScript(r io.Reader) (Script, error) {
	var sc Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return Script{}, fmt.Errorf("decode script: %w", err)
	}
	for i, s := range sc.Steps {
		if err := s.Validate(); err != nil {
			return Script{}, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return sc, nil
}

// ParseCommand reads one shell line:
//
//	open <app_id>
//	click <element_id>
//	type <element_id> <value...>
//	event <interaction_id> [type]
//	close
//	settings <max_history> <stateful>
//	toggle
func ParseCommand(line string) (Step, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Step{}, errors.New("empty command")
	}
	args := fields[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d argument(s)", fields[0], n)
		}
		return nil
	}

	var s Step
	switch strings.ToLower(fields[0]) {
	case "open":
		if err := need(1); err != nil {
			return Step{}, err
		}
		s.Open = args[0]
	case "click":
		if err := need(1); err != nil {
			return Step{}, err
		}
		s.Click = args[0]
	case "type":
		if err := need(2); err != nil {
			return Step{}, err
		}
		// keep the value's inner spacing
		rest := strings.TrimSpace(line)
		rest = strings.TrimSpace(rest[len(fields[0]):])
		rest = strings.TrimSpace(rest[len(args[0]):])
		s.Input = &Input{ID: args[0], Value: rest}
	case "event":
		if err := need(1); err != nil {
			return Step{}, err
		}
		e := model.InteractionEvent{ID: args[0], Kind: model.KindGenericClick}
		if len(args) > 1 {
			e.Kind = args[1]
		}
		s.Event = &e
	case "close":
		s.Close = true
	case "settings":
		if err := need(2); err != nil {
			return Step{}, err
		}
		stateful, err := strconv.ParseBool(args[1])
		if err != nil {
			return Step{}, fmt.Errorf("settings: stateful must be true or false")
		}
		s.Settings = &Settings{MaxHistory: args[0], Stateful: stateful}
	case "toggle":
		s.ToggleSettings = true
	default:
		return Step{}, fmt.Errorf("unknown command %q", fields[0])
	}
	return s, nil
}
