package orchestrator

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Timeline is the YAML description of a policy.
//
//	stop_when_done: true
//	timeline:
//	  - at: 20s
//	    action: {type: noop, params: {message: marker}}
type Timeline struct {
	StopWhenDone *bool           `yaml:"stop_when_done,omitempty"`
	Entries      []TimelineEntry `yaml:"timeline"`
}

type TimelineEntry struct {
	At     time.Duration `yaml:"at"`
	Action ActionSpec    `yaml:"action"`
}

// ActionSpec names an action type, its target and parameters.
type ActionSpec struct {
	Type     string         `yaml:"type"`
	Target   string         `yaml:"target,omitempty"`
	Params   map[string]any `yaml:"params,omitempty"`
	Children []ActionSpec   `yaml:"children,omitempty"`
}

// LoadTimeline decodes a timeline from r.
func LoadTimeline(r io.Reader) (*Timeline, error) {
	var t Timeline
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		if errors.Is(err, io.EOF) {
			return &t, nil
		}
		return nil, errors.Wrap(err, "decode timeline")
	}
	return &t, t.Validate()
}

// LoadTimelineFile reads a timeline from a YAML file.
func LoadTimelineFile(path string) (*Timeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open timeline")
	}
	defer f.Close()
	return LoadTimeline(f)
}

// Validate checks the structure without resolving targets.
func (t *Timeline) Validate() error {
	for i, e := range t.Entries {
		if e.At < 0 {
			return errors.Errorf("timeline entry %d: negative offset %s", i, e.At)
		}
		if err := e.Action.validate(); err != nil {
			return errors.Wrapf(err, "timeline entry %d", i)
		}
	}
	return nil
}

// Schedule builds every entry with b and adds it to p.
func (t *Timeline) Schedule(p *Policy, b *Builder) error {
	for i, e := range t.Entries {
		a, err := b.Build(e.Action)
		if err != nil {
			return errors.Wrapf(err, "timeline entry %d", i)
		}
		p.Add(e.At, a)
	}
	return nil
}

func (s ActionSpec) validate() error {
	if s.Type == "" {
		return errors.Wrap(ErrInvalidParam, "missing action type")
	}
	if s.Type == "chain" && len(s.Children) == 0 {
		return errors.Wrap(ErrInvalidParam, "empty chain")
	}
	for _, c := range s.Children {
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s ActionSpec) StringParam(key, def string) (string, error) {
	v, ok := s.Params[key]
	if !ok || v == nil {
		return def, nil
	}
	str, ok := v.(string)
	if !ok {
		return "", errors.Wrapf(ErrInvalidParam, "%s: want string, got %T", key, v)
	}
	return str, nil
}

// DurationParam accepts a duration string or a number of seconds.
func (s ActionSpec) DurationParam(key string, def time.Duration) (time.Duration, error) {
	v, ok := s.Params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, errors.Wrapf(ErrInvalidParam, "%s: %v", key, err)
		}
		return parsed, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	default:
		return 0, errors.Wrapf(ErrInvalidParam, "%s: want duration, got %T", key, v)
	}
}

func (s ActionSpec) MapParam(key string) (map[string]any, error) {
	v, ok := s.Params[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidParam, "%s: want mapping, got %T", key, v)
	}
	return m, nil
}

func (s ActionSpec) StringsParam(key string) ([]string, error) {
	v, ok := s.Params[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch l := v.(type) {
	case string:
		return []string{l}, nil
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrInvalidParam, "%s: want list, got %T", key, v)
	}
}
