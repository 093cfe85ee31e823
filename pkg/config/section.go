package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
)

// Section provides typed access to one config section and tracks which
// options were read.
type Section struct {
	name    string
	options map[string]string

	mu       sync.Mutex
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{name: name, options: opts, accessed: make(map[string]struct{})}
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

// HasOption checks if an option exists in this section.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// GetUnusedOptions returns the options that were never read, sorted.
func (s *Section) GetUnusedOptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			out = append(out, opt)
		}
	}
	sort.Strings(out)
	return out
}

// lookup returns the raw value of option and marks it accessed. present is
// false when the option is absent from the file.
func (s *Section) lookup(option string) (value string, present bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	s.accessed[key] = struct{}{}
	s.mu.Unlock()
	value, present = s.options[key]
	return strings.TrimSpace(value), present
}

func (s *Section) missing(option string) error {
	return perrors.ConfigOptionError(s.name, option)
}

// Get returns a string option value. With a fallback, a missing option
// yields the fallback; without one it is an error.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.lookup(option); ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", s.missing(option)
}

// GetInt returns an integer option value.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, s.missing(option)
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, perrors.ConfigTypeError(s.name, option, v, "integer", err)
	}
	return i, nil
}

// GetIntWithMin returns an integer option that must be at least minVal.
func (s *Section) GetIntWithMin(option string, minVal int, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if v < minVal {
		return 0, perrors.ConfigValidationError(s.name, option,
			"value "+strconv.Itoa(v)+" must have minimum of "+strconv.Itoa(minVal))
	}
	return v, nil
}

// GetFloat returns a float64 option value.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, s.missing(option)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, perrors.ConfigTypeError(s.name, option, v, "float", err)
	}
	return f, nil
}

// FloatBounds specifies bounds for GetFloatWithBounds.
type FloatBounds struct {
	MinVal *float64 // >=
	MaxVal *float64 // <=
	Above  *float64 // >
	Below  *float64 // <
}

// Above is shorthand for FloatBounds{Above: &v}.
func Above(v float64) FloatBounds { return FloatBounds{Above: &v} }

// AtLeast is shorthand for FloatBounds{MinVal: &v}.
func AtLeast(v float64) FloatBounds { return FloatBounds{MinVal: &v} }

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// GetFloatWithBounds returns a float64 option value with bounds checking.
func (s *Section) GetFloatWithBounds(option string, bounds FloatBounds, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	fail := func(constraint string) (float64, error) {
		return 0, perrors.ConfigValidationError(s.name, option, "value "+formatFloat(v)+" "+constraint)
	}
	switch {
	case bounds.MinVal != nil && v < *bounds.MinVal:
		return fail("must have minimum of " + formatFloat(*bounds.MinVal))
	case bounds.MaxVal != nil && v > *bounds.MaxVal:
		return fail("must have maximum of " + formatFloat(*bounds.MaxVal))
	case bounds.Above != nil && v <= *bounds.Above:
		return fail("must be above " + formatFloat(*bounds.Above))
	case bounds.Below != nil && v >= *bounds.Below:
		return fail("must be below " + formatFloat(*bounds.Below))
	}
	return v, nil
}

// GetBool returns a boolean option value.
// Accepts: 1, true, yes, on (true) and 0, false, no, off (false).
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return false, s.missing(option)
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, perrors.ConfigTypeError(s.name, option, v, "boolean", nil)
}

// GetChoice returns a string option that must be one of choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", perrors.ConfigValidationError(s.name, option,
		"'"+v+"' is not a valid choice (valid: "+strings.Join(choices, ", ")+")")
}

// GetFloatList returns a list of floats split by sep. When size > 0 the
// list must have exactly that many entries.
func (s *Section) GetFloatList(option, sep string, size int, fallback ...[]float64) ([]float64, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return nil, s.missing(option)
	}
	var out []float64
	for _, p := range strings.Split(v, sep) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, perrors.ConfigTypeError(s.name, option, p, "float", err)
		}
		out = append(out, f)
	}
	if size > 0 && len(out) != size {
		return nil, perrors.ConfigValidationError(s.name, option,
			"expected "+strconv.Itoa(size)+" values, got "+strconv.Itoa(len(out)))
	}
	return out, nil
}
