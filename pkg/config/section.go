package config

import (
	"strconv"
	"strings"

	"mmu-go/pkg/errors"
)

// Section provides access to a config section with typed getters.
// Options are looked up case-insensitively; a variadic fallback value
// makes the option optional.
type Section struct {
	name    string
	options map[string]string
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{name: name, options: opts}
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

// Get returns a string option value.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", errors.ConfigError("option '%s' not found in section '%s'", option, s.name)
}

// GetInt returns an integer option value.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, errors.ConfigError("option '%s' in section '%s': %q is not an integer", option, s.name, v)
		}
		return i, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return 0, errors.ConfigError("option '%s' not found in section '%s'", option, s.name)
}

// GetIntWithBounds returns an integer option value with bounds checking.
func (s *Section) GetIntWithBounds(option string, minVal, maxVal *int, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if minVal != nil && v < *minVal {
		return 0, errors.ConfigError("option '%s' in section '%s': must have minimum of %d", option, s.name, *minVal)
	}
	if maxVal != nil && v > *maxVal {
		return 0, errors.ConfigError("option '%s' in section '%s': must have maximum of %d", option, s.name, *maxVal)
	}
	return v, nil
}

// GetFloat returns a float64 option value.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, errors.ConfigError("option '%s' in section '%s': %q is not a float", option, s.name, v)
		}
		return f, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return 0, errors.ConfigError("option '%s' not found in section '%s'", option, s.name)
}

// GetFloatAbove returns a float64 option that must be strictly above the bound.
func (s *Section) GetFloatAbove(option string, above float64, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	if v <= above {
		return 0, errors.ConfigError("option '%s' in section '%s': must be above %v", option, s.name, above)
	}
	return v, nil
}

// GetBool returns a boolean option value.
// Accepts: 1, true, yes, on (true) and 0, false, no, off (false).
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off":
			return false, nil
		default:
			return false, errors.ConfigError("option '%s' in section '%s': %q is not a boolean", option, s.name, v)
		}
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return false, errors.ConfigError("option '%s' not found in section '%s'", option, s.name)
}

// GetChoice returns a string option that must be one of the valid choices.
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
	return "", errors.ConfigError("option '%s' in section '%s': %q is not one of %v", option, s.name, v, choices)
}

// GetList returns a list of strings split by the given separator.
func (s *Section) GetList(option string, sep string, fallback ...[]string) ([]string, error) {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		v = strings.TrimSpace(v)
		if v == "" {
			return []string{}, nil
		}
		parts := strings.Split(v, sep)
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		return result, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return nil, errors.ConfigError("option '%s' not found in section '%s'", option, s.name)
}

// GetIntList returns a list of integers split by the given separator.
func (s *Section) GetIntList(option string, sep string, fallback ...[]int) ([]int, error) {
	parts, err := s.GetList(option, sep)
	if err != nil {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return nil, err
	}
	result := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.ConfigError("option '%s' in section '%s': %q is not an integer", option, s.name, p)
		}
		result = append(result, i)
	}
	return result, nil
}

// GetFloatList returns a list of floats split by the given separator.
func (s *Section) GetFloatList(option string, sep string, fallback ...[]float64) ([]float64, error) {
	parts, err := s.GetList(option, sep)
	if err != nil {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return nil, err
	}
	result := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, errors.ConfigError("option '%s' in section '%s': %q is not a float", option, s.name, p)
		}
		result = append(result, f)
	}
	return result, nil
}

// RawOptions returns a copy of the raw options map.
func (s *Section) RawOptions() map[string]string {
	result := make(map[string]string, len(s.options))
	for k, v := range s.options {
		result[k] = v
	}
	return result
}
