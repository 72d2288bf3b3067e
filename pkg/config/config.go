// Configuration file access for the MMU host
//
// Parses Klipper-style INI config ([section] with "option: value" or
// "option = value" lines) and exposes typed section accessors.
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"bufio"
	"os"
	"strings"

	"mmu-go/pkg/errors"
)

// Config holds a parsed configuration file.
type Config struct {
	sections map[string]*Section
	order    []string
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfig, "cannot open config file")
	}
	defer f.Close()
	return Parse(f)
}

// Parse parses configuration text from a reader.
func Parse(r interface{ Read([]byte) (int, error) }) (*Config, error) {
	cfg := &Config{sections: make(map[string]*Section)}

	var current string
	var opts map[string]string

	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = line[:i]
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "[") {
			if !strings.HasSuffix(trimmed, "]") {
				return nil, errors.ConfigError("malformed section header at line %d", lineno)
			}
			if current != "" {
				cfg.addSection(current, opts)
			}
			current = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			opts = make(map[string]string)
			continue
		}

		sep := strings.IndexAny(trimmed, ":=")
		if sep < 0 {
			return nil, errors.ConfigError("malformed option at line %d: %q", lineno, trimmed)
		}
		if current == "" {
			return nil, errors.ConfigError("option before any section at line %d", lineno)
		}
		key := strings.ToLower(strings.TrimSpace(trimmed[:sep]))
		val := strings.TrimSpace(trimmed[sep+1:])
		opts[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfig, "error reading config")
	}
	if current != "" {
		cfg.addSection(current, opts)
	}
	return cfg, nil
}

func (c *Config) addSection(name string, options map[string]string) {
	key := strings.ToLower(name)
	if _, ok := c.sections[key]; !ok {
		c.order = append(c.order, key)
	}
	c.sections[key] = newSection(name, options)
}

// HasSection checks whether the named section exists.
func (c *Config) HasSection(name string) bool {
	_, ok := c.sections[strings.ToLower(name)]
	return ok
}

// GetSection returns the named section or a CONFIG error.
func (c *Config) GetSection(name string) (*Section, error) {
	if s, ok := c.sections[strings.ToLower(name)]; ok {
		return s, nil
	}
	return nil, errors.ConfigError("section '%s' not found", name)
}

// GetSectionOptional returns the named section or nil.
func (c *Config) GetSectionOptional(name string) *Section {
	return c.sections[strings.ToLower(name)]
}

// SectionNames returns section names in file order.
func (c *Config) SectionNames() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}
