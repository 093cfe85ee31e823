package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
)

// Config is a parsed INI-style file: [section] headers followed by
// "key: value" or "key = value" lines. Sections and options remember
// whether they were read so leftovers can be reported as typos.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string
}

// New creates an empty Config.
func New() *Config {
	return &Config{sections: make(map[string]*Section)}
}

// Load reads a configuration file. "[include other.cfg]" headers pull in
// further files relative to the including file; globs are allowed.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.parseFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses a configuration held in memory. Include directives
// are rejected since there is no directory to resolve them against.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(strings.NewReader(data), "<string>", "", nil); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return perrors.Wrap(err, perrors.ErrConfigSection, "invalid config path "+path)
	}
	if visited[abs] {
		return perrors.New(perrors.ErrConfigSection, "recursive include of "+path)
	}
	visited[abs] = true
	defer delete(visited, abs)

	f, err := os.Open(abs)
	if err != nil {
		return perrors.Wrap(err, perrors.ErrConfigSection, "unable to open "+path)
	}
	defer f.Close()
	return c.parse(f, path, filepath.Dir(abs), visited)
}

func (c *Config) parse(r io.Reader, name, dir string, visited map[string]bool) error {
	var section string
	var options map[string]string
	flush := func() {
		if section != "" {
			c.addSection(section, options)
		}
		section, options = "", nil
	}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return perrors.New(perrors.ErrConfigSection,
					fmt.Sprintf("empty section header at %s:%d", name, lineNum))
			}
			if strings.HasPrefix(header, "include ") {
				if err := c.include(strings.TrimSpace(header[len("include "):]), name, dir, visited); err != nil {
					return err
				}
				continue
			}
			section = header
			options = make(map[string]string)
			continue
		}

		if section == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			key, value, ok = strings.Cut(line, "=")
		}
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return perrors.New(perrors.ErrConfigOption,
				fmt.Sprintf("malformed line at %s:%d: %q", name, lineNum, line)).SetSection(section)
		}
		options[key] = strings.TrimSpace(value)
	}
	flush()

	if err := scanner.Err(); err != nil {
		return perrors.Wrap(err, perrors.ErrConfigSection, "error reading "+name)
	}
	return nil
}

func (c *Config) include(pattern, name, dir string, visited map[string]bool) error {
	if visited == nil {
		return perrors.New(perrors.ErrConfigSection, "include not supported in "+name)
	}
	glob := filepath.Join(dir, pattern)
	matches, err := filepath.Glob(glob)
	if err != nil {
		return perrors.Wrap(err, perrors.ErrConfigSection, "invalid include pattern "+pattern)
	}
	if len(matches) == 0 && !strings.ContainsAny(glob, "*?[") {
		return perrors.New(perrors.ErrConfigSection, "include file does not exist: "+glob)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := c.parseFile(m, visited); err != nil {
			return err
		}
	}
	return nil
}

// addSection adds a section, merging into an existing one of the same name.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns a Section by name, or an error if it is absent.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sec, ok := c.sections[name]
	if !ok {
		return nil, perrors.ConfigSectionError(name)
	}
	return sec, nil
}

// GetSectionOptional returns the named section, or an empty one so that
// getters fall back to their defaults.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.RLock()
	sec, ok := c.sections[name]
	c.mu.RUnlock()
	if !ok {
		return newSection(name, nil)
	}
	return sec
}

// HasSection checks if a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// UnusedOptions lists "section.option" entries that no getter read.
func (c *Config) UnusedOptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, name := range c.order {
		for _, opt := range c.sections[name].GetUnusedOptions() {
			out = append(out, name+"."+opt)
		}
	}
	sort.Strings(out)
	return out
}
