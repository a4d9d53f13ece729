package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Suite is the manifest of one benchmark suite, loaded from suite.toml in
// the suite directory. The runner copies the directory, writes the candidate
// source to Entry, and executes Command with Args inside the copy.
type Suite struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`

	// Entry is the filename the candidate source is written to.
	Entry string `toml:"entry"`

	// Command and Args run the benchmark inside the suite copy. The run
	// protocol: the last stdout line that parses as JSON carries
	// {"passed": bool, "metrics": {...}}; a missing result line means
	// passed is derived from the exit code alone.
	Command string   `toml:"command"`
	Args    []string `toml:"args"`

	// TimeoutSeconds optionally tightens (never extends) the configured
	// wall-clock ceiling for this suite.
	TimeoutSeconds int `toml:"timeout_seconds"`

	// Env adds variables to the scrubbed benchmark environment.
	Env map[string]string `toml:"env"`

	dir string
}

// Dir returns the directory the suite was loaded from.
func (s *Suite) Dir() string { return s.dir }

// Timeout returns the effective ceiling given the configured limit.
func (s *Suite) Timeout(limit time.Duration) time.Duration {
	if s.TimeoutSeconds <= 0 {
		return limit
	}
	t := time.Duration(s.TimeoutSeconds) * time.Second
	if t > limit {
		return limit
	}
	return t
}

// LoadSuite reads and validates suite.toml from dir.
func LoadSuite(dir string) (*Suite, error) {
	path := filepath.Join(dir, "suite.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite manifest: %w", err)
	}

	var s Suite
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse suite manifest %s: %w", path, err)
	}

	if s.Name == "" {
		return nil, fmt.Errorf("suite %s: name is required", path)
	}
	if s.Entry == "" {
		return nil, fmt.Errorf("suite %s: entry is required", path)
	}
	// A bare filename only: any separator or parent segment would let the
	// candidate source land outside the per-run scratch copy.
	if s.Entry != filepath.Base(s.Entry) || !filepath.IsLocal(s.Entry) {
		return nil, fmt.Errorf("suite %s: entry must be a plain relative filename", path)
	}
	if s.Command == "" {
		return nil, fmt.Errorf("suite %s: command is required", path)
	}

	s.dir = dir
	return &s, nil
}
