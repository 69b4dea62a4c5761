// Package config loads the optional tarsier.yaml tuning file: interpreter
// batch size, stage pacing and user-defined byte signatures. Default holds
// the built-in values; a zero batch size selects the interpreter default.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/tarsier/internal/analysis"
)

// SignatureSpec is a user byte pattern in the config file. Pattern is
// space-separated hex bytes, e.g. "de ad be ef".
type SignatureSpec struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Note    string `yaml:"note"`
}

// Config is the tuning file shape.
type Config struct {
	StagePauseMS int             `yaml:"stage_pause_ms"`
	Interp       InterpConfig    `yaml:"interp"`
	Signatures   []SignatureSpec `yaml:"signatures"`
}

// InterpConfig tunes the interpreter run loop.
type InterpConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{StagePauseMS: 10}
}

// Load reads a YAML config file. A missing path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// CompileSignatures turns the user specs into scanner patterns, skipping
// none: a malformed pattern is an error so typos surface.
func (c *Config) CompileSignatures() ([]analysis.Signature, error) {
	out := make([]analysis.Signature, 0, len(c.Signatures))
	for _, s := range c.Signatures {
		pat, err := parsePattern(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("signature %q: %w", s.Name, err)
		}
		out = append(out, analysis.Signature{Pattern: pat, Name: s.Name, Note: s.Note})
	}
	return out, nil
}

func parsePattern(s string) ([]byte, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty pattern")
	}
	out := make([]byte, len(fields))
	for i, f := range fields {
		if len(f) != 2 {
			return nil, fmt.Errorf("bad byte %q", f)
		}
		var v byte
		for _, c := range f {
			switch {
			case c >= '0' && c <= '9':
				v = v<<4 | byte(c-'0')
			case c >= 'a' && c <= 'f':
				v = v<<4 | byte(c-'a'+10)
			case c >= 'A' && c <= 'F':
				v = v<<4 | byte(c-'A'+10)
			default:
				return nil, fmt.Errorf("bad byte %q", f)
			}
		}
		out[i] = v
	}
	return out, nil
}
