package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"finalfit/internal/env"
)

// Profile holds user-level defaults for a run. Every field is optional;
// empty values are filled from the next source in line.
type Profile struct {
	FinalFitDir     string `json:"finalfit_dir" yaml:"finalfit_dir"`
	Python          string `json:"python" yaml:"python"`
	User            string `json:"user" yaml:"user"`
	Remote          string `json:"remote" yaml:"remote"`
	PollInterval    string `json:"poll_interval" yaml:"poll_interval"`
	MaxPollInterval string `json:"max_poll_interval" yaml:"max_poll_interval"`
	MaxWait         string `json:"max_wait" yaml:"max_wait"`
	Ledger          string `json:"ledger" yaml:"ledger"`
	Archive         string `json:"archive" yaml:"archive"`
	VerifyJobs      *bool  `json:"verify_jobs" yaml:"verify_jobs"`
}

// UserConfig is the content of ~/.finalfit/config.(yaml|yml|json).
type UserConfig struct {
	Defaults Profile            `json:"defaults" yaml:"defaults"`
	Profiles map[string]Profile `json:"profiles" yaml:"profiles"`
	path     string
}

// Path returns the file the configuration was read from.
func (c *UserConfig) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// Dir returns the finalfit state directory, creating it if needed.
// FINALFIT_HOME overrides the default of ~/.finalfit.
func Dir() (string, error) {
	dir := env.String("FINALFIT_HOME", "")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".finalfit")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func userConfigPaths() ([]string, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "config.yml"),
		filepath.Join(dir, "config.json"),
	}, nil
}

// PathHint describes where LoadUserConfig looks, for error messages.
func PathHint() string {
	dir, err := Dir()
	if err != nil {
		return "~/.finalfit/config.(yaml|json)"
	}
	return fmt.Sprintf("%s/config.(yaml|json)", dir)
}

// LoadUserConfig reads the first user configuration file that exists.
// It returns nil, nil when there is none.
func LoadUserConfig() (*UserConfig, error) {
	paths, err := userConfigPaths()
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		cfg := &UserConfig{
			Profiles: make(map[string]Profile),
			path:     path,
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return cfg, nil
		}
		if err := decodeStrict(data, filepath.Ext(path), cfg); err != nil {
			return nil, &FileError{Path: path, Err: err}
		}
		if cfg.Profiles == nil {
			cfg.Profiles = make(map[string]Profile)
		}
		if err := cfg.validate(); err != nil {
			return nil, &FileError{Path: path, Err: err}
		}
		return cfg, nil
	}
	return nil, nil
}

func (c *UserConfig) validate() error {
	if err := c.Defaults.validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for name, p := range c.Profiles {
		if err := p.validate(); err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}
	}
	return nil
}

func (p Profile) validate() error {
	for _, d := range []struct{ key, val string }{
		{"poll_interval", p.PollInterval},
		{"max_poll_interval", p.MaxPollInterval},
		{"max_wait", p.MaxWait},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.key, d.val, err)
		}
	}
	return nil
}

// Resolve merges the named profile over the defaults section. An empty name
// returns the defaults alone.
func (c *UserConfig) Resolve(name string) (Profile, error) {
	if c == nil {
		if name != "" {
			return Profile{}, fmt.Errorf("profile %q requested but no config file found (expected %s)", name, PathHint())
		}
		return Profile{}, nil
	}
	var out Profile
	if name != "" {
		prof, ok := c.Profiles[name]
		if !ok {
			return Profile{}, fmt.Errorf("profile %q not found in %s", name, c.path)
		}
		out = prof
	}
	out.Merge(c.Defaults)
	return out, nil
}

// Merge fills every empty field of p from src.
func (p *Profile) Merge(src Profile) {
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&p.FinalFitDir, src.FinalFitDir)
	fill(&p.Python, src.Python)
	fill(&p.User, src.User)
	fill(&p.Remote, src.Remote)
	fill(&p.PollInterval, src.PollInterval)
	fill(&p.MaxPollInterval, src.MaxPollInterval)
	fill(&p.MaxWait, src.MaxWait)
	fill(&p.Ledger, src.Ledger)
	fill(&p.Archive, src.Archive)
	if p.VerifyJobs == nil && src.VerifyJobs != nil {
		v := *src.VerifyJobs
		p.VerifyJobs = &v
	}
}
