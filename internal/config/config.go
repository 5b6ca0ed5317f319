// Package config loads and validates the per-stage run configuration and the
// user-level defaults that sit around it.
//
// Stage configuration files are plain YAML or JSON documents whose keys match
// the dictionary the FinalFit scripts read. They are parsed, never executed.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrConfig matches every configuration failure.
	ErrConfig = errors.New("configuration error")
	// ErrMissingKey matches a MissingKeyError.
	ErrMissingKey = errors.New("missing configuration key")
)

// FileError reports a configuration file that could not be read or parsed.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	if e == nil {
		return ""
	}
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

func (e *FileError) Is(target error) bool { return target == ErrConfig }

// MissingKeyError names the required keys a stage needs but the file lacks.
type MissingKeyError struct {
	Path  string
	Stage string
	Keys  []string
}

func (e *MissingKeyError) Error() string {
	if e == nil {
		return ""
	}
	where := e.Stage
	if e.Path != "" {
		where = fmt.Sprintf("%s (%s)", e.Stage, e.Path)
	}
	return fmt.Sprintf("%s: %s: %s", where, ErrMissingKey.Error(), strings.Join(e.Keys, ", "))
}

func (e *MissingKeyError) Is(target error) bool {
	return target == ErrMissingKey || target == ErrConfig
}

// RunConfig is the typed form of a stage configuration file.
type RunConfig struct {
	InputWSDir   string
	Procs        string
	Cats         string
	Ext          string
	Analysis     string
	Year         string
	MassPoints   string
	Scales       string
	ScalesCorr   string
	ScalesGlobal string
	Smears       string
	Batch        string
	Queue        string
	Wall         string
	Mem          string
	// ScriptConfig points at an existing script-side configuration that is
	// handed to the scripts unchanged instead of a rendered one.
	ScriptConfig string

	path string
}

const keyScriptConfig = "scriptConfig"

type field struct {
	key string
	ptr *string
}

// fields lists the recognised keys in the order they are rendered.
func (c *RunConfig) fields() []field {
	return []field{
		{"inputWSDir", &c.InputWSDir},
		{"procs", &c.Procs},
		{"cats", &c.Cats},
		{"ext", &c.Ext},
		{"analysis", &c.Analysis},
		{"year", &c.Year},
		{"massPoints", &c.MassPoints},
		{"scales", &c.Scales},
		{"scalesCorr", &c.ScalesCorr},
		{"scalesGlobal", &c.ScalesGlobal},
		{"smears", &c.Smears},
		{"batch", &c.Batch},
		{"queue", &c.Queue},
		{"wall", &c.Wall},
		{"mem", &c.Mem},
		{keyScriptConfig, &c.ScriptConfig},
	}
}

var requiredKeys = map[string][]string{
	"signal":     {"inputWSDir", "procs", "cats", "ext", "analysis", "year", "massPoints", "batch"},
	"background": {"inputWSDir", "cats", "ext", "year", "batch"},
	"datacard":   nil,
}

// RequiredKeys returns the keys a stage cannot run without.
func RequiredKeys(stage string) []string {
	return append([]string(nil), requiredKeys[stage]...)
}

// Path returns the file the configuration was loaded from.
func (c *RunConfig) Path() string { return c.path }

// Get returns the value of a recognised key.
func (c *RunConfig) Get(key string) (string, bool) {
	for _, f := range c.fields() {
		if f.key == key {
			return *f.ptr, true
		}
	}
	return "", false
}

// Load reads a YAML or JSON stage configuration. Unknown keys are rejected.
func Load(path string) (*RunConfig, error) {
	if strings.EqualFold(filepath.Ext(path), ".py") {
		return nil, &FileError{Path: path, Err: errors.New("python configuration files are not executed; convert it to YAML or JSON")}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FileError{Path: path, Err: err}
	}
	raw := map[string]any{}
	if err := decodeStrict(data, filepath.Ext(path), &raw); err != nil {
		return nil, &FileError{Path: path, Err: err}
	}
	cfg, err := fromMap(raw)
	if err != nil {
		return nil, &FileError{Path: path, Err: err}
	}
	cfg.path = path
	return cfg, nil
}

func fromMap(raw map[string]any) (*RunConfig, error) {
	cfg := &RunConfig{}
	byKey := make(map[string]*string)
	for _, f := range cfg.fields() {
		byKey[f.key] = f.ptr
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var unknown []string
	for _, k := range keys {
		dst, ok := byKey[k]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		v, err := scalarString(raw[k])
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k, err)
		}
		*dst = strings.TrimSpace(v)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown key(s): %s", strings.Join(unknown, ", "))
	}
	return cfg, nil
}

// scalarString flattens a decoded value into the string form the scripts
// expect. Lists become comma-separated strings.
func scalarString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case []any:
		parts := make([]string, 0, len(t))
		for i, item := range t {
			if _, nested := item.([]any); nested {
				return "", fmt.Errorf("item %d: nested lists are not supported", i)
			}
			s, err := scalarString(item)
			if err != nil {
				return "", fmt.Errorf("item %d: %w", i, err)
			}
			parts = append(parts, strings.TrimSpace(s))
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T (expected a scalar or a list)", v)
	}
}

// Validate checks that every key the stage requires has a value.
func (c *RunConfig) Validate(stage string) error {
	return c.Require(stage, requiredKeys[stage]...)
}

// Require checks that the given keys have non-empty values.
func (c *RunConfig) Require(stage string, keys ...string) error {
	var missing []string
	for _, key := range keys {
		v, ok := c.Get(key)
		if !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingKeyError{Path: c.path, Stage: stage, Keys: missing}
}

// Snapshot returns the non-empty values keyed by their file key.
func (c *RunConfig) Snapshot() map[string]string {
	out := make(map[string]string)
	for _, f := range c.fields() {
		if *f.ptr != "" {
			out[f.key] = *f.ptr
		}
	}
	return out
}

// RenderScriptConfig renders the configuration as the Python dictionary
// literal the FinalFit scripts import, bound to varName.
func (c *RunConfig) RenderScriptConfig(varName string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Generated by finalfit from %s. Edit that file instead.\n\n", filepath.Base(c.path))
	fmt.Fprintf(&b, "%s = {\n", varName)
	for _, f := range c.fields() {
		if f.key == keyScriptConfig {
			continue
		}
		fmt.Fprintf(&b, "  %s: %s,\n", pyQuote(f.key), pyQuote(*f.ptr))
	}
	b.WriteString("}\n")
	return b.Bytes()
}

func pyQuote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

func decodeStrict(data []byte, ext string, target any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return decodeYAML(trimmed, target)
	}
	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		return dec.Decode(target)
	}
	return decodeYAML(trimmed, target)
}

func decodeYAML(data []byte, target any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
