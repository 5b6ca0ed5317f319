package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

const signalYAML = `
# options for signal fitting
inputWSDir: /work/input_dir_2017
procs: auto
cats: auto
ext: hpc_2p0_2017
analysis: hpc_gen
year: 2017
massPoints: [120, 125, 130]
scalesCorr: ShowerShape,FNUF,Material,Scale,Smearing
batch: slurm
queue: standard
wall: "12:00:00"
mem: 8000
`

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "signal.yaml", signalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Year != "2017" {
		t.Fatalf("year = %q", cfg.Year)
	}
	if cfg.MassPoints != "120,125,130" {
		t.Fatalf("massPoints = %q", cfg.MassPoints)
	}
	if cfg.Mem != "8000" || cfg.Wall != "12:00:00" {
		t.Fatalf("mem/wall = %q/%q", cfg.Mem, cfg.Wall)
	}
	if cfg.Path() != path {
		t.Fatalf("path = %q", cfg.Path())
	}
	if err := cfg.Validate("signal"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bkg.json", `{"inputWSDir":"/in","cats":"auto","ext":"x","year":2018,"batch":"local"}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Year != "2018" || cfg.Batch != "local" {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	if err := cfg.Validate("background"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadRejects(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"python", "cfg.py", "signalScriptCfg = {}", "not executed"},
		{"unknown key", "cfg.yaml", "ext: a\nbogus: b\n", "unknown key(s): bogus"},
		{"nested map", "cfg.yaml", "ext:\n  a: b\n", "key ext"},
		{"bad json", "cfg.json", `{"ext": }`, "cfg.json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, dir, tc.file, tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestValidateMissingKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "signal.yaml", "ext: a\nyear: 2017\nprocs: auto\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = cfg.Validate("signal")
	if !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
	var mk *MissingKeyError
	if !errors.As(err, &mk) {
		t.Fatalf("expected *MissingKeyError, got %T", err)
	}
	want := []string{"inputWSDir", "cats", "analysis", "massPoints", "batch"}
	if strings.Join(mk.Keys, ",") != strings.Join(want, ",") {
		t.Fatalf("missing keys = %v, want %v", mk.Keys, want)
	}
	if mk.Stage != "signal" || !strings.Contains(err.Error(), "inputWSDir") {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := cfg.Validate("datacard"); err != nil {
		t.Fatalf("datacard requires nothing: %v", err)
	}
}

func TestRenderScriptConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "signal.yaml", "ext: it's\ninputWSDir: C:\\data\nbatch: slurm\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	out := string(cfg.RenderScriptConfig("signalScriptCfg"))
	for _, want := range []string{
		"signalScriptCfg = {\n",
		`'ext': 'it\'s',`,
		`'inputWSDir': 'C:\\data',`,
		`'batch': 'slurm',`,
		`'scales': '',`,
		"from signal.yaml",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered config missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "scriptConfig") {
		t.Fatalf("scriptConfig must not be rendered:\n%s", out)
	}
}
