package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

type memStore struct {
	objects map[string][]byte
	fail    error
}

func (m *memStore) Put(_ context.Context, bucket, key string, body io.Reader, size int64, _ string) error {
	if m.fail != nil {
		return m.fail
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[bucket+"/"+key] = data
	return nil
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		raw    string
		bucket string
		prefix string
		ok     bool
	}{
		{"s3://finalfit/runs/2017", "finalfit", "runs/2017", true},
		{"s3://finalfit", "finalfit", "", true},
		{"s3://finalfit/", "finalfit", "", true},
		{"https://finalfit/runs", "", "", false},
		{"s3:///runs", "", "", false},
	}
	for _, tc := range cases {
		got, err := ParseTarget(tc.raw)
		if (err == nil) != tc.ok {
			t.Fatalf("ParseTarget(%q) err = %v", tc.raw, err)
		}
		if tc.ok && (got.Bucket != tc.bucket || got.Prefix != tc.prefix) {
			t.Fatalf("ParseTarget(%q) = %+v", tc.raw, got)
		}
	}
}

func TestArchiveRun(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "01-signal-ftest.log")
	if err := os.WriteFile(logPath, []byte("fTest output\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code := 0
	store := &memStore{}
	a := &Archiver{Store: store, Target: Target{Bucket: "finalfit", Prefix: "runs"}}
	m := Manifest{
		RunID:     "4b1d",
		Stages:    "signal",
		Status:    "succeeded",
		CreatedAt: time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC),
		Steps: []ManifestStep{
			ManifestStep{Stage: "signal", Step: "ftest", Status: "succeeded", ExitCode: &code}.WithLog(logPath),
			ManifestStep{Stage: "signal", Step: "syst", Status: "succeeded"}.WithLog(filepath.Join(dir, "missing.log")),
			{Stage: "signal", Step: "fit", Status: "skipped"},
		},
	}

	dest, err := a.ArchiveRun(context.Background(), m)
	if err != nil {
		t.Fatalf("ArchiveRun: %v", err)
	}
	if dest != "s3://finalfit/runs/4b1d" {
		t.Fatalf("dest = %s", dest)
	}
	var keys []string
	for k := range store.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "finalfit/runs/4b1d/logs/01-signal-ftest.log" || keys[1] != "finalfit/runs/4b1d/run.json" {
		t.Fatalf("uploaded %v", keys)
	}

	var got Manifest
	if err := json.Unmarshal(store.objects["finalfit/runs/4b1d/run.json"], &got); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if got.Steps[0].Log != "runs/4b1d/logs/01-signal-ftest.log" || got.Steps[1].Log != "" {
		t.Fatalf("manifest steps = %+v", got.Steps)
	}
}

func TestArchiveRunUploadError(t *testing.T) {
	a := &Archiver{Store: &memStore{fail: errors.New("access denied")}, Target: Target{Bucket: "b"}}
	if _, err := a.ArchiveRun(context.Background(), Manifest{RunID: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("FINALFIT_S3_ENDPOINT", "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected missing endpoint error")
	}
	t.Setenv("FINALFIT_S3_ENDPOINT", "minio.cluster:9000")
	t.Setenv("FINALFIT_S3_ACCESS_KEY", "ak")
	t.Setenv("FINALFIT_S3_SECRET_KEY", "sk")
	t.Setenv("FINALFIT_S3_USE_SSL", "false")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.UseSSL || cfg.Endpoint != "minio.cluster:9000" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if _, err := NewMinioStore(cfg); err != nil {
		t.Fatalf("NewMinioStore: %v", err)
	}
}
