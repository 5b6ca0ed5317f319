// Package archive uploads the logs of a finished run to S3-compatible object
// storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"finalfit/internal/env"
)

// Config describes the object store endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("FINALFIT_S3_USE_SSL", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("FINALFIT_S3_ENDPOINT", ""),
		AccessKey: env.String("FINALFIT_S3_ACCESS_KEY", ""),
		SecretKey: env.String("FINALFIT_S3_SECRET_KEY", ""),
		Region:    env.String("FINALFIT_S3_REGION", ""),
		UseSSL:    useSSL,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("FINALFIT_S3_ENDPOINT is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("FINALFIT_S3_ACCESS_KEY and FINALFIT_S3_SECRET_KEY are required")
	}
	return nil
}

// Target is the bucket and key prefix runs are archived under.
type Target struct {
	Bucket string
	Prefix string
}

// ParseTarget parses s3://bucket[/prefix].
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Target{}, fmt.Errorf("archive target: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return Target{}, fmt.Errorf("archive target %q: expected s3://bucket/prefix", raw)
	}
	return Target{Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
}

// Key joins parts under the target prefix.
func (t Target) Key(parts ...string) string {
	return path.Join(append([]string{t.Prefix}, parts...)...)
}

func (t Target) String() string {
	if t.Prefix == "" {
		return "s3://" + t.Bucket
	}
	return "s3://" + t.Bucket + "/" + t.Prefix
}

// Uploader stores one object.
type Uploader interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}

// MinioStore is an Uploader backed by minio-go.
type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(cfg Config) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, err
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	_, err := s.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Manifest is written next to the logs as run.json.
type Manifest struct {
	RunID       string         `json:"run_id"`
	Stages      string         `json:"stages"`
	Skip        string         `json:"skip,omitempty"`
	Args        string         `json:"args,omitempty"`
	GitCommit   string         `json:"git_commit,omitempty"`
	GitBranch   string         `json:"git_branch,omitempty"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Steps       []ManifestStep `json:"steps"`
}

type ManifestStep struct {
	Stage    string `json:"stage"`
	Step     string `json:"step"`
	Status   string `json:"status"`
	Command  string `json:"command,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	// Log is the object key of the uploaded step log.
	Log string `json:"log,omitempty"`

	logPath string
}

// WithLog attaches the local log file that ArchiveRun uploads for the step.
func (s ManifestStep) WithLog(localPath string) ManifestStep {
	s.logPath = localPath
	return s
}

// Archiver uploads run logs and the manifest.
type Archiver struct {
	Store  Uploader
	Target Target
	Logger *slog.Logger
}

// ArchiveRun uploads every step log that exists and then run.json. It
// returns the URL of the run's folder.
func (a *Archiver) ArchiveRun(ctx context.Context, m Manifest) (string, error) {
	if a.Store == nil {
		return "", errors.New("archive store is required")
	}
	if m.RunID == "" {
		return "", errors.New("run id is required")
	}
	logger := a.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m.Steps = append([]ManifestStep(nil), m.Steps...)
	var total int64
	for i, step := range m.Steps {
		if step.logPath == "" {
			continue
		}
		key := a.Target.Key(m.RunID, "logs", filepath.Base(step.logPath))
		n, err := a.putFile(ctx, key, step.logPath)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("upload %s: %w", step.logPath, err)
		}
		m.Steps[i].Log = key
		total += n
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	key := a.Target.Key(m.RunID, "run.json")
	if err := a.Store.Put(ctx, a.Target.Bucket, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return "", fmt.Errorf("upload manifest: %w", err)
	}
	total += int64(len(data))

	dest := "s3://" + a.Target.Bucket + "/" + a.Target.Key(m.RunID)
	logger.Info("run archived", "run_id", m.RunID, "dest", dest, "size", humanize.Bytes(uint64(total)))
	return dest, nil
}

func (a *Archiver) putFile(ctx context.Context, key, localPath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := a.Store.Put(ctx, a.Target.Bucket, key, f, info.Size(), "text/plain; charset=utf-8"); err != nil {
		return 0, err
	}
	return info.Size(), nil
}
