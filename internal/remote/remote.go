// Package remote delivers save jobs to the system of record: an HTTP API or
// a database the service writes to directly.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"designer/internal/domain"
	"designer/internal/secret"
)

// ErrStaleSeq is returned when the remote has not seen the base a payload was
// computed against, so the delta cannot be applied as-is. Callers resend the
// full document instead.
var ErrStaleSeq = errors.New("remote is behind payload base seq")

// ErrSeqConflict is returned when the remote already holds a seq at or past
// the payload's but never stored that job. Another writer got there first;
// callers renumber their queue past Current and send again.
var ErrSeqConflict = errors.New("remote is ahead of payload seq")

// SeqConflictError carries the seq the remote currently holds.
type SeqConflictError struct {
	ProjectID string
	Current   uint64
}

func (e *SeqConflictError) Error() string {
	return fmt.Sprintf("project %s already at seq %d: %s", e.ProjectID, e.Current, ErrSeqConflict)
}

func (e *SeqConflictError) Unwrap() error { return ErrSeqConflict }

// Driver selects the remote implementation.
type Driver string

const (
	DriverHTTP     Driver = "http"
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
	DriverMongoDB  Driver = "mongodb"
)

// Config describes how to reach the remote. The token or password is not
// part of it; it is read from the secret store under SecretKey.
type Config struct {
	Driver    Driver            `yaml:"driver"`
	BaseURL   string            `yaml:"baseUrl"`  // http
	Host      string            `yaml:"host"`     // hostname, URI (mongodb) or file path (sqlite)
	Port      int               `yaml:"port"`     // 0 = driver default
	Database  string            `yaml:"database"` // db name, empty for sqlite
	Username  string            `yaml:"username"`
	SSLMode   string            `yaml:"sslMode"`
	Options   map[string]string `yaml:"options"` // driver-specific query params
	SecretKey string            `yaml:"secretKey"`
	Timeout   time.Duration     `yaml:"timeout"`
}

// Remote persists one save job at a time.
type Remote interface {
	// Save delivers a payload. Replaying a payload the remote already
	// stored must succeed without applying it twice.
	Save(ctx context.Context, p domain.SavePayload) error
	Close() error
}

// New creates a Remote for cfg, reading credentials from secrets.
func New(cfg Config, secrets secret.SecretStore, logger *zap.Logger) (Remote, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("remote")

	credential, err := readSecret(secrets, cfg.SecretKey)
	if err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case DriverHTTP:
		return NewHTTP(cfg.BaseURL, credential, cfg.Timeout), nil
	case DriverSQLite:
		return NewSQLStore("sqlite", buildSQLiteDSN(cfg), logger)
	case DriverMySQL:
		return NewSQLStore("mysql", buildMySQLDSN(cfg, credential), logger)
	case DriverPostgres:
		return NewSQLStore("postgres", buildPostgresDSN(cfg, credential), logger)
	case DriverMongoDB:
		return newMongoStore(cfg, credential, logger)
	default:
		return nil, fmt.Errorf("unsupported remote driver: %q", cfg.Driver)
	}
}

func readSecret(secrets secret.SecretStore, key string) (string, error) {
	if secrets == nil || key == "" {
		return "", nil
	}
	v, err := secrets.Get(key)
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", key, err)
	}
	return string(v), nil
}
