package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"designer/internal/diff"
	"designer/internal/domain"
)

// errConcurrentWrite means another writer advanced the document between our
// read and our update. The save is retried by the queue.
var errConcurrentWrite = errors.New("document changed concurrently")

// SQLStore keeps the current document per project plus a log of applied
// saves in a SQL database (Postgres, MySQL or SQLite).
type SQLStore struct {
	driverName string
	db         *sql.DB
	log        *zap.Logger
}

// NewSQLStore opens the database and creates the tables it needs.
func NewSQLStore(driverName, dsn string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)
	if driverName == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{driverName: driverName, db: db, log: logger}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", driverName, err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	idType, docType := "TEXT", "TEXT"
	if s.driverName == "mysql" {
		idType, docType = "VARCHAR(191)", "LONGTEXT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS project_documents (
			project_id ` + idType + ` PRIMARY KEY,
			seq BIGINT NOT NULL,
			state_json ` + docType + ` NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS project_saves (
			job_id ` + idType + ` PRIMARY KEY,
			project_id ` + idType + ` NOT NULL,
			seq BIGINT NOT NULL,
			delta_json ` + docType + ` NOT NULL,
			saved_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $N for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driverName != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save applies the payload to the stored document in one transaction.
// Replaying a job that was already stored is acknowledged without changes.
// A different job whose seq is not newer than the stored one fails with a
// *SeqConflictError.
func (s *SQLStore) Save(ctx context.Context, p domain.SavePayload) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		storedSeq int64
		stateJSON string
		exists    = true
	)
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT seq, state_json FROM project_documents WHERE project_id = ?`), p.ProjectID,
	).Scan(&storedSeq, &stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	if exists && uint64(storedSeq) >= p.Seq {
		var seen int
		err := tx.QueryRowContext(ctx,
			s.rebind(`SELECT COUNT(*) FROM project_saves WHERE job_id = ?`), p.JobID,
		).Scan(&seen)
		if err != nil {
			return fmt.Errorf("load save log: %w", err)
		}
		if seen > 0 {
			s.log.Debug("duplicate save acknowledged",
				zap.String("project", p.ProjectID), zap.Uint64("seq", p.Seq), zap.Int64("stored", storedSeq))
			return nil
		}
		return &SeqConflictError{ProjectID: p.ProjectID, Current: uint64(storedSeq)}
	}
	if p.BaseSeq > uint64(storedSeq) {
		return fmt.Errorf("project %s at seq %d, payload base %d: %w", p.ProjectID, storedSeq, p.BaseSeq, ErrStaleSeq)
	}

	current := map[string]any{}
	if exists {
		if current, err = diff.Decode([]byte(stateJSON)); err != nil {
			return fmt.Errorf("load document: %w", err)
		}
	}
	next, err := diff.Apply(current, p.Delta)
	if err != nil {
		return fmt.Errorf("apply delta: %w", err)
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	deltaJSON, err := json.Marshal(p.Delta)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}
	now := time.Now().UTC()

	if exists {
		res, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE project_documents SET seq = ?, state_json = ?, updated_at = ? WHERE project_id = ? AND seq = ?`),
			int64(p.Seq), string(nextJSON), now, p.ProjectID, storedSeq,
		)
		if err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("update document %s: %w", p.ProjectID, errConcurrentWrite)
		}
	} else {
		_, err := tx.ExecContext(ctx,
			s.rebind(`INSERT INTO project_documents (project_id, seq, state_json, updated_at) VALUES (?, ?, ?, ?)`),
			p.ProjectID, int64(p.Seq), string(nextJSON), now,
		)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO project_saves (job_id, project_id, seq, delta_json, saved_at) VALUES (?, ?, ?, ?, ?)`),
		p.JobID, p.ProjectID, int64(p.Seq), string(deltaJSON), now,
	)
	if err != nil {
		return fmt.Errorf("record save: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Document returns the stored document and seq for a project.
func (s *SQLStore) Document(ctx context.Context, projectID string) (domain.DesignerState, uint64, error) {
	var (
		seq       int64
		stateJSON string
	)
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT seq, state_json FROM project_documents WHERE project_id = ?`), projectID,
	).Scan(&seq, &stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load document: %w", err)
	}
	doc, err := diff.Decode([]byte(stateJSON))
	if err != nil {
		return nil, 0, err
	}
	return doc, uint64(seq), nil
}

// SaveCount returns how many saves were recorded for a project.
func (s *SQLStore) SaveCount(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM project_saves WHERE project_id = ?`), projectID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count saves: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
