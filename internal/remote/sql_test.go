package remote_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"designer/internal/diff"
	"designer/internal/domain"
	"designer/internal/remote"
	"designer/internal/secret"
)

func newSQLiteRemote(t *testing.T) *remote.SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remote.db")
	s, err := remote.NewSQLStore("sqlite", path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore_AppliesInOrder(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteRemote(t)

	require.NoError(t, s.Save(ctx, domain.SavePayload{
		ProjectID: "p1", JobID: "j1", Seq: 1,
		Delta: diff.Delta{{Path: "/title", Op: diff.OpSet, Value: "A"}, {Path: "/w", Op: diff.OpSet, Value: 10}},
	}))
	require.NoError(t, s.Save(ctx, domain.SavePayload{
		ProjectID: "p1", JobID: "j2", Seq: 2, BaseSeq: 1,
		Delta: diff.Delta{{Path: "/title", Op: diff.OpSet, Value: "B"}},
	}))

	doc, seq, err := s.Document(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, domain.DesignerState{"title": "B", "w": int64(10)}, doc)
}

func TestSQLStore_DuplicateSeqIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteRemote(t)

	p := domain.SavePayload{
		ProjectID: "p1", JobID: "j1", Seq: 1,
		Delta: diff.Delta{{Path: "/n", Op: diff.OpSet, Value: 1}},
	}
	require.NoError(t, s.Save(ctx, p))
	require.NoError(t, s.Save(ctx, p))

	n, err := s.SaveCount(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLStore_OtherWriterAheadIsAConflict(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteRemote(t)

	for i, title := range []string{"a1", "a2", "a3"} {
		require.NoError(t, s.Save(ctx, domain.SavePayload{
			ProjectID: "p1", JobID: "device-a-" + title, Seq: uint64(i + 1), BaseSeq: uint64(i),
			Delta: diff.Delta{{Path: "/title", Op: diff.OpSet, Value: title}},
		}))
	}

	// A second device that only knows seq 1 sends its own seq 2.
	b := domain.SavePayload{
		ProjectID: "p1", JobID: "device-b-1", Seq: 2, BaseSeq: 1,
		Delta: diff.Delta{{Path: "/title", Op: diff.OpSet, Value: "b1"}},
	}
	err := s.Save(ctx, b)
	require.ErrorIs(t, err, remote.ErrSeqConflict)
	var conflict *remote.SeqConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, uint64(3), conflict.Current)

	doc, seq, err := s.Document(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Equal(t, "a3", doc["title"])

	b.Seq = conflict.Current + 1
	require.NoError(t, s.Save(ctx, b))
	doc, seq, err = s.Document(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
	assert.Equal(t, "b1", doc["title"])

	// The renumbered job is now known, so replaying it is a no-op.
	require.NoError(t, s.Save(ctx, b))
	n, err := s.SaveCount(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSQLStore_StaleBase(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteRemote(t)

	err := s.Save(ctx, domain.SavePayload{
		ProjectID: "p1", JobID: "j5", Seq: 5, BaseSeq: 4,
		Delta: diff.Delta{{Path: "/title", Op: diff.OpSet, Value: "x"}},
	})
	assert.True(t, errors.Is(err, remote.ErrStaleSeq), "got %v", err)

	// A full-document resend has base 0 and is accepted.
	require.NoError(t, s.Save(ctx, domain.SavePayload{
		ProjectID: "p1", JobID: "j5", Seq: 5,
		Delta: diff.Delta{{Path: "", Op: diff.OpSet, Value: map[string]any{"title": "x"}}},
	}))
	doc, seq, err := s.Document(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)
	assert.Equal(t, "x", doc["title"])
}

func TestNew_SQLiteFromConfig(t *testing.T) {
	cfg := remote.Config{
		Driver: remote.DriverSQLite,
		Host:   filepath.Join(t.TempDir(), "remote.db"),
	}
	r, err := remote.New(cfg, secret.NewEnvStore(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Save(context.Background(), domain.SavePayload{ProjectID: "p", JobID: "j", Seq: 1}))
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := remote.New(remote.Config{Driver: "oracle"}, nil, nil)
	assert.Error(t, err)
}
