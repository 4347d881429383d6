package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"designer/internal/diff"
	"designer/internal/domain"
	"designer/internal/remote"
)

func payload(seq, base uint64) domain.SavePayload {
	return domain.SavePayload{
		ProjectID: "site/1",
		JobID:     "job-1",
		Seq:       seq,
		BaseSeq:   base,
		Delta:     diff.Delta{{Path: "/title", Op: diff.OpSet, Value: "Home"}},
	}
}

func TestHTTPRemote_Save(t *testing.T) {
	var got domain.SavePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/projects/site%2F1/saves", r.URL.EscapedPath())
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "job-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := remote.NewHTTP(srv.URL+"/api/", "s3cret", time.Second)
	defer h.Close()
	require.NoError(t, h.Save(context.Background(), payload(3, 2)))
	assert.Equal(t, uint64(3), got.Seq)
	assert.Equal(t, uint64(2), got.BaseSeq)
	assert.Equal(t, []string{"/title"}, got.Delta.Paths())
}

func TestHTTPRemote_StatusErrors(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
		stale     bool
		conflict  bool
	}{
		{http.StatusInternalServerError, true, false, false},
		{http.StatusTooManyRequests, true, false, false},
		{http.StatusBadRequest, false, false, false},
		{http.StatusConflict, false, true, false},
		{http.StatusPreconditionFailed, false, false, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			}))
			defer srv.Close()

			err := remote.NewHTTP(srv.URL, "", time.Second).Save(context.Background(), payload(1, 0))
			var se *remote.StatusError
			require.True(t, errors.As(err, &se), "got %v", err)
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, "nope", se.Body)
			assert.Equal(t, tt.retryable, se.Retryable())
			assert.Equal(t, tt.stale, errors.Is(err, remote.ErrStaleSeq))
			assert.Equal(t, tt.conflict, errors.Is(err, remote.ErrSeqConflict))
		})
	}
}

func TestHTTPRemote_SeqConflictCarriesCurrentSeq(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(remote.SeqHeader, "7")
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	err := remote.NewHTTP(srv.URL, "", time.Second).Save(context.Background(), payload(3, 2))
	require.ErrorIs(t, err, remote.ErrSeqConflict)
	var conflict *remote.SeqConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, "site/1", conflict.ProjectID)
	assert.Equal(t, uint64(7), conflict.Current)
}

func TestHTTPRemote_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := remote.NewHTTP(srv.URL, "", time.Second).Save(ctx, payload(1, 0))
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}
