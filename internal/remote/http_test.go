package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musehq/localsync/internal/outbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer spins up a remote stub and returns a client pointed at it.
func newTestServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewHTTPClient(srv.URL, srv.Client(), testLogger())
}

func TestHTTPClient_ApplySendsWireForm(t *testing.T) {
	t.Parallel()

	var got applyRequest

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/apply", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	key := outbox.EntityKey{Table: "documents", RowID: "doc-1"}
	err := client.Apply(context.Background(), key, outbox.OpUpdate, json.RawMessage(`{"title":"A"}`))
	require.NoError(t, err)

	assert.Equal(t, "documents", got.Table)
	assert.Equal(t, "doc-1", got.RowID)
	assert.Equal(t, "update", got.Operation)
	assert.JSONEq(t, `{"title":"A"}`, string(got.Payload))
}

func TestHTTPClient_RunAISendsWireForm(t *testing.T) {
	t.Parallel()

	var got aiRequest

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ai", r.URL.Path)

		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})

	err := client.RunAI(context.Background(), "req-1", json.RawMessage(`{"prompt":"summarize"}`))
	require.NoError(t, err)

	assert.Equal(t, "req-1", got.RequestKey)
	assert.JSONEq(t, `{"prompt":"summarize"}`, string(got.Payload))
}

func TestHTTPClient_FourXXIsRejected(t *testing.T) {
	t.Parallel()

	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "title too long"})
	})

	key := outbox.EntityKey{Table: "documents", RowID: "doc-1"}
	err := client.Apply(context.Background(), key, outbox.OpUpdate, json.RawMessage(`{}`))
	require.Error(t, err)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.StatusCode)
	assert.Equal(t, "title too long", rejected.Reason)
	assert.Contains(t, rejected.Error(), "status 422")
}

func TestHTTPClient_FourXXWithoutEnvelopeUsesRawBody(t *testing.T) {
	t.Parallel()

	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden by project policy", http.StatusForbidden)
	})

	err := client.RunAI(context.Background(), "req-1", json.RawMessage(`{}`))

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "forbidden by project policy", rejected.Reason)
}

func TestHTTPClient_FiveXXIsTransient(t *testing.T) {
	t.Parallel()

	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	key := outbox.EntityKey{Table: "documents", RowID: "doc-1"}
	err := client.Apply(context.Background(), key, outbox.OpUpdate, json.RawMessage(`{}`))
	require.Error(t, err)

	var rejected *RejectedError
	assert.False(t, errors.As(err, &rejected), "5xx must be retryable, not terminal")
	assert.Contains(t, err.Error(), "status 502")
}

func TestHTTPClient_TransportFailureIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	client := NewHTTPClient(srv.URL, srv.Client(), testLogger())

	// Server gone: connection refused is a transient error.
	srv.Close()

	key := outbox.EntityKey{Table: "documents", RowID: "doc-1"}
	err := client.Apply(context.Background(), key, outbox.OpDelete, nil)
	require.Error(t, err)

	var rejected *RejectedError
	assert.False(t, errors.As(err, &rejected))
}

func TestHTTPClient_TrailingSlashNormalized(t *testing.T) {
	t.Parallel()

	var path string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(srv.URL+"/", srv.Client(), testLogger())

	err := client.RunAI(context.Background(), "req-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "/ai", path)
}

func TestReadErrorReason(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "boom", readErrorReason(strings.NewReader(`{"error":"boom"}`)))
	assert.Equal(t, "plain text", readErrorReason(strings.NewReader("plain text\n")))
	assert.Equal(t, "", readErrorReason(strings.NewReader("")))

	// Envelope with an empty message falls back to the raw body.
	assert.Equal(t, `{"error":""}`, readErrorReason(strings.NewReader(`{"error":""}`)))
}
