package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/musehq/localsync/internal/outbox"
)

// defaultTimeout bounds a single remote call. Prevents a hung connection
// from stalling the dispatcher's per-key chain indefinitely.
const defaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response body is read for the
// rejection reason.
const maxErrorBody = 4096

// applyRequest is the wire form of a mutation submission.
type applyRequest struct {
	Table     string          `json:"table"`
	RowID     string          `json:"row_id"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// aiRequest is the wire form of a deferred AI request submission.
type aiRequest struct {
	RequestKey string          `json:"request_key"`
	Payload    json.RawMessage `json:"payload"`
}

// errorBody is the error envelope remotes are expected to return on 4xx.
type errorBody struct {
	Error string `json:"error"`
}

// HTTPClient is the reference Client implementation: it POSTs mutations to
// {base}/apply and AI requests to {base}/ai as JSON. Response mapping:
// 2xx → applied, 4xx → rejected with the body's error message, everything
// else (5xx, transport failure, timeout) → transient.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates an HTTPClient for the given base URL. A nil
// httpClient gets a default with a 30s timeout.
func NewHTTPClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

// Apply implements Client.
func (c *HTTPClient) Apply(
	ctx context.Context, key outbox.EntityKey, op outbox.Operation, payload json.RawMessage,
) error {
	body := applyRequest{
		Table:     key.Table,
		RowID:     key.RowID,
		Operation: string(op),
		Payload:   payload,
	}

	return c.post(ctx, c.baseURL+"/apply", body)
}

// RunAI implements Client.
func (c *HTTPClient) RunAI(ctx context.Context, requestKey string, payload json.RawMessage) error {
	body := aiRequest{
		RequestKey: requestKey,
		Payload:    payload,
	}

	return c.post(ctx, c.baseURL+"/ai", body)
}

// post encodes body as JSON, POSTs it, and classifies the response.
func (c *HTTPClient) post(ctx context.Context, url string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("remote: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("remote: building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failure: connection reset, DNS, timeout. Retryable.
		return fmt.Errorf("remote: %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Drain so the connection can be reused.
		io.Copy(io.Discard, resp.Body)
		return nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &RejectedError{
			StatusCode: resp.StatusCode,
			Reason:     readErrorReason(resp.Body),
		}

	default:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("remote: %s: server returned status %d", url, resp.StatusCode)
	}
}

// readErrorReason extracts the error message from a 4xx body, falling back
// to the raw body text when it is not the expected JSON envelope.
func readErrorReason(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
		return eb.Error
	}

	return strings.TrimSpace(string(raw))
}
