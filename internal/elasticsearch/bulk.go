package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/otb-data/gkg-ingest/internal/batch"
)

// ErrRetriesExhausted reports a batch whose retry budget ran out before every
// document reached a terminal outcome.
var ErrRetriesExhausted = errors.New("bulk: retry attempts exhausted")

// Rejection is a permanent per-document failure reported by the store.
type Rejection struct {
	ID     string
	Status int
	Reason string
}

// BulkResult aggregates the per-document outcomes of one batch send,
// retries included.
type BulkResult struct {
	Accepted   int
	Rejected   int // permanent 4xx item rejections, never retried
	Failed     int // documents whose retries were exhausted
	Retries    int // retry rounds performed
	Rejections []Rejection
}

// bulkResponse mirrors the _bulk response shape we care about.
type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		DocID  string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error"`
	} `json:"items"`
}

// Bulk sends one batch to the alias, classifies every per-item result and
// retries transient failures with exponential backoff. Item-level 429/5xx
// results are retried as a smaller follow-up batch; 4xx rejections are
// permanent and recorded. Returns ErrRetriesExhausted (with the partial
// result) when the attempt budget runs out with documents still pending.
func (c *Client) Bulk(ctx context.Context, alias string, b *batch.Batch) (*BulkResult, error) {
	result := &BulkResult{}
	pending := b.Items

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			result.Retries++
			if err := c.wait(ctx, attempt-1); err != nil {
				result.Failed += len(pending)
				return result, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
			}
		}

		retryable, err := c.bulkOnce(ctx, alias, pending, result)
		if err != nil {
			var transient *transientError
			if errors.As(err, &transient) {
				c.log.Warn("bulk attempt failed, will retry",
					slog.Any("err", err),
					slog.Int("attempt", attempt),
					slog.Int("docs", len(pending)),
				)
				continue
			}
			// Malformed request or similar: permanent for the whole batch.
			result.Failed += len(pending)
			return result, err
		}

		if len(retryable) == 0 {
			return result, nil
		}
		c.log.Warn("bulk items retryable, sending follow-up batch",
			slog.Int("attempt", attempt),
			slog.Int("docs", len(retryable)),
		)
		pending = retryable
	}

	result.Failed += len(pending)
	return result, fmt.Errorf("%w: %d documents after %d attempts", ErrRetriesExhausted, len(pending), c.maxAttempts)
}

// transientError marks transport failures and 429/5xx responses eligible for
// a whole-batch retry.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// bulkOnce performs a single _bulk call for the given items, records terminal
// outcomes on result, and returns the items that are still retryable.
func (c *Client) bulkOnce(ctx context.Context, alias string, items []batch.Item, result *BulkResult) ([]batch.Item, error) {
	var buf bytes.Buffer
	for _, item := range items {
		meta := fmt.Sprintf(`{"index":{"_index":%q,"_id":%q}}`, alias, item.ID)
		buf.WriteString(meta)
		buf.WriteByte('\n')
		buf.Write(item.Body)
		buf.WriteByte('\n')
	}

	// Cancellation must not abort an attempt mid-flight (a half-observed
	// write is ambiguous); it takes effect between attempts instead. Each
	// attempt gets its own timeout so a dead peer cannot block shutdown.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.attemptTimeout)
	defer cancel()

	res, err := c.es.Bulk(
		bytes.NewReader(buf.Bytes()),
		c.es.Bulk.WithContext(attemptCtx),
	)
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("bulk request: %w", err)}
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		err := fmt.Errorf("bulk failed: %s: %s", res.Status(), strings.TrimSpace(string(body)))
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= http.StatusInternalServerError {
			return nil, &transientError{err: err}
		}
		return nil, err
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, &transientError{err: fmt.Errorf("decode bulk response: %w", err)}
	}

	if len(parsed.Items) != len(items) {
		return nil, fmt.Errorf("bulk response has %d items, sent %d", len(parsed.Items), len(items))
	}

	var retryable []batch.Item
	for i, wrapper := range parsed.Items {
		// Each item is keyed by its action ("index").
		var status int
		var errRaw json.RawMessage
		for _, entry := range wrapper {
			status = entry.Status
			errRaw = entry.Error
		}

		switch {
		case status >= 200 && status < 300:
			result.Accepted++
		case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
			retryable = append(retryable, items[i])
		default:
			result.Rejected++
			result.Rejections = append(result.Rejections, Rejection{
				ID:     items[i].ID,
				Status: status,
				Reason: rejectionReason(errRaw),
			})
		}
	}
	return retryable, nil
}

func rejectionReason(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown"
	}
	var detail struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &detail); err != nil || detail.Type == "" {
		return strings.TrimSpace(string(raw))
	}
	if detail.Reason == "" {
		return detail.Type
	}
	return detail.Type + ": " + detail.Reason
}
