// Package recognize is the client boundary to the handwriting
// recognition service. Responses are treated as untrusted input and
// coerced into well-formed lines before the engine sees them.
package recognize

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

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/backoff"
	"github.com/starford/ansuz/internal/ink"
	"github.com/starford/ansuz/internal/models"
)

const maxResponseSize = 8 << 20 // 8 MB

// Recognizer turns a set of raw strokes into transcribed lines.
type Recognizer interface {
	Recognize(ctx context.Context, page models.PageID, strokes []models.Stroke) (*Result, error)
}

// Result is a recognizer response after boundary coercion. Warnings
// describe every repair the coercion had to make.
type Result struct {
	Lines    []models.Line
	Warnings []string
}

// Client calls an HTTP recognition service.
type Client struct {
	base   string
	token  string
	client *http.Client
	retry  backoff.Schedule
	logger *slog.Logger
}

var _ Recognizer = (*Client)(nil)

// NewClient builds a recognition client for the given base URL.
// Recognition of a full page can take a while, hence the generous
// request timeout.
func NewClient(base, token string, logger *slog.Logger) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: 120 * time.Second},
		retry:  backoff.Default,
		logger: logger,
	}
}

// wireStroke is the stroke form sent to the recognizer. Block
// associations are engine-internal and never leave the process.
type wireStroke struct {
	ID        string       `json:"id"`
	StartTime int64        `json:"startTime"`
	EndTime   int64        `json:"endTime"`
	Points    [][3]float64 `json:"points"`
}

type recognizeRequest struct {
	Page    string       `json:"page"`
	Strokes []wireStroke `json:"strokes"`
}

type recognizeResponse struct {
	Lines []wireLine `json:"lines"`
}

// Recognize submits strokes for transcription. Network errors and 5xx
// responses retry on the adapter schedule; a failure that survives it
// is returned as apperr.TransportError.
func (c *Client) Recognize(ctx context.Context, page models.PageID, strokes []models.Stroke) (*Result, error) {
	wireStrokes := make([]wireStroke, len(strokes))
	submitted := make([]string, len(strokes))
	for i := range strokes {
		rec := ink.ToStorageStroke(strokes[i])
		wireStrokes[i] = wireStroke{
			ID:        rec.ID,
			StartTime: rec.StartTime,
			EndTime:   rec.EndTime,
			Points:    rec.Points,
		}
		submitted[i] = rec.ID
	}

	payload, err := json.Marshal(recognizeRequest{Page: page.Key(), Strokes: wireStrokes})
	if err != nil {
		return nil, fmt.Errorf("recognize: marshal request: %w", err)
	}

	var body []byte
	tries, err := backoff.Retry(ctx, c.retry, func() (bool, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/recognize", bytes.NewReader(payload))
		if reqErr != nil {
			return false, reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, doErr := c.client.Do(req)
		if doErr != nil {
			return true, doErr
		}
		defer func() { _ = resp.Body.Close() }()

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if readErr != nil {
			return true, readErr
		}
		switch {
		case resp.StatusCode >= 500:
			return true, fmt.Errorf("HTTP %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return false, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		body = data
		return false, nil
	})
	if err != nil {
		return nil, &apperr.TransportError{Op: "recognize", Attempts: tries, Err: err}
	}
	if tries > 1 {
		c.logger.Debug("recognize: recovered after retry",
			slog.String("page", page.Key()), slog.Int("tries", tries))
	}

	var resp recognizeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("recognize: decode response: %w", err)
	}

	lines, warnings := coerceLines(resp.Lines, submitted)
	return &Result{Lines: lines, Warnings: warnings}, nil
}
