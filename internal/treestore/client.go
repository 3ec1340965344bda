// Package treestore adapts the external outline store's HTTP RPC API
// to the narrow block surface the reconciliation engine needs.
package treestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/backoff"
	"github.com/starford/ansuz/internal/models"
)

// maxResponseSize bounds how much of an RPC response is read. Page
// trees dominate; even ink-heavy pages stay well under this.
const maxResponseSize = 32 << 20 // 32 MB

// Store is the block surface of the outline store. The engine creates,
// updates, and re-reads blocks through it; removal happens only on
// explicit instruction paths.
type Store interface {
	PageTree(ctx context.Context, name string) ([]*models.Block, error)
	CreatePage(ctx context.Context, name string) error
	CreateBlock(ctx context.Context, parentUUID, content string, opts CreateOpts) (*models.Block, error)
	UpdateBlockContent(ctx context.Context, uuid, content string) error
	SetBlockProperty(ctx context.Context, uuid, key, value string) error
	RemoveBlock(ctx context.Context, uuid string) error
}

// CreateOpts carries the optional parts of a block insert.
type CreateOpts struct {
	Properties map[string]string
	CustomID   string
}

// Client talks to the store's RPC endpoint: POST <base>/api with a
// {"method": ..., "args": [...]} body and a Bearer token.
type Client struct {
	base   string
	token  string
	client *http.Client
	retry  backoff.Schedule
	logger *slog.Logger
}

var _ Store = (*Client)(nil)

// NewClient builds a store client for the given base URL and API token.
func NewClient(base, token string, logger *slog.Logger) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
		retry:  backoff.Default,
		logger: logger,
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

// call performs one RPC with the adapter's retry schedule. Network
// errors and 5xx responses retry; 4xx responses do not. A 404 maps to
// apperr.ErrNotFound; any other failure that survives the schedule is
// returned as apperr.TransportError with the attempt count.
func (c *Client) call(ctx context.Context, method string, args []any, out any) error {
	payload, err := json.Marshal(rpcRequest{Method: method, Args: args})
	if err != nil {
		return fmt.Errorf("treestore: marshal %s: %w", method, err)
	}

	var body []byte
	tries, err := backoff.Retry(ctx, c.retry, func() (bool, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api", bytes.NewReader(payload))
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
		case resp.StatusCode == http.StatusNotFound:
			return false, apperr.ErrNotFound
		case resp.StatusCode >= 500:
			return true, fmt.Errorf("HTTP %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return false, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		body = data
		return false, nil
	})
	if tries > 1 && err == nil {
		c.logger.Debug("treestore: rpc recovered after retry",
			slog.String("method", method), slog.Int("tries", tries))
	}
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("treestore: %s: %w", method, apperr.ErrNotFound)
		}
		return &apperr.TransportError{Op: method, Attempts: tries, Err: err}
	}

	if out == nil || len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("treestore: decode %s response: %w", method, err)
	}
	return nil
}

// wireBlock is the store's JSON shape for a block. Property values are
// untyped because the outline is user-editable.
type wireBlock struct {
	UUID       string         `json:"uuid"`
	Content    string         `json:"content"`
	Properties map[string]any `json:"properties"`
	Children   []wireBlock    `json:"children"`
}

func (w wireBlock) toModel(parentUUID string) *models.Block {
	b := &models.Block{
		UUID:       w.UUID,
		Content:    w.Content,
		ParentUUID: parentUUID,
	}
	if len(w.Properties) > 0 {
		b.Properties = make(map[string]string, len(w.Properties))
		for k, v := range w.Properties {
			b.Properties[k] = propString(v)
		}
	}
	for _, child := range w.Children {
		b.Children = append(b.Children, child.toModel(w.UUID))
	}
	return b
}

func propString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// PageTree fetches a page's top-level blocks with nested children.
// An absent page yields an empty slice, not an error; only an HTTP 404
// from the store maps to apperr.ErrNotFound.
func (c *Client) PageTree(ctx context.Context, name string) ([]*models.Block, error) {
	var wire []wireBlock
	if err := c.call(ctx, "store.getPageBlocksTree", []any{name}, &wire); err != nil {
		return nil, err
	}
	blocks := make([]*models.Block, 0, len(wire))
	for _, w := range wire {
		blocks = append(blocks, w.toModel(""))
	}
	return blocks, nil
}

// CreatePage ensures the named page exists. The store treats creation
// of an existing page as a no-op, so callers may ensure unconditionally.
func (c *Client) CreatePage(ctx context.Context, name string) error {
	args := []any{name, map[string]any{}, map[string]any{"createFirstBlock": false}}
	return c.call(ctx, "store.createPage", args, nil)
}

// CreateBlock inserts a child block under parentUUID. parentUUID may
// also be a page name, in which case the block lands at top level.
func (c *Client) CreateBlock(ctx context.Context, parentUUID, content string, opts CreateOpts) (*models.Block, error) {
	blockOpts := map[string]any{"sibling": false}
	if opts.CustomID != "" {
		blockOpts["customUUID"] = opts.CustomID
	}
	if len(opts.Properties) > 0 {
		blockOpts["properties"] = opts.Properties
	}

	var wire wireBlock
	if err := c.call(ctx, "store.insertBlock", []any{parentUUID, content, blockOpts}, &wire); err != nil {
		return nil, err
	}
	if wire.UUID == "" {
		return nil, fmt.Errorf("treestore: insertBlock under %q returned no uuid", parentUUID)
	}
	return wire.toModel(parentUUID), nil
}

// UpdateBlockContent replaces a block's content. The store strips
// block properties on update; callers re-apply the ones they own.
func (c *Client) UpdateBlockContent(ctx context.Context, uuid, content string) error {
	return c.call(ctx, "store.updateBlock", []any{uuid, content}, nil)
}

// SetBlockProperty writes one block property, replacing any prior value.
func (c *Client) SetBlockProperty(ctx context.Context, uuid, key, value string) error {
	return c.call(ctx, "store.upsertBlockProperty", []any{uuid, key, value}, nil)
}

// RemoveBlock deletes a block and its subtree.
func (c *Client) RemoveBlock(ctx context.Context, uuid string) error {
	return c.call(ctx, "store.removeBlock", []any{uuid}, nil)
}
