// Package notes is a typed client for a user's note-vault companion: thin
// wrappers over the RPC transport for the vault methods Valet plugins use.
package notes

import (
	"context"
	"encoding/json"
	"fmt"
)

// caller issues correlated RPC calls. Satisfied by rpc.Client.
type caller interface {
	Call(ctx context.Context, userID, method string, params interface{}) (json.RawMessage, error)
}

// Client exposes the vault companion methods as typed calls.
type Client struct {
	rpc caller
}

// New creates a vault Client over an RPC caller.
func New(rpc caller) (*Client, error) {
	if rpc == nil {
		return nil, fmt.Errorf("notes: rpc caller is required")
	}
	return &Client{rpc: rpc}, nil
}

// DirEntry is one entry returned by ListDir.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// GenerateDailyNote creates (or returns) today's daily note and reports its
// vault-relative path.
func (c *Client) GenerateDailyNote(ctx context.Context, userID string) (string, error) {
	raw, err := c.rpc.Call(ctx, userID, "generate-daily-note", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("notes: decode generate-daily-note result: %w", err)
	}
	return out.Path, nil
}

// ModifyProperty sets a frontmatter property on a note.
func (c *Client) ModifyProperty(ctx context.Context, userID, path, property string, value interface{}) error {
	_, err := c.rpc.Call(ctx, userID, "modify-property", map[string]interface{}{
		"path":     path,
		"property": property,
		"value":    value,
	})
	return err
}

// ReadFile returns the full contents of a vault file.
func (c *Client) ReadFile(ctx context.Context, userID, path string) (string, error) {
	raw, err := c.rpc.Call(ctx, userID, "read-file", map[string]interface{}{"path": path})
	if err != nil {
		return "", err
	}
	var out struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("notes: decode read-file result: %w", err)
	}
	return out.Content, nil
}

// ListDir lists a vault directory.
func (c *Client) ListDir(ctx context.Context, userID, path string) ([]DirEntry, error) {
	raw, err := c.rpc.Call(ctx, userID, "list-dir", map[string]interface{}{"path": path})
	if err != nil {
		return nil, err
	}
	var out struct {
		Entries []DirEntry `json:"entries"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("notes: decode list-dir result: %w", err)
	}
	return out.Entries, nil
}

// MoveFile moves a vault file, creating destination directories as needed.
func (c *Client) MoveFile(ctx context.Context, userID, from, to string) error {
	_, err := c.rpc.Call(ctx, userID, "move-file", map[string]interface{}{
		"from": from,
		"to":   to,
	})
	return err
}

// QueryDataview runs a dataview query against the vault and returns the
// matching rows as raw JSON objects.
func (c *Client) QueryDataview(ctx context.Context, userID, query string) ([]json.RawMessage, error) {
	raw, err := c.rpc.Call(ctx, userID, "query-dataview", map[string]interface{}{"query": query})
	if err != nil {
		return nil, err
	}
	var out struct {
		Rows []json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("notes: decode query-dataview result: %w", err)
	}
	return out.Rows, nil
}

// AddPaymentEntry appends a confirmed payment line to the user's finance
// note for the current month.
func (c *Client) AddPaymentEntry(ctx context.Context, userID, payee string, amount float64, currency string) error {
	_, err := c.rpc.Call(ctx, userID, "add-payment-entry", map[string]interface{}{
		"payee":    payee,
		"amount":   amount,
		"currency": currency,
	})
	return err
}
