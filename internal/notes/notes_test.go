package notes

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

// fakeCaller records the last call and returns a canned result.
type fakeCaller struct {
	userID string
	method string
	params interface{}
	result json.RawMessage
	err    error
}

func (f *fakeCaller) Call(ctx context.Context, userID, method string, params interface{}) (json.RawMessage, error) {
	f.userID = userID
	f.method = method
	f.params = params
	return f.result, f.err
}

func TestNew_RequiresCaller(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil caller")
	}
}

func TestGenerateDailyNote(t *testing.T) {
	fc := &fakeCaller{result: json.RawMessage(`{"path":"daily/2026-08-23.md"}`)}
	c, _ := New(fc)

	path, err := c.GenerateDailyNote(context.Background(), "alice")
	if err != nil {
		t.Fatalf("generate daily note: %v", err)
	}
	if path != "daily/2026-08-23.md" {
		t.Errorf("path = %q", path)
	}
	if fc.method != "generate-daily-note" || fc.userID != "alice" {
		t.Errorf("call = %s for %s", fc.method, fc.userID)
	}
}

func TestModifyProperty(t *testing.T) {
	fc := &fakeCaller{result: json.RawMessage(`{}`)}
	c, _ := New(fc)

	if err := c.ModifyProperty(context.Background(), "alice", "daily/today.md", "mood", "good"); err != nil {
		t.Fatalf("modify property: %v", err)
	}
	if fc.method != "modify-property" {
		t.Errorf("method = %q", fc.method)
	}
	params := fc.params.(map[string]interface{})
	if params["path"] != "daily/today.md" || params["property"] != "mood" || params["value"] != "good" {
		t.Errorf("params = %v", params)
	}
}

func TestReadFile(t *testing.T) {
	fc := &fakeCaller{result: json.RawMessage(`{"content":"# Title\nbody"}`)}
	c, _ := New(fc)

	content, err := c.ReadFile(context.Background(), "alice", "notes/a.md")
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if content != "# Title\nbody" {
		t.Errorf("content = %q", content)
	}
}

func TestListDir(t *testing.T) {
	fc := &fakeCaller{result: json.RawMessage(`{"entries":[{"name":"a.md","is_dir":false},{"name":"sub","is_dir":true}]}`)}
	c, _ := New(fc)

	entries, err := c.ListDir(context.Background(), "alice", "notes")
	if err != nil {
		t.Fatalf("list dir: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "a.md" || !entries[1].IsDir {
		t.Errorf("entries = %+v", entries)
	}
}

func TestMoveFile(t *testing.T) {
	fc := &fakeCaller{result: json.RawMessage(`{}`)}
	c, _ := New(fc)

	if err := c.MoveFile(context.Background(), "alice", "inbox/a.md", "archive/a.md"); err != nil {
		t.Fatalf("move file: %v", err)
	}
	params := fc.params.(map[string]interface{})
	if params["from"] != "inbox/a.md" || params["to"] != "archive/a.md" {
		t.Errorf("params = %v", params)
	}
}

func TestQueryDataview(t *testing.T) {
	fc := &fakeCaller{result: json.RawMessage(`{"rows":[{"file":"a.md"},{"file":"b.md"}]}`)}
	c, _ := New(fc)

	rows, err := c.QueryDataview(context.Background(), "alice", `TABLE file FROM "notes"`)
	if err != nil {
		t.Fatalf("query dataview: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("rows = %v", rows)
	}
}

func TestAddPaymentEntry(t *testing.T) {
	fc := &fakeCaller{result: json.RawMessage(`{}`)}
	c, _ := New(fc)

	if err := c.AddPaymentEntry(context.Background(), "alice", "Electric Co", 42.50, "USD"); err != nil {
		t.Fatalf("add payment entry: %v", err)
	}
	if fc.method != "add-payment-entry" {
		t.Errorf("method = %q", fc.method)
	}
	params := fc.params.(map[string]interface{})
	if params["payee"] != "Electric Co" || params["amount"] != 42.50 {
		t.Errorf("params = %v", params)
	}
}

func TestErrorsPassThrough(t *testing.T) {
	boom := errors.New("companion unreachable")
	fc := &fakeCaller{err: boom}
	c, _ := New(fc)

	if _, err := c.GenerateDailyNote(context.Background(), "alice"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want passthrough", err)
	}
	if err := c.MoveFile(context.Background(), "alice", "a", "b"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want passthrough", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	fc := &fakeCaller{result: json.RawMessage(`not json`)}
	c, _ := New(fc)

	if _, err := c.ReadFile(context.Background(), "alice", "a.md"); err == nil {
		t.Error("expected decode error")
	}
	if _, err := c.ListDir(context.Background(), "alice", "a"); err == nil {
		t.Error("expected decode error")
	}
}
