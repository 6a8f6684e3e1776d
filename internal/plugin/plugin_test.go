package plugin

import (
	"context"
	"strings"
	"testing"

	"github.com/mkatzman/valet/internal/models"
)

type fakePlugin struct {
	name string
}

func (f *fakePlugin) Name() string { return f.name }
func (f *fakePlugin) Run(ctx context.Context, deps *Deps, user models.User) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakePlugin) Commands() []Command { return nil }

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakePlugin{name: "habits"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	p, ok := r.Get("habits")
	if !ok || p.Name() != "habits" {
		t.Errorf("get = %v, %v", p, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("expected missing plugin to not resolve")
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakePlugin{name: "habits"})

	err := r.Register(&fakePlugin{name: "habits"})
	if err == nil {
		t.Fatal("expected error for duplicate registration")
	}
	if !strings.Contains(err.Error(), "already registered") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestRegistry_RejectsEmptyName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakePlugin{}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakePlugin{name: "payments"})
	r.Register(&fakePlugin{name: "habits"})
	r.Register(&fakePlugin{name: "mailwatch"})

	names := r.Names()
	want := []string{"habits", "mailwatch", "payments"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
