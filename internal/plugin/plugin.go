// Package plugin defines the contract between the assistant daemon and its
// background plugins, and the explicit registry they are resolved from.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/mkatzman/valet/internal/arbiter"
	"github.com/mkatzman/valet/internal/models"
	"github.com/mkatzman/valet/internal/queue"
	"github.com/mkatzman/valet/internal/store"
)

// Messenger is the conversational surface plugins talk to users through.
// Implemented by assistant.Messenger.
type Messenger interface {
	SendText(ctx context.Context, userID, text string) error
	RequestChoice(ctx context.Context, userID, prompt string, options []string) (int, error)
	RequestInput(ctx context.Context, userID, prompt string) (string, error)
}

// Caller invokes methods on a user's remote companion. Implemented by
// rpc.Client.
type Caller interface {
	Call(ctx context.Context, userID, method string, params interface{}) (json.RawMessage, error)
}

// Deps carries everything a plugin may need. Constructed once by the daemon
// and shared by all plugins.
type Deps struct {
	Arbiter   *arbiter.Arbiter
	Messenger Messenger
	RPC       Caller
	Store     *store.Store
	Queue     queue.Queue
	Out       io.Writer // daemon-level output sink
}

// Command is a user-invokable action a plugin contributes to the command
// menu.
type Command struct {
	Label string
	Run   func(ctx context.Context, deps *Deps, user models.User) error
}

// Plugin is one background assistant capability. Run is invoked once per
// registered user and should block until ctx is cancelled, scheduling its own
// interactions through deps.
type Plugin interface {
	Name() string
	Run(ctx context.Context, deps *Deps, user models.User) error
	Commands() []Command
}

// Registry resolves plugins by canonical name. Construct one at startup and
// register every available plugin; user subscriptions in the store reference
// these names.
type Registry struct {
	mu      sync.Mutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty plugin Registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin. Registering a duplicate name is a programming
// error and fails loudly.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if name == "" {
		return fmt.Errorf("plugin: name is required")
	}
	if _, dup := r.plugins[name]; dup {
		return fmt.Errorf("plugin: %s already registered", name)
	}
	r.plugins[name] = p
	return nil
}

// Get resolves a plugin by name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
