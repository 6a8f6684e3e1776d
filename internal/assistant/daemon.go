package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/mkatzman/valet/internal/arbiter"
	"github.com/mkatzman/valet/internal/chat"
	"github.com/mkatzman/valet/internal/models"
	"github.com/mkatzman/valet/internal/plugin"
	"github.com/mkatzman/valet/internal/queue"
	"github.com/mkatzman/valet/internal/store"
)

// Daemon owns the event loop: it pumps inbound chat events to the Messenger
// handlers, runs one goroutine per (plugin, registered user), and serves the
// command menu and onboarding conversations.
type Daemon struct {
	transport chat.Transport
	arbiter   *arbiter.Arbiter
	messenger *Messenger
	store     *store.Store
	plugins   *plugin.Registry
	deps      *plugin.Deps
	out       io.Writer

	mu      sync.Mutex
	running map[string]context.CancelFunc // "<userID>:<plugin>" -> stop
	wg      sync.WaitGroup
}

// DaemonOpts holds parameters for creating a Daemon.
type DaemonOpts struct {
	Transport chat.Transport   // required
	Arbiter   *arbiter.Arbiter // required
	Messenger *Messenger       // required
	Store     *store.Store     // required
	Plugins   *plugin.Registry // required
	RPC       plugin.Caller    // companion client handed to plugins
	Queue     queue.Queue      // queue transport handed to plugins
	Out       io.Writer        // daemon-level output sink
}

// NewDaemon creates a Daemon.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("assistant: transport is required")
	}
	if opts.Arbiter == nil {
		return nil, fmt.Errorf("assistant: arbiter is required")
	}
	if opts.Messenger == nil {
		return nil, fmt.Errorf("assistant: messenger is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("assistant: store is required")
	}
	if opts.Plugins == nil {
		return nil, fmt.Errorf("assistant: plugin registry is required")
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	d := &Daemon{
		transport: opts.Transport,
		arbiter:   opts.Arbiter,
		messenger: opts.Messenger,
		store:     opts.Store,
		plugins:   opts.Plugins,
		out:       opts.Out,
		running:   make(map[string]context.CancelFunc),
	}
	d.deps = &plugin.Deps{
		Arbiter:   opts.Arbiter,
		Messenger: opts.Messenger,
		RPC:       opts.RPC,
		Store:     opts.Store,
		Queue:     opts.Queue,
		Out:       opts.Out,
	}
	return d, nil
}

// Run connects the transport, starts plugins for every registered user, and
// pumps inbound events until ctx is cancelled. It blocks; cancel ctx to shut
// down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.transport.Connect(ctx); err != nil {
		return fmt.Errorf("assistant: connect transport: %w", err)
	}
	events, err := d.transport.Listen(ctx)
	if err != nil {
		return fmt.Errorf("assistant: listen: %w", err)
	}

	fmt.Fprintf(d.out, "valet: daemon started, %d plugins available\n", len(d.plugins.Names()))

	if err := d.startRegisteredPlugins(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case ev, ok := <-events:
			if !ok {
				d.shutdown()
				return nil
			}
			d.dispatch(ctx, ev)
		}
	}
}

// shutdown waits for plugin goroutines and closes the transport.
func (d *Daemon) shutdown() {
	d.wg.Wait()
	if err := d.transport.Close(); err != nil {
		log.Printf("assistant: close transport: %v", err)
	}
	fmt.Fprintf(d.out, "valet: daemon stopped\n")
}

// startRegisteredPlugins launches one goroutine per (user, subscribed plugin).
func (d *Daemon) startRegisteredPlugins(ctx context.Context) error {
	users, err := d.store.Users()
	if err != nil {
		return fmt.Errorf("assistant: load users: %w", err)
	}
	for _, user := range users {
		names, err := d.store.UserPlugins(user.ID)
		if err != nil {
			return fmt.Errorf("assistant: load plugins for %s: %w", user.Name, err)
		}
		for _, name := range names {
			p, ok := d.plugins.Get(name)
			if !ok {
				log.Printf("assistant: user %s subscribed to unknown plugin %q", user.Name, name)
				continue
			}
			d.startPlugin(ctx, p, user)
		}
	}
	return nil
}

// startPlugin launches a plugin goroutine for a user unless one is already
// running.
func (d *Daemon) startPlugin(ctx context.Context, p plugin.Plugin, user models.User) {
	key := fmt.Sprintf("%d:%s", user.ID, p.Name())
	d.mu.Lock()
	if _, alive := d.running[key]; alive {
		d.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.running[key] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			cancel()
			d.mu.Lock()
			delete(d.running, key)
			d.mu.Unlock()
		}()
		log.Printf("assistant: plugin %s running for %s", p.Name(), user.Name)
		if err := p.Run(runCtx, d.deps, user); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("assistant: plugin %s for %s exited: %v", p.Name(), user.Name, err)
		}
	}()
}

// stopPlugin cancels a user's running plugin goroutine, if any.
func (d *Daemon) stopPlugin(userID uint, name string) {
	key := fmt.Sprintf("%d:%s", userID, name)
	d.mu.Lock()
	cancel, ok := d.running[key]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// dispatch routes one inbound event. Replies to outstanding prompts are
// consumed by the Messenger; any other text opens the command menu (or
// onboarding for unknown users) in its own goroutine so the pump never
// blocks on a conversation.
func (d *Daemon) dispatch(ctx context.Context, ev chat.Event) {
	switch ev.Kind {
	case chat.EventChoice:
		d.messenger.HandleChoice(ev.UserID, ev.CorrelationID, ev.Option)
	case chat.EventText:
		if d.messenger.HandleText(ev.UserID, ev.Text) {
			return
		}
		user, err := d.store.UserByChatID(ev.UserID)
		if err != nil {
			log.Printf("assistant: look up user %s: %v", ev.UserID, err)
			return
		}
		d.wg.Add(1)
		if user == nil {
			go func() {
				defer d.wg.Done()
				d.onboard(ctx, ev.UserID)
			}()
			return
		}
		u := *user
		go func() {
			defer d.wg.Done()
			d.commandMenu(ctx, u)
		}()
	}
}

// onboard registers a first-time user through a name prompt.
func (d *Daemon) onboard(ctx context.Context, chatUserID string) {
	err := d.arbiter.Interact(ctx, chatUserID, arbiter.High, arbiter.Options{}, func(ctx context.Context) error {
		name, err := d.messenger.RequestInput(ctx, chatUserID, "Hi, I'm Valet. What should I call you?")
		if err != nil {
			return err
		}
		name = strings.TrimSpace(name)
		if name == "" {
			name = chatUserID
		}
		user, err := d.store.CreateUser(name, chatUserID)
		if err != nil {
			return err
		}
		return d.messenger.SendText(ctx, chatUserID,
			fmt.Sprintf("Nice to meet you, %s. Message me any time to open the menu.", user.Name))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("assistant: onboard %s: %v", chatUserID, err)
	}
}

// commandMenu runs the high-priority "what can I do for you?" conversation:
// the user's plugin commands plus the built-in plugin management entries.
func (d *Daemon) commandMenu(ctx context.Context, user models.User) {
	cmds := d.userCommands(user)

	labels := make([]string, 0, len(cmds)+3)
	for _, c := range cmds {
		labels = append(labels, c.Label)
	}
	labels = append(labels, "Enable a plugin", "Disable a plugin", "Never mind")

	err := d.arbiter.Interact(ctx, user.ChatUserID, arbiter.High, arbiter.Options{}, func(ctx context.Context) error {
		choice, err := d.messenger.RequestChoice(ctx, user.ChatUserID, "What can I do for you?", labels)
		if err != nil {
			return err
		}
		switch {
		case choice < len(cmds):
			return cmds[choice].Run(ctx, d.deps, user)
		case choice == len(cmds):
			return d.enablePlugin(ctx, user)
		case choice == len(cmds)+1:
			return d.disablePlugin(ctx, user)
		default:
			return nil
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, arbiter.ErrPreempted) {
		log.Printf("assistant: command menu for %s: %v", user.Name, err)
	}
}

// userCommands collects the commands contributed by the user's plugins.
func (d *Daemon) userCommands(user models.User) []plugin.Command {
	names, err := d.store.UserPlugins(user.ID)
	if err != nil {
		log.Printf("assistant: load plugins for %s: %v", user.Name, err)
		return nil
	}
	var cmds []plugin.Command
	for _, name := range names {
		p, ok := d.plugins.Get(name)
		if !ok {
			continue
		}
		cmds = append(cmds, p.Commands()...)
	}
	return cmds
}

// enablePlugin subscribes the user to one of the plugins they do not have
// yet and starts it immediately.
func (d *Daemon) enablePlugin(ctx context.Context, user models.User) error {
	enabled, err := d.store.UserPlugins(user.ID)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		have[name] = true
	}
	var available []string
	for _, name := range d.plugins.Names() {
		if !have[name] {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return d.messenger.SendText(ctx, user.ChatUserID, "Every plugin is already enabled.")
	}

	options := append(available, "Cancel")
	choice, err := d.messenger.RequestChoice(ctx, user.ChatUserID, "Which plugin should I enable?", options)
	if err != nil {
		return err
	}
	if choice >= len(available) {
		return nil
	}
	name := available[choice]
	if err := d.store.RegisterPlugin(user.ID, name); err != nil {
		return err
	}
	if p, ok := d.plugins.Get(name); ok {
		d.startPlugin(ctx, p, user)
	}
	return d.messenger.SendText(ctx, user.ChatUserID, fmt.Sprintf("Enabled %s.", name))
}

// disablePlugin unsubscribes the user from one of their plugins and stops
// its running goroutine.
func (d *Daemon) disablePlugin(ctx context.Context, user models.User) error {
	enabled, err := d.store.UserPlugins(user.ID)
	if err != nil {
		return err
	}
	if len(enabled) == 0 {
		return d.messenger.SendText(ctx, user.ChatUserID, "You have no plugins enabled.")
	}

	options := append(append([]string{}, enabled...), "Cancel")
	choice, err := d.messenger.RequestChoice(ctx, user.ChatUserID, "Which plugin should I disable?", options)
	if err != nil {
		return err
	}
	if choice >= len(enabled) {
		return nil
	}
	name := enabled[choice]
	if err := d.store.UnregisterPlugin(user.ID, name); err != nil {
		return err
	}
	d.stopPlugin(user.ID, name)
	return d.messenger.SendText(ctx, user.ChatUserID, fmt.Sprintf("Disabled %s.", name))
}
