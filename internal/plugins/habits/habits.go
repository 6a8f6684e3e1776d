// Package habits schedules recurring habit check-ins: each configured habit
// fires on a 5-field cron expression, takes a low-priority turn in the user's
// conversation, and records the answer.
package habits

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mkatzman/valet/internal/arbiter"
	"github.com/mkatzman/valet/internal/config"
	"github.com/mkatzman/valet/internal/models"
	"github.com/mkatzman/valet/internal/plugin"
)

// defaultDefer is how long "Remind me later" pushes a check-in back.
const defaultDefer = time.Hour

// Plugin is the habit tracker.
type Plugin struct {
	habits   []config.HabitConfig
	deferFor time.Duration
}

// Opts holds parameters for creating the habits Plugin.
type Opts struct {
	Habits   []config.HabitConfig // required
	DeferFor time.Duration        // "Remind me later" interval; defaults to 1h
}

// New creates the habits Plugin.
func New(opts Opts) (*Plugin, error) {
	if len(opts.Habits) == 0 {
		return nil, fmt.Errorf("habits: at least one habit is required")
	}
	p := &Plugin{habits: opts.Habits, deferFor: opts.DeferFor}
	if p.deferFor <= 0 {
		p.deferFor = defaultDefer
	}
	return p, nil
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "habits" }

// Run schedules every configured habit for the user and blocks until ctx is
// cancelled.
func (p *Plugin) Run(ctx context.Context, deps *plugin.Deps, user models.User) error {
	var wg sync.WaitGroup
	for _, h := range p.habits {
		wg.Add(1)
		go func(h config.HabitConfig) {
			defer wg.Done()
			p.runHabit(ctx, deps, user, h)
		}(h)
	}
	wg.Wait()
	return ctx.Err()
}

// Commands implements plugin.Plugin. The menu command runs inside the menu's
// own conversation turn, so it talks to the messenger directly.
func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{{
		Label: "Check in on a habit",
		Run: func(ctx context.Context, deps *plugin.Deps, user models.User) error {
			names := make([]string, len(p.habits))
			for i, h := range p.habits {
				names[i] = h.Name
			}
			idx, err := deps.Messenger.RequestChoice(ctx, user.ChatUserID, "Which habit?", names)
			if err != nil {
				return err
			}
			_, err = p.askOutcome(ctx, deps, user, p.habits[idx])
			return err
		},
	}}
}

// runHabit fires one habit's check-ins on its cron schedule until ctx is
// cancelled.
func (p *Plugin) runHabit(ctx context.Context, deps *plugin.Deps, user models.User, habit config.HabitConfig) {
	for {
		d := nextCronDuration(habit.Cron)
		if d == 0 {
			log.Printf("habits: %s has an invalid cron expression %q", habit.Name, habit.Cron)
			return
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.checkIn(ctx, deps, user, habit)
		}
	}
}

// checkIn runs one scheduled check-in conversation. A preempted turn is
// re-queued; "Remind me later" re-asks after the defer interval.
func (p *Plugin) checkIn(ctx context.Context, deps *plugin.Deps, user models.User, habit config.HabitConfig) {
	for {
		deferred := false
		err := deps.Arbiter.Interact(ctx, user.ChatUserID, arbiter.Low, arbiter.Options{}, func(ctx context.Context) error {
			var err error
			deferred, err = p.askOutcome(ctx, deps, user, habit)
			return err
		})
		if errors.Is(err, arbiter.ErrPreempted) {
			continue
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Printf("habits: check in %s for %s: %v", habit.Name, user.Name, err)
			}
			return
		}
		if !deferred {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.deferFor):
		}
	}
}

// askOutcome prompts for one habit's outcome and logs the answer. It reports
// whether the user asked to be reminded later.
func (p *Plugin) askOutcome(ctx context.Context, deps *plugin.Deps, user models.User, habit config.HabitConfig) (deferred bool, err error) {
	prompt := fmt.Sprintf("Habit check-in: %s. How did it go?", habit.Name)
	choice, err := deps.Messenger.RequestChoice(ctx, user.ChatUserID, prompt, []string{"Done", "Skip", "Remind me later"})
	if err != nil {
		return false, err
	}

	outcome := "done"
	switch choice {
	case 1:
		outcome = "skipped"
	case 2:
		outcome = "deferred"
	}
	if err := deps.Store.LogHabit(&models.HabitLog{
		UserID:  user.ID,
		Habit:   habit.Name,
		Outcome: outcome,
	}); err != nil {
		return false, err
	}
	return choice == 2, nil
}

var _ plugin.Plugin = (*Plugin)(nil)
