// Package payments tracks recurring payments: once a configured payment's
// day of month has passed, the plugin asks the user to confirm it, logs the
// confirmation, and mirrors it into the user's notes via the companion.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mkatzman/valet/internal/arbiter"
	"github.com/mkatzman/valet/internal/config"
	"github.com/mkatzman/valet/internal/models"
	"github.com/mkatzman/valet/internal/notes"
	"github.com/mkatzman/valet/internal/plugin"
	"github.com/mkatzman/valet/internal/store"
)

// defaultPoll is how often due payments are swept.
const defaultPoll = 12 * time.Hour

// paymentState is the per-payment KV record.
type paymentState struct {
	// LastHandled is the last "2006-01" month the payment was confirmed or
	// skipped, so a payment is raised at most once per month.
	LastHandled string `json:"last_handled"`
}

// Plugin is the recurring payments tracker.
type Plugin struct {
	payments []config.PaymentConfig
	poll     time.Duration
}

// Opts holds parameters for creating the payments Plugin.
type Opts struct {
	Payments []config.PaymentConfig // required
	Poll     time.Duration          // sweep interval; defaults to 12h
}

// New creates the payments Plugin.
func New(opts Opts) (*Plugin, error) {
	if len(opts.Payments) == 0 {
		return nil, fmt.Errorf("payments: at least one payment is required")
	}
	p := &Plugin{payments: opts.Payments, poll: opts.Poll}
	if p.poll <= 0 {
		p.poll = defaultPoll
	}
	return p, nil
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "payments" }

// Run sweeps for due payments on the poll interval until ctx is cancelled.
func (p *Plugin) Run(ctx context.Context, deps *plugin.Deps, user models.User) error {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	p.sweep(ctx, deps, user)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx, deps, user)
		}
	}
}

// Commands implements plugin.Plugin.
func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{{
		Label: "Record a payment",
		Run: func(ctx context.Context, deps *plugin.Deps, user models.User) error {
			names := make([]string, len(p.payments))
			for i, pay := range p.payments {
				names[i] = pay.Payee
			}
			idx, err := deps.Messenger.RequestChoice(ctx, user.ChatUserID, "Which payment?", names)
			if err != nil {
				return err
			}
			return p.record(ctx, deps, user, p.payments[idx])
		},
	}}
}

// sweep raises a confirmation for every payment that is due and not yet
// handled this month.
func (p *Plugin) sweep(ctx context.Context, deps *plugin.Deps, user models.User) {
	now := time.Now()
	month := now.Format("2006-01")
	for _, pay := range p.payments {
		if now.Day() < pay.DayOfMonth {
			continue
		}
		var state paymentState
		if _, err := deps.Store.Get(p.stateKey(user, pay), &state); err != nil {
			log.Printf("payments: load state for %s: %v", pay.Payee, err)
			continue
		}
		if state.LastHandled == month {
			continue
		}
		p.confirm(ctx, deps, user, pay, month)
	}
}

// confirm runs one confirmation conversation. A preempted turn is re-queued;
// "Ask me later" leaves the payment unhandled so the next sweep raises it
// again.
func (p *Plugin) confirm(ctx context.Context, deps *plugin.Deps, user models.User, pay config.PaymentConfig, month string) {
	for {
		err := deps.Arbiter.Interact(ctx, user.ChatUserID, arbiter.Normal, arbiter.Options{}, func(ctx context.Context) error {
			prompt := fmt.Sprintf("Did you pay %s (%.2f %s) this month?", pay.Payee, pay.Amount, pay.Currency)
			choice, err := deps.Messenger.RequestChoice(ctx, user.ChatUserID, prompt, []string{"Paid", "Skip this month", "Ask me later"})
			if err != nil {
				return err
			}
			switch choice {
			case 0:
				if err := p.record(ctx, deps, user, pay); err != nil {
					return err
				}
				return deps.Store.Set(p.stateKey(user, pay), paymentState{LastHandled: month})
			case 1:
				return deps.Store.Set(p.stateKey(user, pay), paymentState{LastHandled: month})
			default:
				return nil
			}
		})
		if errors.Is(err, arbiter.ErrPreempted) {
			continue
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("payments: confirm %s for %s: %v", pay.Payee, user.Name, err)
		}
		return
	}
}

// record logs the payment and mirrors it into the user's notes. A companion
// failure does not lose the local log.
func (p *Plugin) record(ctx context.Context, deps *plugin.Deps, user models.User, pay config.PaymentConfig) error {
	if err := deps.Store.LogPayment(&models.PaymentLog{
		UserID:   user.ID,
		Payee:    pay.Payee,
		Amount:   pay.Amount,
		Currency: pay.Currency,
	}); err != nil {
		return err
	}
	if deps.RPC != nil {
		vault, err := notes.New(deps.RPC)
		if err == nil {
			if err := vault.AddPaymentEntry(ctx, user.ChatUserID, pay.Payee, pay.Amount, pay.Currency); err != nil {
				log.Printf("payments: mirror %s to notes: %v", pay.Payee, err)
			}
		}
	}
	return nil
}

func (p *Plugin) stateKey(user models.User, pay config.PaymentConfig) string {
	return store.Key("payments", user.ChatUserID, pay.Payee)
}

var _ plugin.Plugin = (*Plugin)(nil)
