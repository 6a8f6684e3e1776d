package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/mkatzman/valet/internal/arbiter"
	"github.com/mkatzman/valet/internal/assistant"
	"github.com/mkatzman/valet/internal/chat"
	discordchat "github.com/mkatzman/valet/internal/chat/discord"
	slackchat "github.com/mkatzman/valet/internal/chat/slack"
	"github.com/mkatzman/valet/internal/config"
	"github.com/mkatzman/valet/internal/correlate"
	"github.com/mkatzman/valet/internal/dashboard"
	"github.com/mkatzman/valet/internal/plugin"
	"github.com/mkatzman/valet/internal/plugins/habits"
	"github.com/mkatzman/valet/internal/plugins/mailwatch"
	"github.com/mkatzman/valet/internal/plugins/payments"
	"github.com/mkatzman/valet/internal/queue"
	"github.com/mkatzman/valet/internal/rpc"
	"github.com/mkatzman/valet/internal/store"
)

// googleTokenURL is the OAuth2 token endpoint used to refresh Gmail access.
const googleTokenURL = "https://oauth2.googleapis.com/token"

// gmailTokenKey is the KV key the auth command stores the Gmail refresh
// token under.
const gmailTokenKey = "auth:gmail_refresh_token"

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Valet daemon",
		Long:  "Connects to the configured chat platform, starts the enabled plugins, and serves the dashboard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "valet.yaml", "path to Valet config file")
	return cmd
}

func runStart(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Chat.Platform == "" {
		return fmt.Errorf("valet: no chat platform configured in %s (add chat.platform)", configPath)
	}

	gormDB, err := connectFromConfig(cfg)
	if err != nil {
		return err
	}

	st, err := store.New(gormDB)
	if err != nil {
		return err
	}
	q, err := queue.NewStore(queue.StoreOpts{DB: gormDB})
	if err != nil {
		return err
	}

	transport, err := createTransport(cfg)
	if err != nil {
		return err
	}

	arb := arbiter.New()
	rpcClient, err := rpc.NewClient(rpc.ClientOpts{
		Queue:          q,
		Chat:           transport,
		MaxAttempts:    cfg.RPC.MaxAttempts,
		AttemptTimeout: time.Duration(cfg.RPC.AttemptTimeoutSec) * time.Second,
		RetryBackoff:   time.Duration(cfg.RPC.RetryBackoffSec) * time.Second,
	})
	if err != nil {
		return err
	}

	messenger, err := assistant.NewMessenger(assistant.MessengerOpts{
		Transport: transport,
		Registry:  correlate.NewRegistry(correlate.RegistryOpts{}),
		Arbiter:   arb,
		Redisplay: time.Duration(cfg.Interact.RedisplayMin) * time.Minute,
	})
	if err != nil {
		return err
	}

	plugins, err := buildPlugins(cfg, st)
	if err != nil {
		return err
	}

	daemon, err := assistant.NewDaemon(assistant.DaemonOpts{
		Transport: transport,
		Arbiter:   arb,
		Messenger: messenger,
		Store:     st,
		Plugins:   plugins,
		RPC:       rpcClient,
		Queue:     q,
		Out:       cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if cfg.Dashboard.Enabled {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				DB:      gormDB,
				Arbiter: arb,
				Port:    cfg.Dashboard.Port,
				Out:     cmd.OutOrStdout(),
			})
			if err != nil {
				log.Printf("valet: dashboard: %v", err)
			}
		}()
	}

	return daemon.Run(ctx)
}

// createTransport builds a chat transport from the config.
func createTransport(cfg *config.Config) (chat.Transport, error) {
	switch cfg.Chat.Platform {
	case "discord":
		return discordchat.New(discordchat.TransportOpts{
			BotToken: cfg.Chat.Discord.BotToken,
		})
	case "slack":
		return slackchat.New(slackchat.TransportOpts{
			AppToken: cfg.Chat.Slack.AppToken,
			BotToken: cfg.Chat.Slack.BotToken,
		})
	default:
		return nil, fmt.Errorf("valet: unsupported chat platform %q", cfg.Chat.Platform)
	}
}

// buildPlugins registers every plugin enabled in the config.
func buildPlugins(cfg *config.Config, st *store.Store) (*plugin.Registry, error) {
	reg := plugin.NewRegistry()

	if cfg.Plugins.Habits.Enabled {
		p, err := habits.New(habits.Opts{Habits: cfg.Plugins.Habits.Habits})
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}

	if cfg.Plugins.Payments.Enabled {
		p, err := payments.New(payments.Opts{
			Payments: cfg.Plugins.Payments.Payments,
			Poll:     time.Duration(cfg.Plugins.Payments.PollHours) * time.Hour,
		})
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}

	if cfg.Plugins.Mailwatch.Enabled {
		ts, err := gmailTokenSource(cfg, st)
		if err != nil {
			return nil, err
		}
		p, err := mailwatch.New(mailwatch.Opts{
			Query:       cfg.Plugins.Mailwatch.Query,
			Poll:        time.Duration(cfg.Plugins.Mailwatch.PollMin) * time.Minute,
			TokenSource: ts,
		})
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

// gmailTokenSource builds a self-refreshing token source from the stored
// refresh token and the configured OAuth client.
func gmailTokenSource(cfg *config.Config, st *store.Store) (oauth2.TokenSource, error) {
	var refreshToken string
	found, err := st.Get(gmailTokenKey, &refreshToken)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("valet: no Gmail refresh token stored (run: valet auth set gmail_refresh_token)")
	}

	ocfg := &oauth2.Config{
		ClientID:     cfg.Plugins.Mailwatch.ClientID,
		ClientSecret: cfg.Plugins.Mailwatch.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
	}
	return ocfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: refreshToken}), nil
}
