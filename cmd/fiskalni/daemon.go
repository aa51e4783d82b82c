package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fiskalni/fiskalni/internal/config"
	"github.com/fiskalni/fiskalni/internal/daemon"
	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/identity"
	"github.com/fiskalni/fiskalni/internal/notify"
	"github.com/fiskalni/fiskalni/internal/realtime"
	"github.com/fiskalni/fiskalni/internal/realtime/phoenix"
	"github.com/fiskalni/fiskalni/internal/remote"
	"github.com/fiskalni/fiskalni/internal/schema"
	syncengine "github.com/fiskalni/fiskalni/internal/sync"
	"github.com/fiskalni/fiskalni/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon in the foreground",
	Long: `Run the sync daemon until interrupted.

Every boot pulls all entity kinds, (re)subscribes to realtime changes and
drains the outbound queue. Boots run on startup and whenever a trigger fires:
  - the server becomes reachable again
  - SIGCONT or SIGUSR1 (resume from suspend, manual request)
  - the session file or the config file changes

Triggers that arrive during a boot are folded into one trailing boot.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// a is set before the server starts serving stats.
		var a *app
		var server *notify.Server
		var handler *notify.Handler
		var observer syncengine.Observer
		if cfg.Notify.Enabled {
			server = notify.NewServer(notify.Config{
				Addr:   cfg.Notify.Addr,
				Logger: logger,
				Stats:  func(ctx context.Context) (db.Stats, error) { return db.GetStats(ctx, a.local) },
			})
			handler = notify.NewHandler(server)
			observer = handler
		}

		a, err := openApp(ctx, observer)
		if err != nil {
			return err
		}
		defer a.Close()

		if server != nil {
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start notification server: %w", err)
			}
			defer server.Stop()
		}

		channels, err := newChannels(a, handler)
		if err != nil {
			return err
		}

		d := daemon.New(a.engine, channels, daemon.Options{
			Logger: logger,
			OnBoot: func(b daemon.Boot) {
				if b.Err == nil {
					if err := db.SetStateTime(context.Background(), a.local, db.StateLastBootAt, b.Started); err != nil {
						logger.Warn("failed to record boot time", "error", err)
					}
				}
				if handler != nil {
					handler.Boot(b)
				}
			},
		})
		addSources(d, a)

		config.Watch(vcfg, func(_ *config.Config, err error) {
			if err != nil {
				logger.Warn("ignoring invalid config change", "error", err)
				return
			}
			d.Trigger(daemon.TriggerConfig)
		})

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Local:  %s\n", cfg.DBPath())
		fmt.Printf("   Remote: %s\n", cfg.Remote.Dialect)
		if server != nil {
			fmt.Printf("   Notify: ws://%s/ws\n", server.Addr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Run(ctx, a.processor().Drain); err != nil {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}
		fmt.Printf("%s Daemon stopped after %d boots\n", ui.RenderPass("✓"), d.BootCount())
		return nil
	},
}

// newChannels builds the realtime manager, or a no-op when realtime is off.
func newChannels(a *app, handler *notify.Handler) (daemon.Channels, error) {
	if !cfg.Realtime.Enabled {
		return noChannels{}, nil
	}

	endpoint := cfg.Realtime.URL
	if endpoint == "" && cfg.Remote.ProjectURL != "" {
		var err error
		if endpoint, err = phoenix.EndpointURL(cfg.Remote.ProjectURL); err != nil {
			return nil, err
		}
	}
	if endpoint == "" {
		logger.Warn("realtime enabled but no realtime.url or remote.project_url set, running without subscriptions")
		return noChannels{}, nil
	}

	transport, err := phoenix.New(phoenix.Config{
		URL:               endpoint,
		APIKey:            cfg.Remote.APIKey,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		JoinTimeout:       cfg.Realtime.JoinTimeout,
	}, a.ids, phoenix.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	var onStatus realtime.StatusHook
	if handler != nil {
		onStatus = func(kind schema.EntityType, status remote.ChannelStatus) {
			handler.ChannelStatus(kind, status)
		}
	}

	return realtime.NewManager(transport, a.engine, a.ids, realtime.Config{
		BaseDelay: cfg.Realtime.BaseDelay,
		MaxDelay:  cfg.Realtime.MaxDelay,
	}, realtime.Options{Logger: logger, OnStatus: onStatus}), nil
}

// addSources registers the configured boot triggers.
func addSources(d *daemon.Daemon, a *app) {
	if addr := probeAddr(cfg); addr != "" {
		probe := daemon.NewConnectivityProbe(addr, cfg.Daemon.ProbeInterval)
		probe.Logger = logger
		d.AddSource(probe)
	}
	if cfg.Daemon.Signals {
		d.AddSource(daemon.SignalSource{Logger: logger})
	}
	if _, ok := a.ids.(*identity.TokenFile); ok && cfg.Daemon.WatchSession {
		w := daemon.NewFileWatcher(cfg.Auth.TokenFile, daemon.TriggerSession)
		w.Logger = logger
		d.AddSource(w)
	}
}

// noChannels stands in for the realtime manager when subscriptions are off.
type noChannels struct{}

func (noChannels) SubscribeAll(context.Context) error { return nil }
func (noChannels) Unsubscribe(context.Context) error  { return nil }

func init() {
	rootCmd.AddCommand(daemonCmd)
}
