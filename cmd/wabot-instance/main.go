package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"codeberg.org/mutker/wabot-instance/internal/config"
	"codeberg.org/mutker/wabot-instance/internal/control"
	"codeberg.org/mutker/wabot-instance/internal/errors"
	"codeberg.org/mutker/wabot-instance/internal/fleet"
	"codeberg.org/mutker/wabot-instance/internal/guard"
	"codeberg.org/mutker/wabot-instance/internal/journal"
	"codeberg.org/mutker/wabot-instance/internal/logger"
	"codeberg.org/mutker/wabot-instance/internal/pid"
	"codeberg.org/mutker/wabot-instance/internal/protocol"
	_ "codeberg.org/mutker/wabot-instance/internal/protocol/loopback"
	"codeberg.org/mutker/wabot-instance/internal/router"
	"codeberg.org/mutker/wabot-instance/internal/session"
	"codeberg.org/mutker/wabot-instance/internal/supervisor"
	"golang.org/x/sync/errgroup"
)

var (
	cfg         *config.Config
	layout      session.Layout
	instanceLog logger.Logger

	store    *session.Repository
	recorder journal.Recorder

	cleanupOnce sync.Once
)

func init() {
	var err error
	cfg, err = config.Load(os.Args[1:])
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	instanceLog = logger.For(cfg.InstanceID)
	instanceLog.Debug().Msg("Config loaded")
}

func main() {
	os.Exit(run())
}

func run() int {
	errFactory := errors.New()

	layout = session.NewLayout(cfg.InstancesDir, cfg.InstanceID)
	if err := layout.Ensure(cfg.TemplateDir); err != nil {
		logFailure(errFactory.Wrap(errors.ErrInitApp, err), "prepare instance directory")
		return 1
	}

	if err := pid.Write(layout.Root); err != nil {
		logFailure(errFactory.Wrap(errors.ErrInitApp, err), "write pid file")
		return 1
	}
	defer cleanup()

	var err error
	store, err = session.NewRepository(layout, instanceLog)
	if err != nil {
		logFailure(errFactory.Wrap(errors.ErrInitApp, err), "open credential store")
		return 1
	}

	journalCfg := journal.DefaultConfig(layout.DataDir)
	journalCfg.Enabled = cfg.Journal
	recorder, err = journal.NewService(journalCfg, instanceLog)
	if err != nil {
		logFailure(errFactory.Wrap(errors.ErrInitApp, err), "open journal")
		return 1
	}

	dialer, err := protocol.Lookup(cfg.Protocol)
	if err != nil {
		logFailure(errFactory.Wrap(errors.ErrInitApp, err), "select protocol driver")
		return 1
	}

	commands := fleet.NewCommands(
		fleet.NewClient(cfg.BackendURL, nil),
		fleet.NewOperator(cfg.SudoNumber),
		cfg.CommandPrefix,
		instanceLog,
	)
	messages := router.New(router.Config{Options: router.Options{Restricted: cfg.Restricted}}, commands, nil, instanceLog)

	sup, err := supervisor.New(supervisor.Options{
		Identity:             cfg.Identity,
		Dialer:               dialer,
		Store:                store,
		Tap:                  messages,
		Logger:               instanceLog,
		BotName:              cfg.BotName,
		CommandPrefix:        cfg.CommandPrefix,
		SettleDelay:          cfg.SettleDelay,
		ReconnectDelay:       cfg.ReconnectDelay,
		RegenerateTimeout:    cfg.RegenerateTimeout,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		logFailure(errFactory.Wrap(errors.ErrInitApp, err), "create supervisor")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	server := control.New(control.DefaultConfig(cfg.ControlPort), sup, recorder, func() {
		instanceLog.Info().Msg("Stopping instance on request")
		cancel()
	}, instanceLog)

	memGuard := guard.New(cfg, instanceLog)
	memGuard.Exit = func(code int) {
		cleanup()
		os.Exit(code)
	}

	transitions, unsubscribe := sup.Subscribe()

	instanceLog.Info().
		Str("phone_number", cfg.PhoneNumber).
		Int("control_port", cfg.ControlPort).
		Str("protocol", cfg.Protocol).
		Bool("restricted", cfg.Restricted).
		Msg("Starting instance")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return messages.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return memGuard.Run(gctx) })
	g.Go(func() error {
		defer unsubscribe()
		recordTransitions(gctx, transitions)
		return nil
	})

	if err := g.Wait(); err != nil {
		logFailure(errFactory.Wrap(errors.ErrMainLoop, err), "run")
		return 1
	}

	return 0
}

// recordTransitions appends every supervisor transition to the journal.
func recordTransitions(ctx context.Context, transitions <-chan supervisor.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			if err := recorder.Record(ctx, &journal.Entry{
				Timestamp: tr.At,
				From:      tr.FromStatus,
				To:        tr.ToStatus,
				Attempt:   tr.Attempt,
				Reason:    tr.Reason,
			}); err != nil {
				instanceLog.Warn().Err(err).Msg("Failed to record transition")
			}
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	instanceLog.Info().Msg("Received termination signal.")
	cancel()
}

func cleanup() {
	cleanupOnce.Do(func() {
		if recorder != nil {
			if err := recorder.Close(); err != nil {
				instanceLog.Error().Err(err).Msg("failed to close journal")
			}
		}
		if store != nil {
			if err := store.Close(); err != nil {
				instanceLog.Error().Err(err).Msg("failed to close credential store")
			}
		}
		if err := pid.Remove(layout.Root); err != nil {
			instanceLog.Error().Err(err).Msg("failed to remove pid file")
		}
		instanceLog.Info().Msg("Exiting...")
	})
}

func logFailure(err errors.Error, operation string) {
	instanceLog.ErrorWithContext(err, "main", operation).Msg("Instance failed")
}
