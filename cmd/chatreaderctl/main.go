// Command chatreaderctl edits chatreader settings and tells a running daemon
// about the change over the bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/loqalabs/chatreader/internal/bus"
	"github.com/loqalabs/chatreader/internal/config"
	"github.com/loqalabs/chatreader/internal/settings"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

const sourceName = "chatreaderctl"

// app is the state shared by every subcommand.
type app struct {
	configPath string
	verbose    bool
	noNotify   bool
	stderr     io.Writer

	logger   *slog.Logger
	store    *settings.Store
	settings *settings.Settings
	bus      *bus.Client
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if closeErr := a.close(ctx); closeErr != nil {
		fmt.Fprintln(stderr, "Error:", closeErr)
		err = errors.Join(err, closeErr)
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "chatreaderctl",
		Short:        "Inspect and change chatreader settings",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := charmlog.WarnLevel
			if a.verbose {
				level = charmlog.DebugLevel
			}
			a.logger = slog.New(charmlog.NewWithOptions(a.stderr, charmlog.Options{Level: level, Prefix: sourceName}))
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "chatreader.yaml", "Path to configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Debug logging")
	root.PersistentFlags().BoolVar(&a.noNotify, "no-notify", false, "Do not announce changes on the bus")

	root.AddCommand(
		newEnableCmd(a, true),
		newEnableCmd(a, false),
		newStatusCmd(a),
		newVoiceCmd(a),
		newVolumeCmd(a),
		newFiltersCmd(a),
		newLogsCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

// open loads the config and settings store. With notify set it also connects
// to the bus so writes are announced; an unreachable bus is only a warning.
func (a *app) open(ctx context.Context, notify bool) (*settings.Settings, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Settings.Mode == "ephemeral" {
		return nil, errors.New("settings.mode is ephemeral; only the daemon process can see its settings")
	}

	store, err := settings.Open(ctx, cfg.Settings, a.logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.settings = settings.New(store, cfg.Settings.MaxLogEntries, a.logger)
	if err := a.settings.Load(ctx); err != nil {
		return nil, err
	}

	if notify && !a.noNotify {
		busCfg := cfg.Bus
		if busCfg.Embedded {
			busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
		}
		client, err := bus.Connect(ctx, busCfg, sourceName, a.logger)
		if err != nil {
			a.logger.Warn("bus unreachable, a running daemon will pick up the change on restart", slog.String("error", err.Error()))
		} else {
			a.bus = client
			a.settings.PublishChanges(client, sourceName)
		}
	}
	return a.settings, nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.bus != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.bus.Flush(flushCtx); err != nil {
			errs = append(errs, fmt.Errorf("flush bus: %w", err))
		}
		cancel()
		a.bus.Close()
		a.bus = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
		a.store = nil
	}
	return errors.Join(errs...)
}
