// Command margin runs the annotation service: annotation records,
// mini-threads with token streaming, and the websocket event feed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/margin/pkg/api"
	"github.com/odvcencio/margin/pkg/bus"
	"github.com/odvcencio/margin/pkg/config"
	"github.com/odvcencio/margin/pkg/logging"
	"github.com/odvcencio/margin/pkg/storage"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "serve":
		if err := runServe(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("margin %s (%s, built %s)\n", version, commit, buildDate)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: margin [flags] <command>

Commands:
  serve     run the annotation service
  version   print version information

Flags:
`)
	flag.PrintDefaults()
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log.Dir, ulid.Make().String())
	if err != nil {
		return fmt.Errorf("open log dir: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Log.Level))

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	// With a NATS URL configured, storage mutations are mirrored onto the
	// bus so other processes can follow along; without one the websocket
	// feed is the only fan-out.
	if cfg.Bus.NATSURL != "" {
		msgBus, err := bus.NewNATSBus(bus.Config{URL: cfg.Bus.NATSURL, Name: "margin-serve"})
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer msgBus.Close()
		store.AddObserver(storage.ObserverFunc(func(event storage.Event) {
			data, err := json.Marshal(event)
			if err != nil {
				return
			}
			subject := bus.SubjectStoragePrefix + string(event.Type)
			if err := msgBus.Publish(context.Background(), subject, data); err != nil {
				logger.Warn(logging.CategoryNetwork, "bus_publish", err.Error(), map[string]any{
					"subject": subject,
				})
			}
		}))
	}

	srv := api.NewServer(api.ServerConfig{
		Bind:            cfg.Server.Bind,
		StreamHeartbeat: cfg.Server.StreamHeartbeat,
	}, store, &api.CannedResponder{}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	return g.Wait()
}
