package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/banshee-data/presence.report/internal/advertmux"
	"github.com/banshee-data/presence.report/internal/api"
	"github.com/banshee-data/presence.report/internal/bus"
	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/ibeacon"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/presence"
	"github.com/banshee-data/presence.report/internal/timeutil"
	"github.com/banshee-data/presence.report/internal/version"
)

var (
	configPath  = pflag.StringP("config", "c", "", "Config file (.json, .jsonc, .yaml)")
	listen      = pflag.String("listen", config.DefaultListen, "Listen address")
	dbPath      = pflag.String("db", config.DefaultDBPath, "SQLite database path")
	source      = pflag.String("source", config.DefaultSource, "Advertisement source: hcidump, serial, file, pcap or disabled")
	sourcePath  = pflag.String("source-path", "", "Serial device, dump file or pcap file for the source")
	hciDevice   = pflag.String("hci-device", config.DefaultHCIDevice, "Bluetooth adapter for hcidump")
	lescan      = pflag.Bool("lescan", false, "Run hcitool lescan alongside hcidump")
	mqttBroker  = pflag.String("mqtt", "", "MQTT broker to read advertisements from, e.g. tcp://localhost:1883")
	devMode     = pflag.Bool("dev", false, "Replace the radio with synthetic advertisements for the configured beacons")
	verbose     = pflag.BoolP("verbose", "v", false, "Log every sighting")
	showVersion = pflag.Bool("version", false, "Print version and exit")
)

const (
	devInterval   = 5 * time.Second
	pruneInterval = time.Hour
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: presence [flags]\n       presence migrate <command>\n\nFlags:\n")
	pflag.PrintDefaults()
}

// Main
func main() {
	pflag.Usage = usage
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.String("presence"))
		return
	}
	monitoring.SetVerbose(*verbose)

	cfg, err := loadConfig(*configPath, pflag.CommandLine.Changed)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if args := pflag.Args(); len(args) > 0 {
		switch args[0] {
		case "migrate":
			if err := db.RunMigrateCommand(args[1:], cfg.GetDBPath(), os.Stdout); err != nil {
				log.Fatalf("Migration failed: %v", err)
			}
			return
		default:
			usage()
			log.Fatalf("unknown command %q", args[0])
		}
	}

	store, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	clock := timeutil.RealClock{}
	tracker := presence.NewTracker(cfg.TrackerConfig(), clock)
	n, err := loadRegistrations(tracker, store, cfg, clock.Now())
	if err != nil {
		log.Fatalf("Failed to load beacon registrations: %v", err)
	}
	log.Printf("tracking %d beacons (timeout %s, match %s)", n, cfg.GetTimeout(), cfg.GetMatchPolicy())
	transitions := subscribeTransitions(tracker)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	muxOpts := []advertmux.Option{
		advertmux.WithDecoder(ibeacon.NewDecoder(cfg.GetLegacySignedBytes())),
		advertmux.WithClock(clock),
	}
	var radio advertmux.AdvertMuxInterface
	if *devMode {
		radio, err = openSyntheticSource(cfg, clock, devInterval, muxOpts...)
	} else {
		radio, err = advertmux.Open(ctx, cfg.SourceConfig(), muxOpts...)
	}
	if err != nil {
		log.Fatalf("Failed to open advertisement source: %v", err)
	}
	defer radio.Close()

	// run the monitor routine to read the radio
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := radio.Monitor(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, advertmux.ErrSourceClosed):
			log.Printf("advertisement source finished")
		default:
			log.Printf("failed to monitor advertisement source: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// feed decoded advertisements to the tracker
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, c := radio.Subscribe()
		defer radio.Unsubscribe(id)
		for {
			select {
			case adv, ok := <-c:
				if !ok {
					return
				}
				ingest(tracker, store, clock, adv)
			case <-ctx.Done():
				log.Printf("subscribe routine terminated")
				return
			}
		}
	}()

	if m := cfg.GetMQTT(); m.Broker != "" {
		codec, err := ibeacon.CodecByName(cfg.GetCodec())
		if err != nil {
			log.Fatalf("Invalid codec: %v", err)
		}
		client, err := bus.Connect(ctx, bus.Config{Broker: m.Broker, Topic: m.Topic, ClientID: m.ClientID})
		if err != nil {
			log.Fatalf("Failed to connect to message bus: %v", err)
		}
		defer client.Disconnect(250)

		sub := bus.NewSubscriber(client, m.Topic, codec)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sub.Run(ctx, func(adv ibeacon.Advertisement) {
				ingest(tracker, store, clock, adv)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("message bus subscriber failed: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tracker.Run(ctx, cfg.GetSweepInterval()); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sweeper stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		transitions.run(ctx, store)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runPruner(ctx, store, clock, cfg.GetSightingRetention(), pruneInterval)
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(tracker, store, radio, clock).ServeMux()
		radio.AttachAdminRoutes(mux)
		if err := store.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach db admin routes: %v", err)
		}

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
