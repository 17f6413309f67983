package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/locomotion-timeline/internal/config"
	"github.com/banshee-data/locomotion-timeline/internal/dashboard"
	"github.com/banshee-data/locomotion-timeline/internal/db"
	"github.com/banshee-data/locomotion-timeline/internal/engine"
	"github.com/banshee-data/locomotion-timeline/internal/ingest"
	"github.com/banshee-data/locomotion-timeline/internal/locomotion"
	"github.com/banshee-data/locomotion-timeline/internal/notify"
	"github.com/banshee-data/locomotion-timeline/internal/notify/grpcrelay"
	"github.com/banshee-data/locomotion-timeline/internal/serialmux"
	"github.com/banshee-data/locomotion-timeline/internal/version"
)

var (
	devMode      = flag.Bool("dev", false, "Run against a mock GPS device fed from -fixtures instead of a real serial port")
	fixturesPath = flag.String("fixtures", "fixtures.txt", "NMEA sentence log to replay in -dev mode")
	listen       = flag.String("listen", ":8080", "Listen address")
	port         = flag.String("port", "/dev/ttyUSB0", "Serial port the GPS receiver is attached to")
	disableGPS   = flag.Bool("disable-gps", false, "Disable the GPS serial port (serve the existing database only)")
	dbPathFlag   = flag.String("db-path", "timeline.db", "Path to sqlite DB file")
	source       = flag.String("source", "default", "Source identifier for this device's timeline, for multi-device setups")
	configFile   = flag.String("config", config.DefaultConfigPath, "Path to JSON tuning configuration file")
	dashboardOn  = flag.Bool("dashboard", false, "Mount the diagnostics dashboard at /debug/dashboard")
	speedUnits   = flag.String("speed-units", "kmph", "Speed units for the dashboard brain chart (mps, mph, kmph, kph)")
	relayOn      = flag.Bool("grpc-relay", false, "Fan out notifications to cross-process gRPC subscribers")
	relayAddr    = flag.String("grpc-relay-addr", grpcrelay.DefaultConfig().ListenAddr, "Listen address for the gRPC notification relay")
	versionFlag  = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("timelineengine v%s (git SHA: %s)\n", version.Version, version.GitSHA)
		os.Exit(0)
	}

	if flag.NArg() > 0 && flag.Arg(0) == "migrate" {
		migrateFlags := flag.NewFlagSet("migrate", flag.ExitOnError)
		migrateDBPath := migrateFlags.String("db-path", *dbPathFlag, "path to sqlite DB file")
		if err := migrateFlags.Parse(flag.Args()[1:]); err != nil {
			log.Fatalf("failed to parse migrate flags: %v", err)
		}
		db.RunMigrateCommand(migrateFlags.Args(), *migrateDBPath)
		return
	}

	if *listen == "" {
		log.Fatal("listen address is required")
	}

	tuning, err := loadTuning(*configFile)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}

	database, err := db.NewDB(*dbPathFlag)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	bus := notify.NewBus()
	defer bus.Close()

	eng := engine.New(tuning, database, bus, *source)
	eng.Start(time.Now())

	var history *dashboard.History
	if *dashboardOn {
		history = dashboard.NewHistory()
		eng.OnSample = func(sample *locomotion.Sample) {
			if sample == nil {
				return
			}
			history.Record(dashboard.BrainPoint{
				Time:        sample.Date,
				RadiusM:     eng.Brain.Present().Radius(),
				SpeedMPS:    eng.Brain.Present().Speed(),
				MovingState: sample.MovingState,
			})
		}
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mux serialmux.SerialMuxInterface
	if !*disableGPS {
		mux, err = newSerialMux(*devMode, *fixturesPath, *port)
		if err != nil {
			log.Fatalf("failed to open GPS serial port: %v", err)
		}
		defer mux.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mux.Monitor(ctx); err != nil && err != context.Canceled {
				log.Printf("serial monitor terminated: %v", err)
			}
		}()

		if err := mux.Initialize(); err != nil {
			log.Printf("warning: failed to initialize GPS receiver: %v", err)
		}

		ingestor := ingest.New(eng.Brain)
		id, lines := mux.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer mux.Unsubscribe(id)
			for {
				select {
				case line, ok := <-lines:
					if !ok {
						return
					}
					if serialmux.ClassifyPayload(line) == serialmux.EventTypeAck {
						_ = serialmux.HandleAck(line)
						continue
					}
					ingestor.Feed(line)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	if *relayOn {
		relayCfg := grpcrelay.DefaultConfig()
		relayCfg.ListenAddr = *relayAddr
		relay := grpcrelay.New(bus, relayCfg)
		if err := relay.Start(); err != nil {
			log.Fatalf("failed to start gRPC notification relay: %v", err)
		}
		defer relay.Stop()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx, tuning.GetDurationBetween()); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
			log.Printf("engine run loop terminated: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runHTTPServer(ctx, database, mux, history)
	}()

	wg.Wait()
	log.Printf("graceful shutdown complete")
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("tuning config %q not found, using built-in defaults", path)
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

func newSerialMux(dev bool, fixturesPath, portPath string) (serialmux.SerialMuxInterface, error) {
	if dev {
		data, err := os.ReadFile(fixturesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read fixtures file %q: %w", fixturesPath, err)
		}
		return serialmux.NewMockSerialMux(data), nil
	}
	return serialmux.NewRealSerialMux(portPath, serialmux.PortOptions{})
}

// runHTTPServer serves admin/debug routes until ctx is cancelled.
func runHTTPServer(ctx context.Context, database *db.DB, mux serialmux.SerialMuxInterface, history *dashboard.History) {
	serveMux := http.NewServeMux()

	database.AttachAdminRoutes(serveMux)
	if mux != nil {
		mux.AttachAdminRoutes(serveMux)
	}
	if history != nil {
		dashboard.NewServer(history, database, *source).WithSpeedUnits(*speedUnits).AttachRoutes(serveMux)
	}

	server := &http.Server{Addr: *listen, Handler: serveMux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start HTTP server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
}
