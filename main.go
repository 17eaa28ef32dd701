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

	"github.com/sentryline/gatewatch/internal/config"
	"github.com/sentryline/gatewatch/internal/db"
	"github.com/sentryline/gatewatch/internal/gate"
	"github.com/sentryline/gatewatch/internal/gate/pipeline"
	"github.com/sentryline/gatewatch/internal/gate/publish"
	"github.com/sentryline/gatewatch/internal/gate/source"
	"github.com/sentryline/gatewatch/internal/gate/storage/sqlite"
	"github.com/sentryline/gatewatch/internal/httputil"
	"github.com/sentryline/gatewatch/internal/version"
)

var (
	listen      = flag.String("listen", ":8081", "HTTP listen address")
	udpPort     = flag.Int("udp-port", 2377, "UDP port to listen for detection frames")
	udpAddress  = flag.String("udp-addr", "", "UDP bind address (default: listen on all interfaces)")
	pcapFile    = flag.String("pcap", "", "Replay frames from a PCAP file instead of listening (requires -tags=pcap build)")
	dbFile      = flag.String("db", "gatewatch.db", "Path to the SQLite database file")
	migrations  = flag.String("migrations", "internal/db/migrations", "Path to the schema migrations directory")
	tuningFile  = flag.String("config", "", "Path to a JSON tuning config (partial overrides allowed)")
	streamName  = flag.String("stream", "gate-0", "Stream name recorded with this session")
	rcvBuf      = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes (default 4MB)")
	logInterval = flag.Int("log-interval", 60, "Frame statistics logging interval in seconds")
	verbose     = flag.Bool("verbose", false, "Enable diagnostic logging")
	trace       = flag.Bool("trace", false, "Enable per-frame trace logging (very noisy)")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

// Default zones when no tuning config supplies polygons: the full frame
// is gate area, the left fifth is the guard anchor.
var (
	defaultGateArea = []gate.Point{
		{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1},
	}
	defaultGuardAnchor = []gate.Point{
		{X: 0, Y: 0}, {X: 0.2, Y: 0}, {X: 0.2, Y: 1}, {X: 0, Y: 1},
	}
)

func setupLogging() {
	var diag, traceW *os.File
	if *verbose || *trace {
		diag = os.Stderr
	}
	if *trace {
		traceW = os.Stderr
	}
	// The ops stream is always on; diag and trace are opt-in.
	if diag != nil && traceW != nil {
		gate.SetLogWriters(os.Stderr, diag, traceW)
		pipeline.SetLogWriters(os.Stderr, diag, traceW)
	} else if diag != nil {
		gate.SetLogWriters(os.Stderr, diag, nil)
		pipeline.SetLogWriters(os.Stderr, diag, nil)
	} else {
		gate.SetLogWriters(os.Stderr, nil, nil)
		pipeline.SetLogWriters(os.Stderr, nil, nil)
	}
	publish.SetLogWriter(os.Stderr)
}

func runMigrateCommand(gdb *db.DB, cmd string) error {
	switch cmd {
	case "up":
		return gdb.MigrateUp(*migrations)
	case "down":
		return gdb.MigrateDown(*migrations)
	case "version":
		version, dirty, err := gdb.MigrateVersion(*migrations)
		if err != nil {
			return err
		}
		log.Printf("schema version %d (dirty=%v)", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate command %q (want up, down, or version)", cmd)
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("gatewatch %s (commit %s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	setupLogging()

	if *listen == "" {
		log.Fatal("HTTP listen address is required")
	}

	gdb, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer gdb.Close()

	// "gatewatch migrate up|down|version" manages the schema and exits.
	if flag.Arg(0) == "migrate" {
		if err := runMigrateCommand(gdb, flag.Arg(1)); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	if err := gdb.MigrateUp(*migrations); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	gateCfg := gate.DefaultConfig()
	gateArea := defaultGateArea
	guardAnchor := defaultGuardAnchor
	if *tuningFile != "" {
		tuning, err := config.LoadTuningConfig(*tuningFile)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		tuning.Apply(&gateCfg)
		if len(tuning.GateAreaPolygon) > 0 {
			gateArea = tuning.GateAreaPolygon
		}
		if len(tuning.GuardAnchorPolygon) > 0 {
			guardAnchor = tuning.GuardAnchorPolygon
		}
		log.Printf("Loaded tuning config from %s", *tuningFile)
	}

	recorder, err := sqlite.NewRecorder(gdb, *streamName)
	if err != nil {
		log.Fatalf("Failed to start recording session: %v", err)
	}
	log.Printf("Recording session %s for stream %s", recorder.SessionID, *streamName)

	publisher := publish.NewPublisher()
	pipe, err := pipeline.New(pipeline.Config{
		Gate:         gateCfg,
		GateArea:     gateArea,
		GuardAnchor:  guardAnchor,
		SnapshotSink: publisher,
		EventSink:    recorder,
	})
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	stats := source.NewFrameStats()
	frames := source.NewChannelSource(256, stats)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Frame producer: either a PCAP replay or the live UDP listener.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if *pcapFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := source.ReadPCAPFile(ctx, *pcapFile, *udpPort, frames, stats); err != nil {
				log.Printf("PCAP replay error: %v", err)
			}
			// Give the pipeline a moment to drain buffered frames.
			time.Sleep(500 * time.Millisecond)
			cancelRun()
			log.Print("PCAP replay finished")
		}()
	} else {
		var udpListenAddr string
		if *udpAddress == "" {
			udpListenAddr = fmt.Sprintf(":%d", *udpPort)
		} else {
			udpListenAddr = fmt.Sprintf("%s:%d", *udpAddress, *udpPort)
		}
		listener := source.NewUDPListener(source.UDPListenerConfig{
			Address:     udpListenAddr,
			RcvBuf:      *rcvBuf,
			LogInterval: time.Duration(*logInterval) * time.Second,
			Stats:       stats,
			Sink:        frames,
			UDPPort:     *udpPort,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				log.Printf("UDP listener error: %v", err)
			}
			log.Print("UDP listener routine terminated")
		}()
	}

	// Pipeline worker: the single goroutine that mutates gate state.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipe.Run(runCtx, frames); err != nil && err != context.Canceled {
			log.Printf("pipeline error: %v", err)
		}
		log.Print("pipeline routine terminated")
	}()

	// Snapshot consumer: records the audit trail and keeps the latest
	// snapshot for the HTTP status endpoints.
	var snapMu sync.RWMutex
	var lastSnap gate.Snapshot
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			snap, err := publisher.Next(ctx)
			if err != nil {
				log.Print("snapshot consumer terminated")
				return
			}
			recorder.RecordSnapshot(snap)
			snapMu.Lock()
			lastSnap = snap
			snapMu.Unlock()
		}
	}()

	// HTTP status server
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				httputil.MethodNotAllowed(w)
				return
			}
			httputil.WriteJSONOK(w, map[string]string{
				"status":    "ok",
				"service":   "gatewatch",
				"version":   version.Version,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		})
		mux.HandleFunc("/api/snapshot", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				httputil.MethodNotAllowed(w)
				return
			}
			snapMu.RLock()
			snap := lastSnap
			snapMu.RUnlock()
			if snap.FrameID == 0 {
				httputil.NotFound(w, "no frames processed yet")
				return
			}
			httputil.WriteJSONOK(w, snap)
		})
		mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				httputil.MethodNotAllowed(w)
				return
			}
			published, dropped, delivered := publisher.Stats()
			httputil.WriteJSONOK(w, map[string]uint64{
				"published": published,
				"dropped":   dropped,
				"delivered": delivered,
			})
		})

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
		}

		go func() {
			log.Printf("Starting HTTP server on %s", *listen)
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

	// Wait for all goroutines to finish
	wg.Wait()

	if err := recorder.Close(); err != nil {
		log.Printf("Failed to close recording session: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
