package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/earthring/netclient/internal/config"
	"github.com/earthring/netclient/internal/performance"
	"github.com/earthring/netclient/internal/protocol"
	"github.com/earthring/netclient/internal/session"
	"github.com/earthring/netclient/internal/transport"
)

// main runs a headless EarthRing client. It logs in with the configured
// credentials, keeps the chunk window around the spawn point loaded and
// relays stdin lines as chat. A /health endpoint reports sync state.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Logging.OutputPath != "" {
		f, err := os.OpenFile(cfg.Logging.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}
	if strings.EqualFold(cfg.Logging.Level, "debug") {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}

	profiler := performance.NewProfiler(cfg.Profiling.Enabled)
	world := newHeadlessWorld()
	client := session.New(cfg,
		session.WebSocketDialer(transport.OptionsFromConfig(cfg.Server)),
		world,
		session.WithProfiler(profiler),
		session.WithHandlers(session.Handlers{
			OnStateChange: func(state session.State) {
				log.Printf("[Client] State: %s", state)
			},
			OnChat: func(msg protocol.ChatMessage) {
				log.Printf("[Chat] %s: %s", msg.Sender, msg.Content)
			},
			OnError: func(err error) {
				log.Printf("[Client] Error: %v", err)
			},
			OnLoaded: func() {
				log.Printf("[Client] World loaded")
			},
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runTicker(ctx, client, cfg.Entities.UpdateInterval)
	})
	if cfg.Server.HealthAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Server.HealthAddr,
			Handler:           healthMux(client, world, profiler),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Printf("Health endpoint listening on %s", cfg.Server.HealthAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// stdin cannot be interrupted, so the reader stays outside the group
	go readChat(client, stop)

	if err := g.Wait(); err != nil {
		log.Printf("Client stopped: %v", err)
	}
	client.Dispose()
	profiler.LogReport()
}

// runTicker drives interpolation, chunk progress and pings
func runTicker(ctx context.Context, client *session.Session, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			client.Tick(now.Sub(last))
			last = now
		}
	}
}

// readChat sends each stdin line as chat. "/quit" stops the client.
func readChat(client *session.Session, quit func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			quit()
			return
		case line == "/reconnect":
			if err := client.Connect(context.Background()); err != nil {
				log.Printf("[Client] Reconnect failed: %v", err)
			}
		default:
			if err := client.SendChat(line); err != nil {
				log.Printf("[Client] Chat not sent: %v", err)
			}
		}
	}
}

func healthMux(client *session.Session, world *headlessWorld, profiler *performance.Profiler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if !client.IsAuthenticated() {
			status = http.StatusServiceUnavailable
		}
		body := map[string]interface{}{
			"service": "earthring-netclient",
			"session": client.Stats(),
			"world":   world.Summary(),
		}
		if profiler.IsEnabled() {
			if report, err := profiler.JSONReport(); err == nil {
				body["profile"] = json.RawMessage(report)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Printf("Failed to write health response: %v", err)
		}
	})
	return mux
}
