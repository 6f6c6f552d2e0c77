// ABOUTME: Minimal fake worker for E2E testing — serves /health and echoes commands.
// ABOUTME: Usage: fake-worker [-addr :8000] [-name python] [-register http://localhost:8010]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"
)

// commandPaths mirrors the endpoints the orchestrator dispatches to.
var commandPaths = []string{
	"/command", "/execute", "/navigate", "/send", "/analyze",
	"/repository/info", "/voice/command",
}

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	name := flag.String("name", "python", "worker service name")
	register := flag.String("register", "", "orchestrator base URL to register with (optional)")
	apiKey := flag.String("api-key", "", "API key for registration")
	delay := flag.Duration("delay", 50*time.Millisecond, "simulated processing delay")
	flag.Parse()

	if err := run(*addr, *name, *register, *apiKey, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr, name, register, apiKey string, delay time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "healthy", "service": name})
	})
	for _, path := range commandPaths {
		mux.HandleFunc("POST "+path, func(w http.ResponseWriter, r *http.Request) {
			var cmd struct {
				ID      string         `json:"id"`
				Command string         `json:"command"`
				Params  map[string]any `json:"parameters"`
			}
			if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			log.Printf("received command [%s]: %s %v", cmd.ID, cmd.Command, cmd.Params)
			time.Sleep(delay)
			writeJSON(w, map[string]any{
				"status":  "ok",
				"service": name,
				"echo":    cmd.Command,
				"path":    r.URL.Path,
			})
		})
	}

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if register != "" {
		if err := announce(ctx, register, apiKey, name, addr); err != nil {
			log.Printf("registration failed: %v", err)
		}
	}
	fmt.Fprintf(os.Stderr, "fake worker %q listening on %s\n", name, addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	return srv.Shutdown(shutCtx)
}

// announce registers this worker with a running orchestrator.
func announce(ctx context.Context, base, apiKey, name, addr string) error {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "http://localhost" + host
	} else if !strings.HasPrefix(host, "http") {
		host = "http://" + host
	}

	body, _ := json.Marshal(map[string]string{"name": name, "address": host})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(base, "/")+"/servers/register", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d from orchestrator", resp.StatusCode)
	}
	log.Printf("registered with %s as %q", base, name)
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
