// Command computed runs inside the sandbox: it dials out to the control
// plane, keeps the tunnel alive with exponential-backoff reconnects, and
// serves process, filesystem, deploy, and reverse-proxy requests.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/obot-platform/workbench/internal/compute"
	"github.com/obot-platform/workbench/internal/computecfg"
	"github.com/obot-platform/workbench/internal/logging"
	"github.com/obot-platform/workbench/internal/process"
	"github.com/obot-platform/workbench/internal/tunnel"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := computecfg.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Close() }()

	defaultEnv, err := loadDefaultEnv(cfg)
	if err != nil {
		log.Error("failed to load default environment", "error", err)
		os.Exit(1)
	}

	// One manager for the life of the daemon: processes survive tunnel
	// reconnects.
	manager := process.NewManager(log, defaultEnv)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-shutdown
		log.Info("shutting down")
		cancel()
	}()

	runTunnelLoop(ctx, cfg, log, manager)
	manager.Shutdown()
	log.Info("shutdown complete")
}

// runTunnelLoop dials the control plane and serves one connection at a time,
// backing off exponentially between attempts and resetting the backoff after
// a healthy session.
func runTunnelLoop(ctx context.Context, cfg *computecfg.Config, log *logging.Logger, manager *process.Manager) {
	backoff := cfg.Control.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := serveConnection(ctx, cfg, log, manager)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("tunnel connection ended", "error", err)
		}

		// A session that lasted past the backoff ceiling was healthy;
		// start the ladder over.
		if time.Since(start) > cfg.Control.ReconnectMax {
			backoff = cfg.Control.ReconnectMin
		}

		log.Info("reconnecting", "in", backoff.String())
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > cfg.Control.ReconnectMax {
			backoff = cfg.Control.ReconnectMax
		}
	}
}

// serveConnection dials the control plane once and pumps messages until the
// socket drops or ctx is cancelled.
func serveConnection(ctx context.Context, cfg *computecfg.Config, log *logging.Logger, manager *process.Manager) error {
	header := http.Header{}
	if cfg.Control.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Control.Token)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, 30*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, cfg.Control.URL, header)
	cancelDial()
	if err != nil {
		return fmt.Errorf("dial control plane: %w", err)
	}
	defer conn.Close()
	log.Info("connected to control plane", "url", cfg.Control.URL)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	// gorilla allows one concurrent writer; the session's sink serializes
	// through this channel. Late writes from handlers racing teardown fail
	// on the cancelled context instead of a torn-down pump.
	writes := make(chan []byte, 64)
	go func() {
		for {
			select {
			case data := <-writes:
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					connCancel()
					return
				}
			case <-connCtx.Done():
				return
			}
		}
	}()

	session := tunnel.NewSession(func(data []byte) error {
		select {
		case writes <- data:
			return nil
		case <-connCtx.Done():
			return fmt.Errorf("connection closed")
		}
	}, tunnel.Options{
		Side:            tunnel.Responder,
		MaxFramePayload: cfg.Control.MaxFramePayload,
	})

	server := compute.NewServer(session, manager, log, compute.Options{
		CreateDeployment: deploymentFunc(cfg, log),
	})
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Close()
	defer session.Close()

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := session.HandleMessage(data); err != nil {
			log.Warn("failed to handle tunnel message", "error", err)
		}
	}
}

// deploymentFunc uploads deploy archives to the configured endpoint, or is
// nil when deployments are not configured (the server then rejects the op).
func deploymentFunc(cfg *computecfg.Config, log *logging.Logger) compute.CreateDeploymentFunc {
	if cfg.Deploy.UploadURL == "" {
		return nil
	}
	return func(ctx context.Context, name string, archive io.Reader) (json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, cfg.Deploy.UploadURL, archive)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/gzip")
		req.Header.Set("X-Deployment-Name", name)
		if cfg.Deploy.Token != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.Deploy.Token)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("deployment upload failed: %s: %s", resp.Status, body)
		}
		log.Info("deployment uploaded", "name", name)
		if json.Valid(body) {
			return body, nil
		}
		return json.Marshal(map[string]string{"status": resp.Status})
	}
}

// loadDefaultEnv merges cfg.Env.File under cfg.Env.Vars.
func loadDefaultEnv(cfg *computecfg.Config) (map[string]string, error) {
	env := make(map[string]string)
	if cfg.Env.File != "" {
		fileEnv, err := godotenv.Read(cfg.Env.File)
		if err != nil {
			return nil, err
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for k, v := range cfg.Env.Vars {
		env[k] = v
	}
	return env, nil
}
