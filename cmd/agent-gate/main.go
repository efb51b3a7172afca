// Command agent-gate runs the execution gateway: it terminates an
// agent's WebSocket session, evaluates every tool call against a
// declarative permission policy, and routes ask verdicts to a human
// over a messenger channel before anything downstream ever runs.
//
// Usage:
//
//	agent-gate serve --config gateway.yaml
//	agent-gate validate-policy --policy policy.yaml
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TorbenWetter/agent-gate/internal/config"
	"github.com/TorbenWetter/agent-gate/internal/executor"
	"github.com/TorbenWetter/agent-gate/internal/executor/homeassistant"
	"github.com/TorbenWetter/agent-gate/internal/gateway"
	"github.com/TorbenWetter/agent-gate/internal/log"
	"github.com/TorbenWetter/agent-gate/internal/messenger"
	"github.com/TorbenWetter/agent-gate/internal/messenger/slack"
	"github.com/TorbenWetter/agent-gate/internal/metrics"
	"github.com/TorbenWetter/agent-gate/internal/ratelimit"
	"github.com/TorbenWetter/agent-gate/internal/signature"
	"github.com/TorbenWetter/agent-gate/internal/store"
	"github.com/TorbenWetter/agent-gate/internal/validator"
	"github.com/TorbenWetter/agent-gate/pkg/policy"
)

// CLI is the top-level kong command tree.
type CLI struct {
	Serve          ServeCmd          `cmd:"" help:"Run the gateway server."`
	ValidatePolicy ValidatePolicyCmd `cmd:"" name:"validate-policy" help:"Parse and compile a policy document without running the gateway."`

	Dev bool `help:"Use a human-readable development logger instead of production JSON." `
}

// ServeCmd starts the gateway's WebSocket, health, and metrics listeners
// and blocks until SIGINT/SIGTERM.
type ServeCmd struct {
	Config string `short:"c" required:"" type:"path" help:"Path to the gateway config YAML."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	logger, err := log.New(cli.Dev)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	engine := policy.NewEngine()
	if err := engine.LoadFromFile(cfg.PolicyPath); err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	handlers := make(map[string]executor.ServiceHandler, len(cfg.Services))
	routes := make([]executor.Route, 0, len(cfg.Services))
	for name, svc := range cfg.Services {
		handlers[name] = homeassistant.New(svc.BaseURL, svc.Token)
		routes = append(routes, executor.Route{Prefix: svc.ToolPrefix, Service: name})
	}
	exec := executor.New(routes, handlers)
	defer exec.Close() //nolint:errcheck

	msn, err := buildMessenger(cfg.Messenger, logger)
	if err != nil {
		return fmt.Errorf("building messenger: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	g := gateway.New(gateway.Config{
		Logger:          logger,
		Engine:          engine,
		Validators:      validator.DefaultRegistry(),
		Signatures:      signature.DefaultRegistry(),
		Limiter:         ratelimit.New(cfg.RateLimit.MaxRequestsPerMinute, cfg.RateLimit.MaxPendingApprovals),
		Store:           st,
		Executor:        exec,
		Messenger:       msn,
		Metrics:         m,
		AgentToken:      cfg.AgentToken,
		ApprovalTimeout: time.Duration(cfg.Approval.TimeoutSeconds) * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := msn.Start(ctx); err != nil {
		return fmt.Errorf("starting messenger: %w", err)
	}
	if err := g.RearmPendingApprovals(ctx); err != nil {
		logger.Warn("failed to re-arm pending approvals from a previous run", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.ServeWebSocket)
	mux.HandleFunc("/healthz", g.HealthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		g.Shutdown(context.Background())
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Info("agent-gate listening", zap.String("addr", cfg.Listen), zap.Bool("insecure", cfg.Insecure))

	if cfg.Insecure {
		err = srv.ListenAndServe()
	} else {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func buildMessenger(cfg config.MessengerConfig, logger *zap.Logger) (messenger.Messenger, error) {
	switch cfg.Type {
	case "", "slack":
		return slack.New(cfg.BotToken, cfg.AppToken, cfg.Channel, cfg.AllowedUsers, logger), nil
	default:
		return nil, fmt.Errorf("unknown messenger type %q", cfg.Type)
	}
}

// ValidatePolicyCmd parses and compiles a policy document and reports
// success or the first compile error, without touching the network,
// the store, or any downstream service. Intended for CI and pre-deploy
// checks (spec §6.3's policy document is otherwise only validated at
// gateway startup).
type ValidatePolicyCmd struct {
	Policy string `short:"p" required:"" type:"path" help:"Path to the policy YAML to validate."`
}

func (c *ValidatePolicyCmd) Run(cli *CLI) error {
	engine := policy.NewEngine()
	if err := engine.LoadFromFile(c.Policy); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", c.Policy)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("agent-gate"),
		kong.Description("Execution gateway for untrusted AI agents."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
