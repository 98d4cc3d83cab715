package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fithublabs/gatekeeper/internal/alerts"
	"github.com/fithublabs/gatekeeper/internal/api"
	"github.com/fithublabs/gatekeeper/internal/channel"
	"github.com/fithublabs/gatekeeper/internal/channel/transport"
	"github.com/fithublabs/gatekeeper/internal/common/cnst"
	"github.com/fithublabs/gatekeeper/internal/common/config"
	"github.com/fithublabs/gatekeeper/internal/common/errorx"
	"github.com/fithublabs/gatekeeper/internal/scan"
	"github.com/fithublabs/gatekeeper/internal/session"
	"github.com/fithublabs/gatekeeper/pkg/logger"
	"github.com/fithublabs/gatekeeper/pkg/metrics"
	"github.com/fithublabs/gatekeeper/pkg/trace"
	"github.com/fithublabs/gatekeeper/pkg/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	email      string
	password   string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of gate-agent",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gate-agent version %s\n", version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "gate-agent",
		Short: "Gym front-desk gate agent",
		Long: `gate-agent is the terminal access-control agent: it signs the operator in,
holds the live event channel to the backend, aggregates check-in and
access-denied alerts, and submits scanned member credentials for an
entry decision. Tokens are read one per line from stdin.`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", cnst.AgentYaml, "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&email, "email", os.Getenv("GATE_EMAIL"), "operator email used when no stored session exists")
	rootCmd.PersistentFlags().StringVar(&password, "password", os.Getenv("GATE_PASSWORD"), "operator password used when no stored session exists")
	rootCmd.AddCommand(versionCmd)
}

func run() {
	cfg, cfgPath, err := config.LoadConfig[config.AgentConfig](configPath)
	if err != nil {
		log.Fatalf("failed to load configuration from %s: %v", cfgPath, err)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	lg.Info("starting gate-agent",
		zap.String("version", version.Get()),
		zap.String("conf", cfgPath),
		zap.String("base_url", cfg.Server.BaseURL))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Trace, lg)
	if err != nil {
		lg.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			lg.Error("failed to shutdown tracing", zap.Error(err))
		}
	}()

	m := metrics.New(cfg.Metrics)
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			lg.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.Addr))
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				lg.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	// the token holder is the one shared credential: the session manager
	// writes it, the API client and transports read it
	tokens := session.NewTokenHolder()
	client := api.NewClient(cfg.Server.BaseURL, tokens, lg, api.WithTimeout(cfg.Server.Timeout))
	sessions := session.NewManager(client, session.NewFileStore(cfg.Session.StatePath), tokens, lg)

	ch := channel.NewManager(channelFactory(cfg, tokens, m, lg), m, lg)
	defer ch.Close()
	unbind := ch.BindSession(sessions)
	defer unbind()

	store, err := alerts.NewStore(cfg.Alerts.Store)
	if err != nil {
		lg.Fatal("failed to initialize alert store", zap.Error(err))
	}
	agg := alerts.NewAggregator(client, store, cfg.Alerts.PollInterval, cfg.Alerts.Window, m, lg)
	agg.OnUpdate(func(s alerts.Snapshot) {
		lg.Debug("alert view updated",
			zap.Int("alerts", len(s.Alerts)),
			zap.Int("unread", s.Unread))
	})

	// the aggregator lives exactly as long as an authenticated session; a
	// fresh login reopens the channel, so restart to re-subscribe
	unwatch := sessions.Watch(func(s session.Session) {
		agg.Stop()
		if s.Authenticated() {
			agg.Start(ctx, ch)
			return
		}
		agg.Reset(ctx)
	})
	defer unwatch()

	if restored := sessions.Restore(ctx); restored.Authenticated() {
		lg.Info("session restored", zap.String("email", restored.Identity.Email))
	} else if email != "" {
		if _, err := sessions.Login(ctx, email, password); err != nil {
			if errorx.IsBlocked(err) {
				lg.Fatal("organization is blocked, contact support", zap.Error(err))
			}
			lg.Fatal("login failed", zap.Error(err))
		}
		lg.Info("signed in", zap.String("email", email))
	} else {
		lg.Fatal("no stored session and no --email given")
	}

	workflow := scan.NewWorkflow(client, m, lg)
	resolved := make(chan scan.Attempt, 1)
	workflow.OnResolved(func(a scan.Attempt) { resolved <- a })

	go scanLoop(ctx, workflow, resolved, lg)

	<-ctx.Done()
	lg.Info("shutting down")
	workflow.Reset()
	agg.Stop()
}

// scanLoop drives one attempt at a time off stdin: start, wait for the
// outcome, render it, repeat. It exits when stdin closes or the agent stops.
func scanLoop(ctx context.Context, workflow *scan.Workflow, resolved <-chan scan.Attempt, lg *zap.Logger) {
	dec := scan.NewLineDecoder(os.Stdin)
	fmt.Println("ready: present a code (one token per line)")

	for {
		workflow.Start(ctx, dec)
		select {
		case <-ctx.Done():
			return
		case attempt := <-resolved:
			render(attempt)
			if errors.Is(attempt.Err, io.EOF) {
				lg.Info("input closed, scan loop stopped")
				return
			}
		}
	}
}

func render(a scan.Attempt) {
	switch {
	case a.Err != nil:
		fmt.Printf("scan failed: %v\n", a.Err)
	case a.Decision.AccessGranted:
		fmt.Printf("ACCESS GRANTED  %s", a.Decision.Member.Name)
		if a.Decision.Member.MembershipPlan != "" {
			fmt.Printf("  (%s)", a.Decision.Member.MembershipPlan)
		}
		fmt.Println()
	default:
		fmt.Printf("ACCESS DENIED   %s", a.Decision.Member.Name)
		if a.Decision.DenialReason != "" {
			fmt.Printf("  reason: %s", a.Decision.DenialReason)
		}
		fmt.Println()
	}
}

// channelFactory builds a fresh transport per channel incarnation. Each new
// session gets a websocket first; the composite falls back to polling when
// the dial keeps failing.
func channelFactory(cfg *config.AgentConfig, tokens transport.TokenSource, m *metrics.Metrics, lg *zap.Logger) channel.Factory {
	return func() transport.Interface {
		ws := transport.NewWebSocket(transport.WebSocketConfig{
			URL:          toWSURL(cfg.Server.SocketURL) + cnst.SocketPath,
			DialTimeout:  cfg.Channel.DialTimeout,
			PingInterval: cfg.Channel.PingInterval,
			ReconnectMin: cfg.Channel.ReconnectMin,
			ReconnectMax: cfg.Channel.ReconnectMax,
		}, lg)
		if cfg.Channel.DisableFallback {
			return ws
		}

		poll := transport.NewPolling(transport.PollingConfig{
			URL:      strings.TrimRight(cfg.Server.BaseURL, "/") + cnst.PollEventsPath,
			Interval: cfg.Channel.PollInterval,
			Timeout:  cfg.Server.Timeout,
		}, tokens, lg)

		auto := transport.NewAuto(ws, poll, cfg.Channel.FallbackAfter, lg)
		auto.SetSwitchHandler(func() {
			m.IncReconnect("polling-fallback")
		})
		return auto
	}
}

func toWSURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
