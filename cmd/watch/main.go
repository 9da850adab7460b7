// Watch follows the commander event stream and logs every incident event.
// It reconnects with backoff when the server goes away and exits once the
// reconnect budget is spent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/commander/internal/events"
	"github.com/linnemanlabs/commander/internal/subscriber"
)

const appName = "commander"
const component = "watch"

type watchConfig struct {
	URL              string
	Origin           string
	MaxAttempts      int
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	ShowEchoedEvents bool
}

func (c *watchConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.URL, "url", "ws://localhost:8080/ws", "event stream URL (ws:// or wss://)")
	fs.StringVar(&c.Origin, "origin", "", "Origin header sent on the handshake")
	fs.IntVar(&c.MaxAttempts, "reconnect-max-attempts", subscriber.DefaultMaxAttempts, "consecutive reconnect attempts before giving up (1..100)")
	fs.DurationVar(&c.InitialInterval, "reconnect-initial", subscriber.DefaultInitialInterval, "first reconnect delay")
	fs.DurationVar(&c.MaxInterval, "reconnect-max", subscriber.DefaultMaxInterval, "reconnect delay cap")
	fs.BoolVar(&c.ShowEchoedEvents, "show-echo", false, "log echo replies")
}

func (c *watchConfig) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("URL is required"))
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > 100 {
		errs = append(errs, fmt.Errorf("invalid RECONNECT_MAX_ATTEMPTS %d (must be 1..100)", c.MaxAttempts))
	}
	if c.InitialInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid RECONNECT_INITIAL %s (must be positive)", c.InitialInterval))
	}
	if c.MaxInterval < c.InitialInterval {
		errs = append(errs, fmt.Errorf("RECONNECT_MAX %s must not be below RECONNECT_INITIAL %s", c.MaxInterval, c.InitialInterval))
	}
	return errors.Join(errs...)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var (
		watchCfg watchConfig
		logCfg   log.Config
	)
	watchCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	flag.Parse()
	if showVersion {
		fmt.Printf("%s (%s) %s (commit=%s, go=%s)\n", vi.AppName, vi.Component, vi.Version, vi.Commit, vi.GoVersion)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "COMMANDER_WATCH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(watchCfg.Validate(), logCfg.Validate()); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	states := make(chan subscriber.State, 16)
	opts := []subscriber.Option{
		subscriber.WithLogger(L),
		subscriber.WithMaxAttempts(watchCfg.MaxAttempts),
		subscriber.WithBackoff(watchCfg.InitialInterval, watchCfg.MaxInterval),
		subscriber.WithStateChange(func(s subscriber.State) {
			select {
			case states <- s:
			default:
			}
		}),
	}
	if watchCfg.Origin != "" {
		opts = append(opts, subscriber.WithHeader(http.Header{"Origin": []string{watchCfg.Origin}}))
	}
	client := subscriber.New(watchCfg.URL, opts...)
	defer client.Disconnect()

	unregister := client.OnMessage(func(e events.Event) {
		if e.Type == events.TypeEcho && !watchCfg.ShowEchoedEvents {
			return
		}
		L.Info(ctx, "event", describe(e)...)
	})
	defer unregister()

	// a failed first dial is retried on the same schedule as a lost connection
	if err := client.Connect(ctx); err != nil {
		L.Warn(ctx, "initial connect failed", "error", err)
	}

	return watch(ctx, L, client, states)
}

// watch blocks until ctx is done or the client gives up reconnecting.
func watch(ctx context.Context, L log.Logger, client *subscriber.Client, states <-chan subscriber.State) error {
	for {
		if client.Exhausted() {
			return fmt.Errorf("event stream unreachable after %d reconnect attempts", client.Attempts())
		}
		select {
		case <-ctx.Done():
			L.Info(context.Background(), "shutdown signal received")
			return nil
		case s := <-states:
			L.Info(ctx, "connection state", "state", s.String())
		}
	}
}

// describe flattens the interesting fields of e into log key/value pairs.
func describe(e events.Event) []any {
	kv := []any{"type", string(e.Type), "at", e.Timestamp.Format(time.RFC3339)}

	switch e.Type {
	case events.TypeIncidentCreated, events.TypeIncidentResolved, events.TypeIncidentCompleted, events.TypeIncidentClosed:
		p, err := events.Decode[events.IncidentPayload](e)
		if err != nil || p.Incident == nil {
			return append(kv, "decode_error", errString(err))
		}
		kv = append(kv, "incident_id", p.Incident.ID, "status", string(p.Incident.Status))
		if p.Incident.Alert != nil {
			kv = append(kv, "alert_type", p.Incident.Alert.Type, "severity", p.Incident.Alert.Severity)
		}
	case events.TypeAgentProgress:
		p, err := events.Decode[events.AgentProgress](e)
		if err != nil {
			return append(kv, "decode_error", err.Error())
		}
		kv = append(kv, "incident_id", p.IncidentID, "agent", p.Agent, "progress", p.Progress)
	case events.TypeAgentCompleted:
		p, err := events.Decode[events.AgentCompleted](e)
		if err != nil {
			return append(kv, "decode_error", err.Error())
		}
		kv = append(kv, "incident_id", p.IncidentID, "agent", p.Agent, "status", string(p.Status), "duration_ms", p.DurationMS)
	case events.TypeAgentError:
		p, err := events.Decode[events.AgentError](e)
		if err != nil {
			return append(kv, "decode_error", err.Error())
		}
		kv = append(kv, "incident_id", p.IncidentID, "agent", p.Agent, "error", p.Error)
	case events.TypeSnapshot:
		p, err := events.Decode[events.Snapshot](e)
		if err != nil {
			return append(kv, "decode_error", err.Error())
		}
		kv = append(kv, "active", len(p.Active), "completed", len(p.Completed))
	case events.TypeSystemReset:
		p, err := events.Decode[events.SystemReset](e)
		if err != nil {
			return append(kv, "decode_error", err.Error())
		}
		kv = append(kv, "message", p.Message)
	}
	return kv
}

func errString(err error) string {
	if err == nil {
		return "missing incident"
	}
	return err.Error()
}
