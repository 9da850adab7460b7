package main

import (
	"context"
	"flag"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/commander/internal/alert"
	"github.com/linnemanlabs/commander/internal/events"
	"github.com/linnemanlabs/commander/internal/incident"
	"github.com/linnemanlabs/commander/internal/subscriber"
)

func kvMap(t *testing.T, kv []any) map[string]any {
	t.Helper()
	if len(kv)%2 != 0 {
		t.Fatalf("odd key/value list: %v", kv)
	}
	m := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	inc := &incident.Incident{
		ID:     incident.NewID(),
		Status: incident.StatusOpen,
		Alert:  &alert.Alert{Type: "cpu", Severity: alert.SeverityHigh},
	}

	tests := []struct {
		name  string
		event events.Event
		want  map[string]any
	}{
		{
			name:  "incident created",
			event: events.New(events.TypeIncidentCreated, events.IncidentPayload{Incident: inc}),
			want:  map[string]any{"incident_id": inc.ID, "status": "open", "alert_type": "cpu", "severity": "high"},
		},
		{
			name:  "agent error",
			event: events.New(events.TypeAgentError, events.AgentError{IncidentID: inc.ID, Agent: "classifier", Error: "boom"}),
			want:  map[string]any{"incident_id": inc.ID, "agent": "classifier", "error": "boom"},
		},
		{
			name:  "snapshot",
			event: events.New(events.TypeSnapshot, events.Snapshot{Active: []*incident.Incident{inc}}),
			want:  map[string]any{"active": 1, "completed": 0},
		},
		{
			name:  "reset",
			event: events.New(events.TypeSystemReset, events.SystemReset{Message: "cleared"}),
			want:  map[string]any{"message": "cleared"},
		},
		{
			name:  "incident without payload",
			event: events.New(events.TypeIncidentClosed, events.IncidentPayload{}),
			want:  map[string]any{"decode_error": "missing incident"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := kvMap(t, describe(tt.event))
			if got["type"] != string(tt.event.Type) {
				t.Errorf("type = %v, want %q", got["type"], tt.event.Type)
			}
			for k, want := range tt.want {
				if got[k] != want {
					t.Errorf("%s = %v, want %v", k, got[k], want)
				}
			}
		})
	}
}

func TestWatchConfig_Validate(t *testing.T) {
	t.Parallel()

	var c watchConfig
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if c.MaxAttempts != 5 || c.InitialInterval != time.Second || c.MaxInterval != 30*time.Second {
		t.Errorf("defaults = %d %s %s, want 5 1s 30s", c.MaxAttempts, c.InitialInterval, c.MaxInterval)
	}

	bad := watchConfig{MaxAttempts: 0, InitialInterval: 0, MaxInterval: -1}
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
	for _, sub := range []string{"URL", "RECONNECT_MAX_ATTEMPTS", "RECONNECT_INITIAL", "RECONNECT_MAX"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("error %q does not contain %q", err, sub)
		}
	}
}

func TestWatch_GivesUpWhenUnreachable(t *testing.T) {
	t.Parallel()

	// reserve a port and release it so nothing is listening
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	states := make(chan subscriber.State, 16)
	client := subscriber.New("ws://"+addr+"/ws",
		subscriber.WithMaxAttempts(2),
		subscriber.WithBackoff(time.Millisecond, 2*time.Millisecond),
		subscriber.WithStateChange(func(s subscriber.State) {
			select {
			case states <- s:
			default:
			}
		}),
	)
	defer client.Disconnect()

	_ = client.Connect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = watch(ctx, log.Nop(), client, states)
	if err == nil {
		t.Fatal("watch returned nil, want unreachable error")
	}
	if !strings.Contains(err.Error(), "after 2 reconnect attempts") {
		t.Errorf("error = %q, want attempt count", err)
	}
}

func TestWatch_StopsOnContext(t *testing.T) {
	t.Parallel()

	client := subscriber.New("ws://127.0.0.1:1/ws")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := watch(ctx, log.Nop(), client, make(chan subscriber.State)); err != nil {
		t.Errorf("watch() = %v, want nil on cancellation", err)
	}
}
