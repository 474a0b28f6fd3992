package mcppool

import (
	"testing"
	"time"
)

func TestConnectionStateTransitions(t *testing.T) {
	t.Parallel()

	legal := []struct{ from, to ConnectionState }{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnected, StateInitializing},
		{StateInitializing, StateReady},
		{StateReady, StateError},
		{StateConnecting, StateError},
		{StateError, StateConnecting},
		{StateReady, StateDisconnected},
	}
	for _, tc := range legal {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to ConnectionState }{
		{StateDisconnected, StateReady},
		{StateConnecting, StateReady},
		{StateConnected, StateReady},
		{StateReady, StateConnecting},
		{StateInitializing, StateConnected},
	}
	for _, tc := range illegal {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
}

func TestServerStatusTransitions(t *testing.T) {
	t.Parallel()

	cfg := ServerConfig{ID: "s1", Name: "Server One", Command: "/bin/server", Enabled: true}
	status := NewDisconnectedStatus(cfg)
	if status.State != StateDisconnected || status.ServerID != "s1" || status.Name != "Server One" {
		t.Fatalf("unexpected initial status: %+v", status)
	}

	status = status.WithConnecting(1)
	if status.State != StateConnecting || status.ConnectionAttempts != 1 {
		t.Fatalf("after connecting: %+v", status)
	}
	if status.LastConnectionAttempt.IsZero() {
		t.Fatalf("connecting must stamp the attempt time")
	}

	status = status.WithConnected(12 * time.Millisecond).WithInitializing().WithReady(20 * time.Millisecond)
	if status.State != StateReady || status.ResponseTime != 20*time.Millisecond {
		t.Fatalf("after ready: %+v", status)
	}

	before := status.LastHealthCheck
	status = status.WithHealthCheck(5 * time.Millisecond)
	if status.State != StateReady {
		t.Fatalf("health check must not change state, got %s", status.State)
	}
	if !status.LastHealthCheck.After(before) {
		t.Fatalf("health check timestamp not advanced")
	}

	failed := status.WithError("probe failed")
	if failed.State != StateError || failed.ErrorMessage != "probe failed" {
		t.Fatalf("after error: %+v", failed)
	}
	if failed.ConnectionAttempts != status.ConnectionAttempts+1 {
		t.Fatalf("error must increment attempts: %d -> %d", status.ConnectionAttempts, failed.ConnectionAttempts)
	}

	// The original status value is untouched by derivations.
	if status.State != StateReady {
		t.Fatalf("derivation mutated the source status: %+v", status)
	}
}
