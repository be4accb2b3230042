package session

import (
	"testing"
	"time"
)

func TestOptions_HeartbeatIntervalBelowTimeout(t *testing.T) {
	tests := []struct {
		name     string
		in       Options
		interval time.Duration
		timeout  time.Duration
	}{
		{"defaults", Options{}, 10 * time.Second, 30 * time.Second},
		{"explicit", Options{HeartbeatInterval: time.Second, HeartbeatTimeout: 5 * time.Second}, time.Second, 5 * time.Second},
		{"short timeout", Options{HeartbeatTimeout: 6 * time.Second}, 2 * time.Second, 6 * time.Second},
		{"interval equals timeout", Options{HeartbeatInterval: 9 * time.Second, HeartbeatTimeout: 9 * time.Second}, 3 * time.Second, 9 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.withDefaults()
			if got.HeartbeatInterval != tt.interval || got.HeartbeatTimeout != tt.timeout {
				t.Fatalf("heartbeat = %v/%v, want %v/%v", got.HeartbeatInterval, got.HeartbeatTimeout, tt.interval, tt.timeout)
			}
		})
	}
}

func TestCoordinator_HeartbeatPolicy(t *testing.T) {
	h := newHarness(t, Options{HeartbeatTimeout: 90 * time.Millisecond})
	interval, timeout := h.c.HeartbeatPolicy()
	if interval != 30*time.Millisecond || timeout != 90*time.Millisecond {
		t.Fatalf("HeartbeatPolicy() = %v, %v, want 30ms, 90ms", interval, timeout)
	}
}
