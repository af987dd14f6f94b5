package telemetry

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alephrt/shmrt/config"
)

func observer(t *testing.T, sock string) (<-chan Event, func()) {
	t.Helper()
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	events := make(chan Event, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var env struct {
				Kind  int   `json:"kind"`
				Value Event `json:"value"`
			}
			if json.Unmarshal(scanner.Bytes(), &env) == nil && env.Kind == 0 {
				events <- env.Value
			}
		}
	}()
	return events, func() { ln.Close() }
}

func TestSinkBatchesEnvelopeLinesToObserver(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "obs.sock")
	events, stop := observer(t, sock)
	defer stop()

	s := NewSink(config.TelemetryConfig{Socket: sock, BufferSize: 16, FlushIntervalMS: 20})
	defer s.Close()

	s.GCCycle(3)
	s.BarrierCohort(1)
	s.ChannelClosed(8, 100)

	got := map[string]Event{}
	for len(got) < 3 {
		select {
		case ev := <-events:
			got[ev.Kind] = ev
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d/3 events arrived: %v", len(got), got)
		}
	}
	require.Equal(t, float64(3), got["gc_cycle"].Payload.(map[string]any)["cycles"])
	require.Equal(t, float64(100), got["channel_closed"].Payload.(map[string]any)["delivered"])
	require.NotZero(t, got["barrier_cohort"].AtUnixMS)
}

func TestSinkFlushesQueueOnClose(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "obs.sock")
	events, stop := observer(t, sock)
	defer stop()

	// Long flush interval: only Close can be what drains the queue.
	s := NewSink(config.TelemetryConfig{Socket: sock, BufferSize: 16, FlushIntervalMS: 60_000})
	s.Emit("final", nil)
	s.Close()

	select {
	case ev := <-events:
		require.Equal(t, "final", ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("event queued before Close never flushed")
	}
}

func TestDisabledSinkIsNoOp(t *testing.T) {
	s := NewSink(config.TelemetryConfig{})
	s.GCCycle(1)
	s.Close()
	s.Close() // idempotent
}

func TestSinkWithoutObserverDropsQuietly(t *testing.T) {
	s := NewSink(config.TelemetryConfig{
		Socket:          filepath.Join(t.TempDir(), "nobody.sock"),
		BufferSize:      2,
		FlushIntervalMS: 10,
	})
	for i := 0; i < 50; i++ {
		s.Emit("noise", i)
	}
	done := make(chan struct{})
	go func() { s.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close hung with no observer present")
	}
}
