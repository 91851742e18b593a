package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glassline-ai/mcpscope/internal/hub"
	"github.com/glassline-ai/mcpscope/internal/model"
)

func publishConsole(h *hub.Hub, msg string) {
	h.Publish(model.TimelineEvent{
		EventType:  model.EventConsoleLog,
		Actor:      model.ActorHostApp,
		ConsoleLog: &model.ConsoleLogPayload{Level: "info", Message: msg},
	})
}

// readEvents reads SSE data frames until count events arrive or the deadline
// passes. Heartbeat comments are skipped.
func readEvents(t *testing.T, scanner *bufio.Scanner, count int) []model.TimelineEvent {
	t.Helper()
	var events []model.TimelineEvent
	deadline := time.After(5 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(events) < count && scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev model.TimelineEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			events = append(events, ev)
		}
	}()
	select {
	case <-done:
	case <-deadline:
		t.Fatalf("timed out waiting for %d events, got %d", count, len(events))
	}
	return events
}

func TestStreamReplaysBufferThenLiveEvents(t *testing.T) {
	ts, h, _ := newTestServer(t, serverOpts{})

	// Events published before the client connects land in the replay buffer.
	publishConsole(h, "before 1")
	publishConsole(h, "before 2")
	publishConsole(h, "before 3")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)

	replay := readEvents(t, scanner, 3)
	assert.Equal(t, "before 1", replay[0].ConsoleLog.Message)
	assert.Equal(t, int64(1), replay[0].Sequence)
	assert.Equal(t, int64(3), replay[2].Sequence)

	// Live events continue the sequence with no gap and no duplicates.
	publishConsole(h, "after 1")
	publishConsole(h, "after 2")

	live := readEvents(t, scanner, 2)
	assert.Equal(t, int64(4), live[0].Sequence)
	assert.Equal(t, "after 1", live[0].ConsoleLog.Message)
	assert.Equal(t, int64(5), live[1].Sequence)
}

func TestStreamSequencesAreNonDecreasingAcrossBoundary(t *testing.T) {
	ts, h, _ := newTestServer(t, serverOpts{})

	for i := 0; i < 10; i++ {
		publishConsole(h, "early")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Keep publishing while the replay is being written.
	go func() {
		for i := 0; i < 10; i++ {
			publishConsole(h, "late")
		}
	}()

	events := readEvents(t, bufio.NewScanner(resp.Body), 20)
	var last int64
	for _, ev := range events {
		require.Greater(t, ev.Sequence, last, "sequence must strictly increase, got %d after %d", ev.Sequence, last)
		last = ev.Sequence
	}
	assert.Equal(t, int64(20), last)
}

func TestStreamHeartbeat(t *testing.T) {
	ts, _, _ := newTestServer(t, serverOpts{}) // 50ms heartbeat

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), ": heartbeat") {
			return
		}
	}
	t.Fatal("no heartbeat received before stream closed")
}

func TestStreamDisconnectUnsubscribes(t *testing.T) {
	ts, h, _ := newTestServer(t, serverOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	// Wait for the subscription to register, then drop the client.
	require.Eventually(t, func() bool { return h.Subscribers() == 1 },
		2*time.Second, 10*time.Millisecond)
	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool { return h.Subscribers() == 0 },
		2*time.Second, 10*time.Millisecond)

	// The hub is unaffected: publishing still works.
	publishConsole(h, "still alive")
	assert.Equal(t, int64(1), h.Published())
}
