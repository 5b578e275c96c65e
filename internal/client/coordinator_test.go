package client

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/duocam/duocam/internal/protocol"
)

// fakeRecorder counts recording callbacks.
type fakeRecorder struct {
	mu      sync.Mutex
	starts  int
	stops   int
	startAt []time.Time
}

func (f *fakeRecorder) OnRecordingStart() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.startAt = append(f.startAt, time.Now())
}

func (f *fakeRecorder) OnRecordingStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeRecorder) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// collectEvents records listener notifications.
type collectEvents struct {
	NopEvents
	mu       sync.Mutex
	terminal error
	errs     []error
}

func (c *collectEvents) ConnectionFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminal = err
}

func (c *collectEvents) Error(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collectEvents) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestComputeStartDelay(t *testing.T) {
	maxDelay := 5 * time.Second
	cases := []struct {
		name          string
		atomicStartMs int64
		localNowMs    int64
		offsetMs      float64
		want          time.Duration
	}{
		{"already past clamps to zero", 9500, 10000, 0, 0},
		{"plain future instant", 11200, 10000, 0, 1200 * time.Millisecond},
		{"device clock ahead", 11200, 10500, 500, 1200 * time.Millisecond},
		{"device clock behind", 11200, 9700, -300, 1200 * time.Millisecond},
		{"far future clamps to max", 60000, 10000, 0, 5 * time.Second},
		{"no offset stored defaults to zero", 10100, 10000, 0, 100 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := computeStartDelay(tc.atomicStartMs, tc.localNowMs, tc.offsetMs, maxDelay)
			if got != tc.want {
				t.Errorf("computeStartDelay() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBackoffDelaySequence(t *testing.T) {
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for i, w := range want {
		if got := backoffDelay(time.Second, i+1); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	rec := &fakeRecorder{}
	ev := &collectEvents{}
	// Port 1 refuses connections, so every redial fails immediately.
	c := New(DefaultConfig("ws://127.0.0.1:1/ws"), rec, ev)
	clock := clockwork.NewFakeClock()
	c.clock = clock

	attempts := func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.reconnectAttempts
	}

	// Walk the full backoff ladder through the real redial path: each
	// advance fires the armed timer, the dial fails, and the next attempt
	// is scheduled with a doubled delay.
	c.scheduleReconnect()
	for i := 1; i <= c.config.MaxReconnectAttempts; i++ {
		attempt := i
		waitFor(t, func() bool { return attempts() == attempt }, "reconnect attempt armed")
		clock.Advance(backoffDelay(c.config.ReconnectDelay, i))
	}

	waitFor(t, func() bool { return ev.terminalErr() != nil }, "terminal failure")
	if !errors.Is(ev.terminalErr(), ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", ev.terminalErr())
	}

	c.mu.Lock()
	timer := c.reconnectTimer
	c.mu.Unlock()
	if timer != nil {
		t.Error("no further attempt may be scheduled after exhaustion")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected after exhaustion, got %s", c.State())
	}

	// A manual reconnect after the terminal failure must not be refused as
	// already connected; here it fails on the dead address instead.
	err := c.Connect(t.Context(), "ABC123", true, "front")
	if errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("manual reconnect refused after terminal failure: %v", err)
	}
	if err == nil {
		t.Fatal("expected a dial failure against the dead address")
	}
}

func TestScheduledStartFires(t *testing.T) {
	rec := &fakeRecorder{}
	c := New(DefaultConfig("ws://unused"), rec, nil)
	clock := clockwork.NewFakeClock()
	c.clock = clock

	atomicStart := clock.Now().Add(1200 * time.Millisecond).UnixMilli()
	c.handleStartRecording(protocol.Message{
		Type:            protocol.TypeStartRecording,
		AtomicStartTime: protocol.Int64(atomicStart),
	})

	if starts, _ := rec.counts(); starts != 0 {
		t.Fatal("recording must not start before the atomic instant")
	}
	if c.State() != StateRecording {
		t.Error("state reports recording at scheduling time")
	}

	clock.Advance(1200 * time.Millisecond)
	waitFor(t, func() bool { starts, _ := rec.counts(); return starts == 1 }, "scheduled start")
}

func TestStartWithoutAtomicTimeFiresImmediately(t *testing.T) {
	rec := &fakeRecorder{}
	c := New(DefaultConfig("ws://unused"), rec, nil)
	c.clock = clockwork.NewFakeClock()

	c.handleStartRecording(protocol.Message{Type: protocol.TypeStartRecording})
	if starts, _ := rec.counts(); starts != 1 {
		t.Fatalf("expected immediate start, got %d", starts)
	}
}

func TestOverlappingStartReplacesPendingSchedule(t *testing.T) {
	rec := &fakeRecorder{}
	c := New(DefaultConfig("ws://unused"), rec, nil)
	clock := clockwork.NewFakeClock()
	c.clock = clock

	first := clock.Now().Add(1200 * time.Millisecond).UnixMilli()
	c.handleStartRecording(protocol.Message{AtomicStartTime: protocol.Int64(first)})

	clock.Advance(500 * time.Millisecond)
	second := clock.Now().Add(1200 * time.Millisecond).UnixMilli()
	c.handleStartRecording(protocol.Message{AtomicStartTime: protocol.Int64(second)})

	// Past the first schedule's instant: only the replacement is armed.
	clock.Advance(800 * time.Millisecond)
	if starts, _ := rec.counts(); starts != 0 {
		t.Fatalf("replaced schedule must not fire, got %d starts", starts)
	}

	clock.Advance(400 * time.Millisecond)
	waitFor(t, func() bool { starts, _ := rec.counts(); return starts == 1 }, "replacement start")
}

func TestStopCancelsPendingStart(t *testing.T) {
	rec := &fakeRecorder{}
	c := New(DefaultConfig("ws://unused"), rec, nil)
	clock := clockwork.NewFakeClock()
	c.clock = clock

	atomicStart := clock.Now().Add(1200 * time.Millisecond).UnixMilli()
	c.handleStartRecording(protocol.Message{AtomicStartTime: protocol.Int64(atomicStart)})
	c.handleMessage(protocol.Message{Type: protocol.TypeStopRecording})

	clock.Advance(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	starts, stops := rec.counts()
	if starts != 0 {
		t.Errorf("cancelled start must not fire, got %d", starts)
	}
	if stops != 1 {
		t.Errorf("expected 1 stop callback, got %d", stops)
	}
	if c.State() != StateConnected {
		t.Errorf("expected connected state after stop, got %s", c.State())
	}
}

func TestOffsetUpdateLastValueWins(t *testing.T) {
	c := New(DefaultConfig("ws://unused"), &fakeRecorder{}, nil)
	c.clock = clockwork.NewFakeClock()

	if _, _, ok := c.Offset(); ok {
		t.Fatal("no offset before the first update")
	}

	c.handleMessage(protocol.Message{
		Type:      protocol.TypeTimeSyncUpdate,
		OffsetMs:  protocol.Float64(120),
		LatencyMs: protocol.Float64(30),
	})
	c.handleMessage(protocol.Message{
		Type:      protocol.TypeTimeSyncUpdate,
		OffsetMs:  protocol.Float64(-45),
		LatencyMs: protocol.Float64(12),
	})

	offset, latency, ok := c.Offset()
	if !ok {
		t.Fatal("expected a stored offset")
	}
	if offset != -45 || latency != 12 {
		t.Errorf("expected the newest update to win, got offset=%v latency=%v", offset, latency)
	}
}

func TestStartRecordingWhileDisconnected(t *testing.T) {
	c := New(DefaultConfig("ws://unused"), &fakeRecorder{}, nil)

	if err := c.StartRecording(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := c.StopRecording(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectValidatesSessionCode(t *testing.T) {
	c := New(DefaultConfig("ws://unused"), &fakeRecorder{}, nil)
	if err := c.Connect(t.Context(), "bad", true, "front"); !errors.Is(err, ErrInvalidSessionCode) {
		t.Errorf("expected ErrInvalidSessionCode, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state must stay disconnected, got %s", c.State())
	}
}
