package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/jockie/pkg/engine"
	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/metrics"
)

type fakeLink struct {
	id     string
	dialer *fakeDialer
	events chan engine.Event
	done   chan struct{}

	mu           sync.Mutex
	eventsClosed bool
	doneClosed   bool
	closed       bool
	pingErr      error
	pings        int
}

func (l *fakeLink) ID() string                  { return l.id }
func (l *fakeLink) SessionID() string           { return "session-" + l.id }
func (l *fakeLink) Events() <-chan engine.Event { return l.events }
func (l *fakeLink) Done() <-chan struct{}       { return l.done }

func (l *fakeLink) Send(ctx context.Context, guildID snowflake.ID, cmd engine.Command) error {
	if l.isClosed() {
		return &engine.LinkError{Kind: engine.LinkTransportClosed, Op: "send"}
	}
	return nil
}

func (l *fakeLink) LoadTracks(ctx context.Context, identifier string) (*engine.LoadResult, error) {
	return &engine.LoadResult{Type: engine.LoadEmpty}, nil
}

func (l *fakeLink) Ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pings++
	if l.closed {
		return &engine.LinkError{Kind: engine.LinkTransportClosed, Op: "ping"}
	}
	return l.pingErr
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if !l.eventsClosed {
		l.eventsClosed = true
		close(l.events)
	}
	if !l.doneClosed {
		l.doneClosed = true
		close(l.done)
	}
	l.dialer.linkClosed()
	return nil
}

func (l *fakeLink) emit(ev engine.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.eventsClosed {
		return false
	}
	l.events <- ev
	return true
}

// remoteClose simulates the engine dropping the socket.
func (l *fakeLink) remoteClose(code int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.eventsClosed {
		return
	}
	l.events <- engine.ClosedEvent{Code: code, Reason: "gone"}
	l.eventsClosed = true
	close(l.events)
}

// transportGone closes Done while events are still undelivered.
func (l *fakeLink) transportGone() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.doneClosed {
		l.doneClosed = true
		close(l.done)
	}
}

func (l *fakeLink) pingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pings
}

func (l *fakeLink) setPingErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pingErr = err
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failure  error
	failNext int
	noReady  bool
	block    chan struct{}
	links    []*fakeLink
	live     int
	maxLive  int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{}
}

func (d *fakeDialer) Dial(ctx context.Context) (engine.Link, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	block := d.block
	fail := d.failure
	if d.failNext > 0 {
		d.failNext--
		fail = &engine.ConnectError{Kind: engine.ConnectUnreachable}
	}
	noReady := d.noReady
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}

	l := &fakeLink{
		id:     fmt.Sprintf("link-%d", n),
		dialer: d,
		events: make(chan engine.Event, 128),
		done:   make(chan struct{}),
	}

	d.mu.Lock()
	d.links = append(d.links, l)
	d.live++
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
	d.mu.Unlock()

	if !noReady {
		l.emit(engine.ReadyEvent{SessionID: l.SessionID()})
	}
	return l, nil
}

func (d *fakeDialer) linkClosed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live--
}

func (d *fakeDialer) setFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failure = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) liveLinks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

func (d *fakeDialer) maxLiveLinks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLive
}

func (d *fakeDialer) link(t *testing.T, i int) *fakeLink {
	t.Helper()
	var l *fakeLink
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.links) > i {
			l = d.links[i]
			return true
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return l
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffUnit = time.Millisecond
	cfg.BackoffCap = 10 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.AckTimeout = 100 * time.Millisecond
	cfg.KeepaliveInterval = time.Hour
	cfg.KeepaliveTimeout = 100 * time.Millisecond
	cfg.SubscriberBuffer = 256
	return cfg
}

func newTestSupervisor(t *testing.T, cfg Config, dialer engine.Dialer) (*Supervisor, *metrics.Collector) {
	t.Helper()
	collector := metrics.NewCollector(logging.NullLogger(), nil)
	s, err := New(cfg, dialer, logging.NullLogger(), collector)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, collector
}

func nextTransition(t *testing.T, events <-chan Event, to State) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "subscription closed while waiting for %s", to)
			if ev.To == to {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for transition to %s", to)
		}
	}
}

func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, time.Millisecond,
		"supervisor never reached %s", want)
}

func TestConfig_Delay(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{100, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.Delay(tt.attempt))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxAttempts = -1
	cfg.BackoffUnit = 0
	cfg.KeepaliveFailureThreshold = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
	assert.Contains(t, err.Error(), "backoff_unit")
	assert.Contains(t, err.Error(), "keepalive_failure_threshold")
}

func TestNew_RejectsInvalidInput(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil, nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.AckTimeout = 0
	_, err = New(cfg, newFakeDialer(), nil, nil)
	assert.Error(t, err)
}

func TestSupervisor_StartReachesReady(t *testing.T) {
	dialer := newFakeDialer()
	s, collector := newTestSupervisor(t, testConfig(), dialer)

	assert.Equal(t, StateDisconnected, s.State())
	_, ok := s.CurrentLink()
	assert.False(t, ok)

	events, _ := s.Subscribe()
	require.NoError(t, s.Start(context.Background()))

	ev := nextTransition(t, events, StateConnecting)
	assert.Equal(t, StateDisconnected, ev.From)

	ev = nextTransition(t, events, StateReady)
	assert.Equal(t, StateConnecting, ev.From)
	assert.Equal(t, 0, ev.Attempt)
	assert.Equal(t, "link-1", ev.LinkID)

	assert.True(t, s.IsAvailable())
	link, ok := s.CurrentLink()
	require.True(t, ok)
	assert.Equal(t, "link-1", link.ID())

	st := s.Status()
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, 0, st.Attempt)
	assert.Equal(t, "link-1", st.LinkID)
	assert.Equal(t, "session-link-1", st.SessionID)

	attempts, ok := collector.Get("supervisor_connect_attempts_total", nil)
	require.True(t, ok)
	assert.Equal(t, float64(1), attempts.Value)

	// second start is a no-op
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, dialer.dialCount())
}

func TestSupervisor_ExhaustsAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3

	dialer := newFakeDialer()
	dialer.setFailure(&engine.ConnectError{Kind: engine.ConnectUnreachable, Address: "node"})
	s, _ := newTestSupervisor(t, cfg, dialer)

	events, _ := s.Subscribe()
	require.NoError(t, s.Start(context.Background()))

	var waits []Event
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.To == StateReconnectWait {
				waits = append(waits, ev)
			}
			done = ev.To == StateExhausted
		case <-time.After(2 * time.Second):
			t.Fatal("supervisor never exhausted")
		}
	}

	require.Len(t, waits, cfg.MaxAttempts+1)
	for i, ev := range waits {
		assert.Equal(t, i+1, ev.Attempt, "attempt grows by one per failure")
		assert.ErrorIs(t, ev.Err, engine.ErrUnreachable)
		if i < cfg.MaxAttempts {
			assert.Equal(t, cfg.Delay(i+1), ev.Delay)
		} else {
			assert.Zero(t, ev.Delay)
		}
	}
	assert.Equal(t, cfg.MaxAttempts+1, dialer.dialCount())
	assert.Equal(t, StateExhausted, s.State())
	assert.False(t, s.IsAvailable())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, cfg.MaxAttempts+1, dialer.dialCount(), "no automatic connects after exhaustion")

	dialer.setFailure(nil)
	require.NoError(t, s.ForceReconnect())
	waitForState(t, s, StateReady)
	assert.Equal(t, 0, s.Status().Attempt)
	assert.Equal(t, cfg.MaxAttempts+2, dialer.dialCount())
}

func TestSupervisor_ConnectErrorKinds(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(d *fakeDialer)
		wantErr error
	}{
		{
			name:    "auth rejected",
			setup:   func(d *fakeDialer) { d.setFailure(&engine.ConnectError{Kind: engine.ConnectAuthRejected}) },
			wantErr: engine.ErrAuthRejected,
		},
		{
			name:    "ready ack timeout",
			setup:   func(d *fakeDialer) { d.noReady = true },
			wantErr: engine.ErrConnectTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxAttempts = 0

			dialer := newFakeDialer()
			tt.setup(dialer)
			s, collector := newTestSupervisor(t, cfg, dialer)

			events, _ := s.Subscribe()
			require.NoError(t, s.Start(context.Background()))

			ev := nextTransition(t, events, StateReconnectWait)
			assert.ErrorIs(t, ev.Err, tt.wantErr)
			nextTransition(t, events, StateExhausted)

			assert.Equal(t, 0, dialer.liveLinks(), "failed link is torn down")
			failures := collector.ByName("supervisor_connect_failures_total")
			require.Len(t, failures, 1)
		})
	}
}

func TestSupervisor_ReconnectsAfterRemoteClose(t *testing.T) {
	dialer := newFakeDialer()
	s, _ := newTestSupervisor(t, testConfig(), dialer)

	events, _ := s.Subscribe()
	require.NoError(t, s.Start(context.Background()))
	nextTransition(t, events, StateReady)

	first := dialer.link(t, 0)
	first.remoteClose(1006)

	ev := nextTransition(t, events, StateReconnectWait)
	assert.Equal(t, StateReady, ev.From)
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, testConfig().Delay(1), ev.Delay)
	assert.ErrorIs(t, ev.Err, engine.ErrTransportClosed)
	assert.True(t, first.isClosed())

	ev = nextTransition(t, events, StateReady)
	assert.Equal(t, 0, ev.Attempt)
	assert.Equal(t, "link-2", ev.LinkID)
	assert.Equal(t, 1, dialer.maxLiveLinks())
}

func TestSupervisor_AtMostOneLiveLink(t *testing.T) {
	dialer := newFakeDialer()
	s, _ := newTestSupervisor(t, testConfig(), dialer)

	events, _ := s.Subscribe()
	require.NoError(t, s.Start(context.Background()))
	nextTransition(t, events, StateReady)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		dialer.link(t, i).remoteClose(1006)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.ForceReconnect()
		}()
		nextTransition(t, events, StateReady)
	}
	wg.Wait()
	waitForState(t, s, StateReady)

	assert.Equal(t, 1, dialer.maxLiveLinks())
}

func TestSupervisor_KeepaliveDegradesAndRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.KeepaliveInterval = 10 * time.Millisecond
	cfg.KeepaliveFailureThreshold = 5

	dialer := newFakeDialer()
	s, _ := newTestSupervisor(t, cfg, dialer)

	events, _ := s.Subscribe()
	require.NoError(t, s.Start(context.Background()))
	nextTransition(t, events, StateReady)
	link := dialer.link(t, 0)

	link.setPingErr(errors.New("no route"))
	ev := nextTransition(t, events, StateDegraded)
	assert.Equal(t, "keepalive failed", ev.Reason)
	assert.False(t, s.IsAvailable())
	_, ok := s.CurrentLink()
	assert.False(t, ok)

	link.setPingErr(nil)
	ev = nextTransition(t, events, StateReady)
	assert.Equal(t, StateDegraded, ev.From)
	assert.Equal(t, "keepalive recovered", ev.Reason)
	assert.Equal(t, 0, s.Status().KeepaliveFailures)

	link.setPingErr(errors.New("no route"))
	ev = nextTransition(t, events, StateReconnectWait)
	assert.Equal(t, StateDegraded, ev.From)
	assert.ErrorIs(t, ev.Err, errKeepaliveThreshold)
	assert.True(t, link.isClosed())

	ev = nextTransition(t, events, StateReady)
	assert.Equal(t, "link-2", ev.LinkID)
}

func TestSupervisor_KeepaliveSkipsDeadTransport(t *testing.T) {
	cfg := testConfig()
	cfg.KeepaliveInterval = 5 * time.Millisecond
	cfg.KeepaliveFailureThreshold = 1

	dialer := newFakeDialer()
	s, _ := newTestSupervisor(t, cfg, dialer)

	events, _ := s.Subscribe()
	require.NoError(t, s.Start(context.Background()))
	nextTransition(t, events, StateReady)
	link := dialer.link(t, 0)
	require.Eventually(t, func() bool { return link.pingCount() > 0 }, time.Second, time.Millisecond)

	link.transportGone()
	time.Sleep(20 * time.Millisecond)
	pings := link.pingCount()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, pings, link.pingCount(), "no pings on a link whose transport is gone")
	assert.Equal(t, 1, dialer.dialCount())

	// the loss still arrives through the event stream
	link.remoteClose(1006)
	ev := nextTransition(t, events, StateReconnectWait)
	assert.Equal(t, "engine closed link", ev.Reason)
}

func TestSupervisor_ForceReconnectWhileConnectingIsNoop(t *testing.T) {
	dialer := newFakeDialer()
	dialer.block = make(chan struct{})
	s, _ := newTestSupervisor(t, testConfig(), dialer)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateConnecting, s.State())

	assert.ErrorIs(t, s.ForceReconnect(), ErrReconnectInProgress)

	close(dialer.block)
	waitForState(t, s, StateReady)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestSupervisor_ForceReconnectReplacesLink(t *testing.T) {
	dialer := newFakeDialer()
	s, _ := newTestSupervisor(t, testConfig(), dialer)

	events, _ := s.Subscribe()
	require.NoError(t, s.Start(context.Background()))
	nextTransition(t, events, StateReady)
	first := dialer.link(t, 0)

	require.NoError(t, s.ForceReconnect())
	assert.True(t, first.isClosed(), "old link is closed before reconnecting")

	ev := nextTransition(t, events, StateConnecting)
	assert.Equal(t, "reconnect forced", ev.Reason)
	ev = nextTransition(t, events, StateReady)
	assert.Equal(t, "link-2", ev.LinkID)
	assert.Equal(t, 1, dialer.maxLiveLinks())
}

func TestSupervisor_ForceReconnectCancelsBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffUnit = time.Hour
	cfg.BackoffCap = time.Hour

	dialer := newFakeDialer()
	dialer.failNext = 1
	s, _ := newTestSupervisor(t, cfg, dialer)

	events, _ := s.Subscribe()
	require.NoError(t, s.Start(context.Background()))
	ev := nextTransition(t, events, StateReconnectWait)
	assert.Equal(t, time.Hour, ev.Delay)

	require.NoError(t, s.ForceReconnect())
	nextTransition(t, events, StateReady)
	assert.Equal(t, 2, dialer.dialCount())
}

func TestSupervisor_ForceReconnectErrors(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig(), newFakeDialer())
	assert.ErrorIs(t, s.ForceReconnect(), ErrNotStarted)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.ForceReconnect(), ErrClosed)
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
}

func TestSupervisor_DeliversEventsOnlyFromCurrentLink(t *testing.T) {
	dialer := newFakeDialer()
	s, _ := newTestSupervisor(t, testConfig(), dialer)

	var (
		mu         sync.Mutex
		fromFirst  int
		fromSecond int
		violations int
	)
	firstDelivered := make(chan struct{})
	var once sync.Once

	s.SetEventHandler(func(ev engine.Event) {
		start, ok := ev.(engine.TrackStartEvent)
		if !ok {
			return
		}
		current := s.Status().LinkID

		mu.Lock()
		if current != start.Track.Identifier {
			violations++
		}
		switch start.Track.Identifier {
		case "link-1":
			fromFirst++
		case "link-2":
			fromSecond++
		}
		mu.Unlock()

		once.Do(func() { close(firstDelivered) })
		time.Sleep(2 * time.Millisecond)
	})

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateReady)

	first := dialer.link(t, 0)
	for i := 0; i < 50; i++ {
		require.True(t, first.emit(engine.TrackStartEvent{GuildID: 1, Track: engine.Track{Identifier: "link-1"}}))
	}

	<-firstDelivered
	require.NoError(t, s.ForceReconnect())
	waitForState(t, s, StateReady)

	second := dialer.link(t, 1)
	require.True(t, second.emit(engine.TrackStartEvent{GuildID: 1, Track: engine.Track{Identifier: "link-2"}}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fromSecond == 1
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, violations, "no event delivered after its link was replaced")
	assert.Less(t, fromFirst, 50, "buffered events of the old link are discarded")
}

func TestSupervisor_ReportFailure(t *testing.T) {
	dialer := newFakeDialer()
	s, _ := newTestSupervisor(t, testConfig(), dialer)

	events, _ := s.Subscribe()
	require.NoError(t, s.Start(context.Background()))
	nextTransition(t, events, StateReady)
	first := dialer.link(t, 0)

	// engine-level errors do not mean the link is gone
	s.ReportFailure(first, &engine.EngineError{Status: 404, Message: "no player"})
	// unknown links are ignored
	s.ReportFailure(&fakeLink{id: "other"}, &engine.LinkError{Kind: engine.LinkTransportClosed})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateReady, s.State())
	assert.False(t, first.isClosed())

	s.ReportFailure(first, &engine.LinkError{Kind: engine.LinkTransportClosed, Op: "play"})
	ev := nextTransition(t, events, StateReconnectWait)
	assert.Equal(t, "command transport failed", ev.Reason)
	assert.True(t, first.isClosed())

	nextTransition(t, events, StateReady)

	// reporting the old link again changes nothing
	s.ReportFailure(first, &engine.LinkError{Kind: engine.LinkTransportClosed})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 2, dialer.dialCount())
}

func TestSupervisor_SubscriptionLifecycle(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig(), newFakeDialer())

	kept, _ := s.Subscribe()
	dropped, unsubscribe := s.Subscribe()
	unsubscribe()
	unsubscribe()

	_, ok := <-dropped
	assert.False(t, ok, "unsubscribed channel is closed")

	require.NoError(t, s.Start(context.Background()))
	nextTransition(t, kept, StateReady)

	require.NoError(t, s.Close())
	ev := nextTransition(t, kept, StateDisconnected)
	assert.Equal(t, "supervisor closed", ev.Reason)
	_, ok = <-kept
	assert.False(t, ok, "Close ends all subscriptions")

	late, _ := s.Subscribe()
	_, ok = <-late
	assert.False(t, ok)

	assert.Equal(t, StateDisconnected, s.State())
	assert.NoError(t, s.Close())
}

func TestSupervisor_SlowSubscriberDoesNotBlock(t *testing.T) {
	cfg := testConfig()
	cfg.SubscriberBuffer = 0
	dialer := newFakeDialer()
	s, _ := newTestSupervisor(t, cfg, dialer)

	_, _ = s.Subscribe()
	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateReady)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "reconnect_wait", StateReconnectWait.String())
	assert.Equal(t, "exhausted", StateExhausted.String())
	assert.Equal(t, "unknown", State(42).String())
}
