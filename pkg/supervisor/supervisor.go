// Package supervisor owns the connection to the audio engine. It dials links,
// waits for the engine's ready acknowledgment, checks liveness on a fixed
// interval and reconnects with exponential backoff until the attempt budget
// runs out, at which point it stays Exhausted until ForceReconnect.
//
// All dialing happens on one goroutine, so there is never more than one live
// link. Engine events are delivered only while the link that produced them
// is current.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/latoulicious/jockie/pkg/engine"
	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/metrics"
)

// Supervisor drives the engine link lifecycle.
type Supervisor struct {
	cfg     Config
	dialer  engine.Dialer
	logger  logging.Logger
	metrics metrics.Recorder

	// dispatchMu serializes event delivery against link replacement.
	// Lock order: dispatchMu, then mu.
	dispatchMu sync.Mutex

	mu                sync.RWMutex
	state             State
	attempt           int
	link              engine.Link
	sessionID         string
	lastLinkID        string
	gen               uint64
	keepaliveFailures int
	since             time.Time
	handler           EventHandler
	subscribers       map[int]chan Event
	nextSubID         int
	started           bool
	closed            bool

	wake   chan struct{}
	losses chan lossNotice

	cancel context.CancelFunc
	wg     sync.WaitGroup
	pumps  sync.WaitGroup
}

// New creates a supervisor in the Disconnected state.
func New(cfg Config, dialer engine.Dialer, logger logging.Logger, recorder metrics.Recorder) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, errors.New("supervisor requires a dialer")
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if recorder == nil {
		recorder = metrics.NewCollector(logger, nil)
	}

	return &Supervisor{
		cfg:         cfg,
		dialer:      dialer,
		logger:      logger.With(logging.String("component", "supervisor")),
		metrics:     recorder,
		state:       StateDisconnected,
		since:       time.Now(),
		subscribers: make(map[int]chan Event),
		wake:        make(chan struct{}, 1),
		losses:      make(chan lossNotice, 16),
	}, nil
}

// Start moves to Connecting and launches the connection loop. The loop stops
// when ctx is cancelled or Close is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.setStateLocked(StateConnecting, "startup", nil, 0)
	s.mu.Unlock()

	s.logger.Info("Starting engine supervisor",
		logging.Int("max_attempts", s.cfg.MaxAttempts),
		logging.Duration("keepalive_interval", s.cfg.KeepaliveInterval),
	)

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Close stops the loop, tears down the link and closes all subscriptions.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.dispatchMu.Lock()
	s.mu.Lock()
	s.dropLinkLocked()
	s.attempt = 0
	s.setStateLocked(StateDisconnected, "supervisor closed", nil, 0)
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.mu.Unlock()
	s.dispatchMu.Unlock()

	s.pumps.Wait()
	s.logger.Info("Engine supervisor stopped")
	return nil
}

// IsAvailable reports whether commands may be sent right now.
func (s *Supervisor) IsAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateReady && s.link != nil
}

// CurrentLink returns the link while Ready. Callers fetch it per command and
// never keep it.
func (s *Supervisor) CurrentLink() (engine.Link, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady || s.link == nil {
		return nil, false
	}
	return s.link, true
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status returns state and counters from the same critical section.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		State:             s.state,
		Attempt:           s.attempt,
		SessionID:         s.sessionID,
		KeepaliveFailures: s.keepaliveFailures,
		Since:             s.since,
	}
	if s.link != nil {
		st.LinkID = s.link.ID()
	}
	return st
}

// ForceReconnect tears down the current link, resets the attempt count and
// connects immediately, cancelling any backoff wait. It is the only way out
// of Exhausted. While a connect is already running it does nothing and
// returns ErrReconnectInProgress.
func (s *Supervisor) ForceReconnect() error {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrClosed
	case !s.started:
		return ErrNotStarted
	case s.state == StateConnecting:
		s.logger.Debug("Forced reconnect ignored, connect in progress")
		return ErrReconnectInProgress
	}

	s.dropLinkLocked()
	s.attempt = 0
	s.keepaliveFailures = 0
	s.setStateLocked(StateConnecting, "reconnect forced", nil, 0)
	s.signal()
	return nil
}

// ReportFailure tells the supervisor that a command on link failed because
// the transport is gone. Reports for a link that is no longer current and
// errors that are not link failures are ignored.
func (s *Supervisor) ReportFailure(link engine.Link, err error) {
	if link == nil || !engine.IsLinkFailure(err) {
		return
	}

	s.mu.RLock()
	current := s.link != nil && s.link == link
	gen := s.gen
	s.mu.RUnlock()
	if !current {
		return
	}

	select {
	case s.losses <- lossNotice{gen: gen, reason: "command transport failed", err: err}:
	default:
		s.logger.Warn("Loss notice queue full, dropping failure report", logging.Error(err))
	}
}

// Subscribe returns a channel of state transitions and a function that ends
// the subscription. A subscriber that falls behind misses events.
func (s *Supervisor) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, s.cfg.SubscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(c)
			}
		})
	}
}

// SetEventHandler registers the receiver for engine events. The handler runs
// on the link's event goroutine; it must not call ForceReconnect,
// SetEventHandler or Close.
func (s *Supervisor) SetEventHandler(h EventHandler) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *Supervisor) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the only goroutine that dials.
func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()

	keepalive := time.NewTicker(s.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	s.logger.Debug("Supervisor loop started")
	defer s.logger.Debug("Supervisor loop stopped")

	for ctx.Err() == nil {
		switch s.State() {
		case StateConnecting:
			if s.connect(ctx) {
				keepalive.Reset(s.cfg.KeepaliveInterval)
			}
		case StateReady, StateDegraded:
			s.monitor(ctx, keepalive.C)
		case StateReconnectWait:
			s.backoff(ctx)
		default:
			s.idle(ctx)
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) bool {
	s.mu.RLock()
	attempt := s.attempt
	s.mu.RUnlock()

	s.logger.Info("Connecting to engine", logging.Int("attempt", attempt))
	s.metrics.RecordCounter("supervisor_connect_attempts_total", 1, nil)
	start := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	link, err := s.dialer.Dial(dialCtx)
	cancel()
	if err != nil {
		s.connectFailed(ctx, err)
		return false
	}

	sessionID, err := s.awaitReady(ctx, link)
	if err != nil {
		_ = link.Close()
		s.connectFailed(ctx, err)
		return false
	}

	s.dispatchMu.Lock()
	s.mu.Lock()
	if ctx.Err() != nil || s.state != StateConnecting {
		s.mu.Unlock()
		s.dispatchMu.Unlock()
		_ = link.Close()
		return false
	}
	s.gen++
	gen := s.gen
	s.link = link
	s.sessionID = sessionID
	s.lastLinkID = link.ID()
	s.attempt = 0
	s.keepaliveFailures = 0
	s.setStateLocked(StateReady, "engine ready", nil, 0)
	s.mu.Unlock()
	s.dispatchMu.Unlock()

	s.metrics.RecordTiming("supervisor_connect_duration", time.Since(start), nil)
	s.logger.Info("Engine link ready",
		logging.String("link_id", link.ID()),
		logging.String("session_id", sessionID),
	)

	s.pumps.Add(1)
	go s.pump(ctx, link, gen)
	return true
}

// awaitReady reads the new link's events until the engine acknowledges the
// session. Nothing else reads the link until this returns.
func (s *Supervisor) awaitReady(ctx context.Context, link engine.Link) (string, error) {
	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-link.Events():
			if !ok {
				return "", &engine.ConnectError{Kind: engine.ConnectUnreachable, Err: errClosedBeforeReady}
			}
			switch e := ev.(type) {
			case engine.ReadyEvent:
				return e.SessionID, nil
			case engine.ClosedEvent:
				return "", &engine.ConnectError{
					Kind: engine.ConnectUnreachable,
					Err:  fmt.Errorf("%w: code %d: %s", errClosedBeforeReady, e.Code, e.Reason),
				}
			default:
				s.logger.Debug("Ignoring engine event before ready", logging.String("kind", ev.Kind().String()))
			}
		case <-timer.C:
			return "", &engine.ConnectError{
				Kind: engine.ConnectTimeout,
				Err:  fmt.Errorf("no ready acknowledgment within %s", s.cfg.AckTimeout),
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (s *Supervisor) connectFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return
	}

	s.metrics.RecordCounter("supervisor_connect_failures_total", 1, map[string]string{"kind": failureKind(err)})
	s.logger.Warn("Engine connect failed", logging.Int("attempt", s.attempt+1), logging.Error(err))
	s.failLocked("connect failed", err)
}

// failLocked counts one failure and schedules the next attempt, or gives up.
// The link must already be dropped.
func (s *Supervisor) failLocked(reason string, err error) {
	s.attempt++
	s.keepaliveFailures = 0

	if s.attempt > s.cfg.MaxAttempts {
		s.setStateLocked(StateReconnectWait, reason, err, 0)
		s.setStateLocked(StateExhausted, "reconnect attempts exhausted", err, 0)
		return
	}
	s.setStateLocked(StateReconnectWait, reason, err, s.cfg.Delay(s.attempt))
}

func (s *Supervisor) monitor(ctx context.Context, tick <-chan time.Time) {
	select {
	case <-ctx.Done():
	case <-s.wake:
	case n := <-s.losses:
		s.handleLoss(n)
	case <-tick:
		s.keepalive(ctx)
	}
}

func (s *Supervisor) keepalive(ctx context.Context) {
	s.mu.RLock()
	link, gen := s.link, s.gen
	s.mu.RUnlock()
	if link == nil {
		return
	}
	select {
	case <-link.Done():
		// the pump reports the loss once the event stream drains
		return
	default:
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.KeepaliveTimeout)
	start := time.Now()
	err := link.Ping(pingCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil || s.gen != gen {
		return
	}

	if err == nil {
		s.metrics.RecordTiming("supervisor_keepalive_latency", time.Since(start), nil)
		s.keepaliveFailures = 0
		if s.state == StateDegraded {
			s.setStateLocked(StateReady, "keepalive recovered", nil, 0)
		}
		return
	}

	s.keepaliveFailures++
	s.metrics.RecordCounter("supervisor_keepalive_failures_total", 1, nil)
	s.logger.Warn("Engine keepalive failed",
		logging.Int("consecutive_failures", s.keepaliveFailures),
		logging.Error(err),
	)

	if s.keepaliveFailures >= s.cfg.KeepaliveFailureThreshold {
		s.dropLinkLocked()
		s.failLocked("keepalive failed", fmt.Errorf("%w: %v", errKeepaliveThreshold, err))
		return
	}
	if s.state == StateReady {
		s.setStateLocked(StateDegraded, "keepalive failed", err, 0)
	}
}

func (s *Supervisor) handleLoss(n lossNotice) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link == nil || n.gen != s.gen || (s.state != StateReady && s.state != StateDegraded) {
		s.logger.Debug("Ignoring loss of stale link", logging.String("reason", n.reason))
		return
	}

	s.metrics.RecordCounter("supervisor_link_losses_total", 1, nil)
	s.logger.Warn("Engine link lost", logging.String("reason", n.reason), logging.Error(n.err))
	s.dropLinkLocked()
	s.failLocked(n.reason, n.err)
}

func (s *Supervisor) backoff(ctx context.Context) {
	s.mu.RLock()
	attempt, state := s.attempt, s.state
	s.mu.RUnlock()
	if state != StateReconnectWait {
		return
	}

	timer := time.NewTimer(s.cfg.Delay(attempt))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			return
		case n := <-s.losses:
			s.handleLoss(n)
		case <-timer.C:
			s.mu.Lock()
			if s.state == StateReconnectWait {
				s.setStateLocked(StateConnecting, "backoff elapsed", nil, 0)
			}
			s.mu.Unlock()
			return
		}
	}
}

func (s *Supervisor) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.wake:
	case n := <-s.losses:
		s.handleLoss(n)
	}
}

// pump forwards the link's events until it closes, then reports the loss.
func (s *Supervisor) pump(ctx context.Context, link engine.Link, gen uint64) {
	defer s.pumps.Done()

	notice := lossNotice{gen: gen, reason: "engine event stream ended", err: errEventStreamTerminated}
	for ev := range link.Events() {
		switch e := ev.(type) {
		case engine.ClosedEvent:
			notice.reason = "engine closed link"
			notice.err = fmt.Errorf("%w: code %d: %s", engine.ErrTransportClosed, e.Code, e.Reason)
			continue
		case engine.StatusEvent:
			s.metrics.RecordGauge("engine_players", float64(e.Players), nil)
			s.metrics.RecordGauge("engine_playing_players", float64(e.PlayingPlayers), nil)
		}
		s.deliver(gen, ev)
	}

	select {
	case s.losses <- notice:
	case <-ctx.Done():
	}
}

func (s *Supervisor) deliver(gen uint64, ev engine.Event) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.RLock()
	current := s.link != nil && s.gen == gen
	handler := s.handler
	s.mu.RUnlock()

	if !current {
		s.logger.Debug("Dropping event from stale link", logging.String("kind", ev.Kind().String()))
		return
	}
	if handler != nil {
		handler(ev)
	}
}

// dropLinkLocked closes the current link before anything else can dial.
func (s *Supervisor) dropLinkLocked() {
	if s.link == nil {
		return
	}
	if err := s.link.Close(); err != nil {
		s.logger.Debug("Error closing engine link", logging.String("link_id", s.link.ID()), logging.Error(err))
	}
	s.link = nil
	s.sessionID = ""
}

func (s *Supervisor) setStateLocked(to State, reason string, err error, delay time.Duration) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.since = time.Now()

	ev := Event{
		From:    from,
		To:      to,
		Attempt: s.attempt,
		Delay:   delay,
		Reason:  reason,
		Err:     err,
		LinkID:  s.lastLinkID,
		At:      s.since,
	}

	fields := []logging.Field{
		logging.String("from", from.String()),
		logging.String("to", to.String()),
		logging.String("reason", reason),
		logging.Int("attempt", s.attempt),
	}
	if delay > 0 {
		fields = append(fields, logging.Duration("delay", delay))
	}
	if err != nil {
		fields = append(fields, logging.Error(err))
	}
	switch to {
	case StateExhausted:
		s.logger.Error("Engine reconnect abandoned", fields...)
	case StateDegraded, StateReconnectWait:
		s.logger.Warn("Engine connection state changed", fields...)
	default:
		s.logger.Info("Engine connection state changed", fields...)
	}

	s.metrics.RecordCounter("supervisor_state_changes_total", 1, map[string]string{
		"from": from.String(),
		"to":   to.String(),
	})
	s.metrics.RecordGauge("supervisor_attempt", float64(s.attempt), nil)

	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("Subscriber channel full, dropping state change",
				logging.String("to", to.String()),
			)
		}
	}
}

func failureKind(err error) string {
	var ce *engine.ConnectError
	if errors.As(err, &ce) {
		return ce.Kind.String()
	}
	var le *engine.LinkError
	if errors.As(err, &le) {
		return le.Kind.String()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "other"
}
