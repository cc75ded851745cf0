package player

import (
	"context"
	"sync"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/jockie/pkg/engine"
	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/metrics"
	"github.com/latoulicious/jockie/pkg/supervisor"
)

const testGuild = snowflake.ID(1001)

type sentCommand struct {
	guild snowflake.ID
	cmd   engine.Command
}

type fakeLink struct {
	id string

	mu         sync.Mutex
	sent       []sentCommand
	sendErr    error
	refuse     map[string]error
	loadResult *engine.LoadResult
	loadErr    error
	queries    []string
}

func newFakeLink(id string) *fakeLink {
	return &fakeLink{id: id, refuse: make(map[string]error)}
}

func (l *fakeLink) ID() string                  { return l.id }
func (l *fakeLink) SessionID() string           { return "session-" + l.id }
func (l *fakeLink) Events() <-chan engine.Event { return nil }
func (l *fakeLink) Done() <-chan struct{}       { return nil }
func (l *fakeLink) Ping(context.Context) error  { return nil }
func (l *fakeLink) Close() error                { return nil }

func (l *fakeLink) Send(_ context.Context, guildID snowflake.ID, cmd engine.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	if play, ok := cmd.(engine.Play); ok {
		if err, refused := l.refuse[play.Track.Encoded]; refused {
			return err
		}
	}
	l.sent = append(l.sent, sentCommand{guild: guildID, cmd: cmd})
	return nil
}

func (l *fakeLink) LoadTracks(_ context.Context, identifier string) (*engine.LoadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries = append(l.queries, identifier)
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	return l.loadResult, nil
}

func (l *fakeLink) setSendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

func (l *fakeLink) commands() []sentCommand {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentCommand(nil), l.sent...)
}

func (l *fakeLink) plays() []engine.Play {
	var out []engine.Play
	for _, c := range l.commands() {
		if p, ok := c.cmd.(engine.Play); ok {
			out = append(out, p)
		}
	}
	return out
}

func (l *fakeLink) lastPlay(t *testing.T) engine.Play {
	t.Helper()
	plays := l.plays()
	require.NotEmpty(t, plays, "no play command sent")
	return plays[len(plays)-1]
}

func (l *fakeLink) count(match func(engine.Command) bool) int {
	n := 0
	for _, c := range l.commands() {
		if match(c.cmd) {
			n++
		}
	}
	return n
}

type fakeEngine struct {
	mu       sync.Mutex
	state    supervisor.State
	link     *fakeLink
	reported []error
	forced   int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{state: supervisor.StateReady, link: newFakeLink("link-1")}
}

func (e *fakeEngine) Status() supervisor.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := supervisor.Status{State: e.state}
	if e.link != nil {
		st.LinkID = e.link.id
	}
	return st
}

func (e *fakeEngine) CurrentLink() (engine.Link, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != supervisor.StateReady || e.link == nil {
		return nil, false
	}
	return e.link, true
}

func (e *fakeEngine) ReportFailure(_ engine.Link, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reported = append(e.reported, err)
}

func (e *fakeEngine) ForceReconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forced++
	return nil
}

func (e *fakeEngine) setState(st supervisor.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = st
}

// replaceLink simulates a reconnect onto a fresh link.
func (e *fakeEngine) replaceLink(id string) *fakeLink {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.link = newFakeLink(id)
	e.state = supervisor.StateReady
	return e.link
}

func (e *fakeEngine) currentFake() *fakeLink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.link
}

func (e *fakeEngine) failureReports() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reported)
}

type fakeVoice struct {
	mu     sync.Mutex
	joins  map[snowflake.ID]snowflake.ID
	leaves []snowflake.ID
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{joins: make(map[snowflake.ID]snowflake.ID)}
}

func (v *fakeVoice) Join(_ context.Context, guildID, channelID snowflake.ID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.joins[guildID] = channelID
	return nil
}

func (v *fakeVoice) Leave(_ context.Context, guildID snowflake.ID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leaves = append(v.leaves, guildID)
	return nil
}

type endRecord struct {
	title  string
	reason engine.EndReason
}

type fakeObserver struct {
	mu      sync.Mutex
	started []string
	ended   []endRecord
}

func (o *fakeObserver) TrackStarted(_ snowflake.ID, item Item) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, item.Track.Title)
}

func (o *fakeObserver) TrackEnded(_ snowflake.ID, item Item, reason engine.EndReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, endRecord{title: item.Track.Title, reason: reason})
}

func (o *fakeObserver) endings() []endRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]endRecord(nil), o.ended...)
}

type harness struct {
	engine   *fakeEngine
	voice    *fakeVoice
	observer *fakeObserver
	metrics  *metrics.Collector
	registry *Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		engine:   newFakeEngine(),
		voice:    newFakeVoice(),
		observer: &fakeObserver{},
		metrics:  metrics.NewCollector(logging.NullLogger(), nil),
	}
	r, err := NewRegistry(DefaultConfig(), h.engine, logging.NullLogger(),
		WithVoiceConnector(h.voice),
		WithObserver(h.observer),
		WithMetrics(h.metrics),
	)
	require.NoError(t, err)
	h.registry = r
	return h
}

func (h *harness) session(t *testing.T) *Session {
	t.Helper()
	s, err := h.registry.GetOrCreate(testGuild)
	require.NoError(t, err)
	return s
}

func (h *harness) link() *fakeLink {
	return h.engine.currentFake()
}

func track(name string) engine.Track {
	return engine.Track{Encoded: "enc-" + name, Title: name, Identifier: name}
}

func items(names ...string) []Item {
	out := make([]Item, 0, len(names))
	for _, n := range names {
		out = append(out, Item{Track: track(n)})
	}
	return out
}

func titles(list []Item) []string {
	out := make([]string, 0, len(list))
	for _, it := range list {
		out = append(out, it.Track.Title)
	}
	return out
}

func currentTitle(s *Session) string {
	if item, ok := s.NowPlaying(); ok {
		return item.Track.Title
	}
	return ""
}

// endOf builds the engine's end event for a play command.
func endOf(p engine.Play, reason engine.EndReason) engine.TrackEndEvent {
	return engine.TrackEndEvent{GuildID: testGuild, Track: p.Track, Correlation: p.Correlation, Reason: reason}
}

func isStop(c engine.Command) bool {
	_, ok := c.(engine.Stop)
	return ok
}
