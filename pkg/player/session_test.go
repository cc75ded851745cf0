package player

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/jockie/pkg/engine"
	"github.com/latoulicious/jockie/pkg/supervisor"
)

func TestEnqueue_StartsWhenIdle(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)
	ctx := context.Background()

	res, err := s.Enqueue(ctx, items("A"))
	require.NoError(t, err)
	require.NotNil(t, res.Started)
	assert.Equal(t, "A", res.Started.Track.Title)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 0, res.Position)

	play := h.link().lastPlay(t)
	assert.Equal(t, "enc-A", play.Track.Encoded)
	assert.NotEmpty(t, play.Correlation)
	require.NotNil(t, play.Volume)
	assert.Equal(t, 100, *play.Volume)

	snap := s.Snapshot()
	assert.Equal(t, "A", snap.Current.Track.Title)
	assert.Empty(t, snap.Queue)

	res, err = s.Enqueue(ctx, items("B", "C"))
	require.NoError(t, err)
	assert.Nil(t, res.Started)
	assert.Equal(t, 1, res.Position)
	assert.Len(t, h.link().plays(), 1)
	assert.Equal(t, []string{"B", "C"}, titles(s.Snapshot().Queue))
}

func TestEnqueue_PlaylistIsCapped(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)

	var many []string
	for i := 0; i < 75; i++ {
		many = append(many, fmt.Sprintf("T%d", i))
	}

	res, err := s.Enqueue(context.Background(), items(many...))
	require.NoError(t, err)
	assert.Equal(t, 50, res.Added)
	assert.Equal(t, 25, res.Dropped)
	assert.Len(t, s.Snapshot().Queue, 49)
}

func TestEnqueue_Empty(t *testing.T) {
	h := newHarness(t)
	_, err := h.session(t).Enqueue(context.Background(), nil)
	assert.ErrorIs(t, err, ErrSearchEmpty)
}

func TestAutoAdvance_LoopOff(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, items("A"))
	require.NoError(t, err)
	playA := h.link().lastPlay(t)

	_, err = s.Enqueue(ctx, items("B"))
	require.NoError(t, err)

	h.registry.HandleEvent(endOf(playA, engine.EndFinished))

	assert.Equal(t, "B", currentTitle(s))
	assert.Empty(t, s.Snapshot().Queue)
	assert.Equal(t, "enc-B", h.link().lastPlay(t).Track.Encoded)

	h.registry.HandleEvent(endOf(h.link().lastPlay(t), engine.EndFinished))
	assert.Equal(t, "", currentTitle(s), "idle once the queue runs out")
	assert.Len(t, h.link().plays(), 2)
}

func TestAutoAdvance_RepeatTrack(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, items("A", "B"))
	require.NoError(t, err)
	require.NoError(t, s.SetLoop(LoopTrack))

	const n = 3
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		last := h.link().lastPlay(t)
		seen[last.Correlation] = true
		h.registry.HandleEvent(endOf(last, engine.EndFinished))
	}

	plays := h.link().plays()
	require.Len(t, plays, n+1)
	for _, p := range plays {
		assert.Equal(t, "enc-A", p.Track.Encoded)
	}
	assert.Len(t, seen, n, "every replay gets a new correlation")
	assert.Equal(t, []string{"B"}, titles(s.Snapshot().Queue))
	assert.Equal(t, "A", currentTitle(s))
}

func TestAutoAdvance_RepeatQueueRotation(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, items("A", "B"))
	require.NoError(t, err)
	require.NoError(t, s.SetLoop(LoopQueue))
	require.Equal(t, "A", currentTitle(s))
	require.Equal(t, []string{"B"}, titles(s.Snapshot().Queue))

	h.registry.HandleEvent(endOf(h.link().lastPlay(t), engine.EndFinished))

	assert.Equal(t, "B", currentTitle(s))
	assert.Equal(t, []string{"A"}, titles(s.Snapshot().Queue))

	h.registry.HandleEvent(endOf(h.link().lastPlay(t), engine.EndFinished))

	assert.Equal(t, "A", currentTitle(s))
	assert.Equal(t, []string{"B"}, titles(s.Snapshot().Queue))
}

func TestClear_RacingTrackEndNeverResurrects(t *testing.T) {
	for _, mode := range []LoopMode{LoopOff, LoopTrack, LoopQueue} {
		t.Run(mode.String(), func(t *testing.T) {
			h := newHarness(t)
			s := h.session(t)
			ctx := context.Background()

			_, err := s.Enqueue(ctx, items("A", "B", "C"))
			require.NoError(t, err)
			require.NoError(t, s.SetLoop(mode))
			playA := h.link().lastPlay(t)

			assert.Equal(t, 2, s.Clear())
			assert.Equal(t, "A", currentTitle(s), "clear leaves the current track")

			h.registry.HandleEvent(endOf(playA, engine.EndFinished))

			snap := s.Snapshot()
			assert.Nil(t, snap.Current)
			assert.Empty(t, snap.Queue)
			assert.Len(t, h.link().plays(), 1)
			assert.Equal(t, mode, s.Loop(), "loop mode survives clear")
		})
	}
}

func TestClear_LoopResumesWithNextPlay(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, items("A", "B"))
	require.NoError(t, err)
	require.NoError(t, s.SetLoop(LoopQueue))
	s.Clear()

	_, err = s.Enqueue(ctx, items("C"))
	require.NoError(t, err)
	h.registry.HandleEvent(endOf(h.link().lastPlay(t), engine.EndFinished))
	require.Equal(t, "C", currentTitle(s))
	assert.Empty(t, s.Snapshot().Queue, "the cleared track is not put back")

	h.registry.HandleEvent(endOf(h.link().lastPlay(t), engine.EndFinished))
	assert.Equal(t, "C", currentTitle(s), "a track played after clear loops again")
}

func TestSetVolume_Bounds(t *testing.T) {
	tests := []struct {
		volume  int
		wantErr bool
	}{
		{-1, true},
		{0, false},
		{100, false},
		{200, false},
		{201, true},
		{250, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("volume_%d", tt.volume), func(t *testing.T) {
			h := newHarness(t)
			s := h.session(t)
			_, err := s.Enqueue(context.Background(), items("A"))
			require.NoError(t, err)

			err = s.SetVolume(context.Background(), tt.volume)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidVolume)
				assert.Equal(t, 100, s.Snapshot().Volume)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.volume, s.Snapshot().Volume)
			assert.Equal(t, 1, h.link().count(func(c engine.Command) bool {
				v, ok := c.(engine.SetVolume)
				return ok && v.Volume == tt.volume
			}))
		})
	}
}

func TestSetVolume_AppliesToNextPlay(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)

	require.NoError(t, s.SetVolume(context.Background(), 40))
	assert.Zero(t, h.link().count(func(engine.Command) bool { return true }), "nothing sent while idle")

	_, err := s.Enqueue(context.Background(), items("A"))
	require.NoError(t, err)
	assert.Equal(t, 40, *h.link().lastPlay(t).Volume)
}

func TestSkip(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)
	ctx := context.Background()

	_, err := s.Skip(ctx)
	assert.ErrorIs(t, err, ErrNothingPlaying)

	_, err = s.Enqueue(ctx, items("A", "B"))
	require.NoError(t, err)
	require.NoError(t, s.SetLoop(LoopTrack))
	playA := h.link().lastPlay(t)

	skipped, err := s.Skip(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", skipped.Track.Title)
	assert.Equal(t, 1, h.link().count(isStop))

	// the engine reports our own stop as stopped
	h.registry.HandleEvent(endOf(playA, engine.EndStopped))

	assert.Equal(t, "B", currentTitle(s), "skip bypasses track repeat")
	ends := h.observer.endings()
	require.Len(t, ends, 1)
	assert.Equal(t, endRecord{title: "A", reason: engine.EndSkipped}, ends[0])
}

func TestTrackException_SkipsBadTrack(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, items("A", "B"))
	require.NoError(t, err)
	require.NoError(t, s.SetLoop(LoopQueue))
	playA := h.link().lastPlay(t)

	h.registry.HandleEvent(engine.TrackExceptionEvent{
		GuildID:     testGuild,
		Track:       playA.Track,
		Correlation: playA.Correlation,
		Message:     "decode failed",
		Severity:    "fault",
	})

	assert.Equal(t, "B", currentTitle(s))
	assert.Empty(t, s.Snapshot().Queue, "errored track is not put back in a looping queue")

	// the engine follows up with an end event for the failed play
	h.registry.HandleEvent(endOf(playA, engine.EndErrored))
	assert.Equal(t, "B", currentTitle(s))
	assert.Len(t, h.link().plays(), 2)

	ends := h.observer.endings()
	require.Len(t, ends, 1)
	assert.Equal(t, engine.EndErrored, ends[0].reason)

	exc, ok := h.metrics.Get("player_track_exceptions_total", map[string]string{"severity": "fault"})
	require.True(t, ok)
	assert.Equal(t, float64(1), exc.Value)
}

func TestTrackEnd_IgnoresStaleAndForeignEvents(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)

	_, err := s.Enqueue(context.Background(), items("A", "B"))
	require.NoError(t, err)
	playA := h.link().lastPlay(t)

	stale := endOf(playA, engine.EndFinished)
	stale.Correlation = "someone-else"
	h.registry.HandleEvent(stale)
	assert.Equal(t, "A", currentTitle(s))

	other := endOf(playA, engine.EndFinished)
	other.GuildID = testGuild + 1
	h.registry.HandleEvent(other)
	assert.Equal(t, "A", currentTitle(s))

	// without userData the encoded track decides
	bare := engine.TrackEndEvent{GuildID: testGuild, Track: track("A"), Reason: engine.EndFinished}
	h.registry.HandleEvent(bare)
	assert.Equal(t, "B", currentTitle(s))
}

func TestTrackEnd_NonAdvancingReasons(t *testing.T) {
	for _, reason := range []engine.EndReason{engine.EndStopped, engine.EndReplaced, engine.EndCleanup} {
		t.Run(string(reason), func(t *testing.T) {
			h := newHarness(t)
			s := h.session(t)

			_, err := s.Enqueue(context.Background(), items("A", "B"))
			require.NoError(t, err)

			h.registry.HandleEvent(endOf(h.link().lastPlay(t), reason))

			assert.Equal(t, "", currentTitle(s))
			assert.Equal(t, []string{"B"}, titles(s.Snapshot().Queue))
			assert.Len(t, h.link().plays(), 1)
		})
	}
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, items("A", "B"))
	require.NoError(t, err)
	playA := h.link().lastPlay(t)

	require.NoError(t, s.Stop(ctx))
	snap := s.Snapshot()
	assert.Nil(t, snap.Current)
	assert.Empty(t, snap.Queue)
	assert.Equal(t, 1, h.link().count(isStop))

	h.registry.HandleEvent(endOf(playA, engine.EndStopped))
	assert.Nil(t, s.Snapshot().Current)
	assert.Len(t, h.link().plays(), 1)
}

func TestPause(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Pause(ctx, true), ErrNothingPlaying)

	_, err := s.Enqueue(ctx, items("A"))
	require.NoError(t, err)
	require.NoError(t, s.Pause(ctx, true))
	assert.True(t, s.Snapshot().Paused)
	assert.Equal(t, 1, h.link().count(func(c engine.Command) bool {
		p, ok := c.(engine.Pause)
		return ok && p.Paused
	}))

	require.NoError(t, s.Pause(ctx, false))
	assert.False(t, s.Snapshot().Paused)
}

func TestCommands_RequireReadyEngine(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, items("A"))
	require.NoError(t, err)

	h.engine.setState(supervisor.StateReconnectWait)

	_, err = s.Skip(ctx)
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.ErrorIs(t, s.Pause(ctx, true), ErrEngineUnavailable)
	assert.ErrorIs(t, s.Stop(ctx), ErrEngineUnavailable)
	_, err = s.Enqueue(ctx, items("B"))
	assert.ErrorIs(t, err, ErrEngineUnavailable)

	h.engine.setState(supervisor.StateExhausted)
	_, err = s.Skip(ctx)
	assert.ErrorIs(t, err, ErrReconnectAbandoned)
	assert.True(t, IsUnavailable(err))

	// invalid input is still rejected first
	assert.ErrorIs(t, s.SetVolume(ctx, 500), ErrInvalidVolume)
}

func TestPlay_LinkFailureKeepsTrackPending(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)
	ctx := context.Background()

	require.NoError(t, s.SetVoiceState(ctx, 77, "voice-session"))
	require.NoError(t, s.SetVoiceServer(ctx, "tok", "voice.example"))

	h.link().setSendErr(&engine.LinkError{Kind: engine.LinkTransportClosed, Op: "play"})

	res, err := s.Enqueue(ctx, items("A", "B"))
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Nil(t, res.Started)
	assert.Equal(t, 1, h.engine.failureReports())
	assert.Equal(t, "A", currentTitle(s), "track stays current until the engine is back")
	assert.Equal(t, []string{"B"}, titles(s.Snapshot().Queue))

	fresh := h.engine.replaceLink("link-2")
	assert.Equal(t, 1, h.registry.ResumeAll(ctx))

	cmds := fresh.commands()
	require.Len(t, cmds, 2)
	voice, ok := cmds[0].cmd.(engine.VoiceUpdate)
	require.True(t, ok, "voice state is restored before playing")
	assert.Equal(t, engine.VoiceUpdate{Token: "tok", Endpoint: "voice.example", SessionID: "voice-session"}, voice)
	play, ok := cmds[1].cmd.(engine.Play)
	require.True(t, ok)
	assert.Equal(t, "enc-A", play.Track.Encoded)
}

func TestResume_StartsPendingQueue(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, items("A", "B"))
	require.NoError(t, err)
	playA := h.link().lastPlay(t)

	// A finishes while the engine is reconnecting
	h.engine.setState(supervisor.StateReconnectWait)
	h.registry.HandleEvent(endOf(playA, engine.EndFinished))
	assert.Equal(t, "", currentTitle(s))
	assert.Equal(t, []string{"B"}, titles(s.Snapshot().Queue))

	fresh := h.engine.replaceLink("link-2")
	events := make(chan supervisor.Event, 1)
	events <- supervisor.Event{From: supervisor.StateConnecting, To: supervisor.StateReady}
	close(events)
	h.registry.WatchSupervisor(ctx, events)

	assert.Equal(t, "B", currentTitle(s))
	assert.Equal(t, "enc-B", fresh.lastPlay(t).Track.Encoded)
}

func TestPlay_EngineRefusalSkipsTrack(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)
	ctx := context.Background()

	h.link().refuse["enc-A"] = &engine.EngineError{Status: 400, Message: "bad track"}

	res, err := s.Enqueue(ctx, items("A", "B"))
	require.NoError(t, err)
	require.NotNil(t, res.Started)
	assert.Equal(t, "B", res.Started.Track.Title)

	h.link().refuse["enc-C"] = &engine.EngineError{Status: 400, Message: "bad track"}
	require.NoError(t, s.Stop(ctx))
	_, err = s.Enqueue(ctx, items("C"))
	assert.ErrorIs(t, err, ErrLoadFailed)
	assert.Nil(t, s.Snapshot().Current)
	assert.Zero(t, h.engine.failureReports(), "engine replies are not link failures")
}

func TestShuffleRemoveLoop(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)

	assert.ErrorIs(t, s.Shuffle(), ErrQueueEmpty)

	_, err := s.Enqueue(context.Background(), items("A", "B", "C", "D"))
	require.NoError(t, err)

	require.NoError(t, s.Shuffle())
	assert.ElementsMatch(t, []string{"B", "C", "D"}, titles(s.Snapshot().Queue))

	_, err = s.Remove(0)
	assert.ErrorIs(t, err, ErrInvalidPosition)
	_, err = s.Remove(4)
	assert.ErrorIs(t, err, ErrInvalidPosition)

	before := titles(s.Snapshot().Queue)
	removed, err := s.Remove(2)
	require.NoError(t, err)
	assert.Equal(t, before[1], removed.Track.Title)
	assert.Equal(t, []string{before[0], before[2]}, titles(s.Snapshot().Queue))

	assert.Equal(t, LoopOff, s.Loop())
	require.NoError(t, s.SetLoop(LoopQueue))
	assert.Equal(t, LoopQueue, s.Loop())
	assert.ErrorIs(t, s.SetLoop(LoopMode(9)), ErrInvalidLoopMode)
}

func TestParseLoopMode(t *testing.T) {
	tests := []struct {
		in   string
		want LoopMode
		ok   bool
	}{
		{"off", LoopOff, true},
		{"Track", LoopTrack, true},
		{"song", LoopTrack, true},
		{" queue ", LoopQueue, true},
		{"forever", LoopOff, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLoopMode(tt.in)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidLoopMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTrackStart_NotifiesObserver(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)

	_, err := s.Enqueue(context.Background(), items("A"))
	require.NoError(t, err)
	play := h.link().lastPlay(t)

	h.registry.HandleEvent(engine.TrackStartEvent{GuildID: testGuild, Track: play.Track, Correlation: "old"})
	h.registry.HandleEvent(engine.TrackStartEvent{GuildID: testGuild, Track: play.Track, Correlation: play.Correlation})

	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	assert.Equal(t, []string{"A"}, h.observer.started)
}

func TestErrorTypes(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &PlaybackError{Kind: SearchEmpty, Detail: "nothing"})
	assert.ErrorIs(t, err, ErrSearchEmpty)
	assert.NotErrorIs(t, err, ErrLoadFailed)
	assert.Contains(t, err.Error(), "search_empty: nothing")

	var pe *PlaybackError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, SearchEmpty, pe.Kind)

	regErr := &RegistryError{Kind: EngineUnavailable, Err: engine.ErrTransportClosed}
	assert.ErrorIs(t, regErr, ErrEngineUnavailable)
	assert.ErrorIs(t, regErr, engine.ErrTransportClosed)
	assert.True(t, IsUnavailable(regErr))
	assert.False(t, IsUnavailable(ErrNothingPlaying))
}

func TestObservers_FanOut(t *testing.T) {
	first, second := &fakeObserver{}, &fakeObserver{}
	obs := Observers{first, second}
	item := Item{Track: engine.Track{Title: "A"}}

	obs.TrackStarted(testGuild, item)
	obs.TrackEnded(testGuild, item, engine.EndFinished)

	for _, o := range []*fakeObserver{first, second} {
		assert.Equal(t, []string{"A"}, o.started)
		assert.Len(t, o.ended, 1)
	}
}
