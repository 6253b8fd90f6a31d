package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/onair-audio/backend/config"
	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/internal/moderation"
	"github.com/onair-audio/backend/pkg/errs"
)

type sinkEvent struct {
	kind  string // broadcast, publish, evict, evict_all
	event string
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
	frames int
}

func (s *fakeSink) Broadcast(_ uuid.UUID, event string, _ interface{}) {
	s.record(sinkEvent{kind: "broadcast", event: event})
}

func (s *fakeSink) Publish(_ uuid.UUID, event string, _ interface{}) {
	s.record(sinkEvent{kind: "publish", event: event})
}

func (s *fakeSink) SendFrame(uuid.UUID, uint64, []byte) {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
}

func (s *fakeSink) Evict(_ uuid.UUID, _ string, reason string) {
	s.record(sinkEvent{kind: "evict", event: reason})
}

func (s *fakeSink) EvictAll(_ uuid.UUID, reason string) {
	s.record(sinkEvent{kind: "evict_all", event: reason})
}

func (s *fakeSink) record(e sinkEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *fakeSink) count(kind, event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.kind == kind && e.event == event {
			n++
		}
	}
	return n
}

type fakeStore struct {
	boot models.Bootstrap
}

func (f *fakeStore) GetBootstrap(_ context.Context, broadcastID uuid.UUID) (*models.Bootstrap, error) {
	if broadcastID != f.boot.BroadcastID {
		return nil, errs.NotFound("broadcast")
	}
	b := f.boot
	return &b, nil
}

type fakeArchive struct {
	recs chan models.ArchiveRecord
}

func (f *fakeArchive) Finalize(_ context.Context, rec models.ArchiveRecord) error {
	f.recs <- rec
	return nil
}

func testEngineConfig() config.BroadcastConfig {
	return config.BroadcastConfig{
		FrameDuration:    10 * time.Millisecond,
		SampleRate:       8000,
		MaxSources:       2,
		JitterFrames:     2,
		SendQueueFrames:  4,
		HostGrace:        60 * time.Millisecond,
		DeadAirGrace:     time.Minute,
		PresenceInterval: 50 * time.Millisecond,
		ActivityWindow:   time.Minute,
		ChatRatePerSec:   100,
		ChatBurst:        100,
	}
}

type fixture struct {
	coord   *Coordinator
	sink    *fakeSink
	archive *fakeArchive
	boot    models.Bootstrap
}

func newFixture(t *testing.T, mutate func(*models.Bootstrap)) *fixture {
	return newFixtureWithConfig(t, testEngineConfig(), mutate)
}

func newFixtureWithConfig(t *testing.T, cfg config.BroadcastConfig, mutate func(*models.Bootstrap)) *fixture {
	t.Helper()
	boot := models.Bootstrap{
		BroadcastID:       uuid.New(),
		HostID:            uuid.New(),
		Title:             "morning show",
		AllowGuests:       true,
		ChatEnabled:       true,
		ModerationEnabled: true,
		MaxListeners:      100,
	}
	if mutate != nil {
		mutate(&boot)
	}
	sink := &fakeSink{}
	arch := &fakeArchive{recs: make(chan models.ArchiveRecord, 1)}
	coord := NewCoordinator(cfg, &fakeStore{boot: boot}, arch, sink, zaptest.NewLogger(t), nil)
	return &fixture{coord: coord, sink: sink, archive: arch, boot: boot}
}

func (f *fixture) open(t *testing.T) *Session {
	t.Helper()
	s, err := f.coord.Open(context.Background(), f.boot.BroadcastID)
	require.NoError(t, err)
	return s
}

func (f *fixture) hostConn() *models.Connection {
	return &models.Connection{
		ID:          uuid.New().String(),
		BroadcastID: f.boot.BroadcastID,
		UserID:      f.boot.HostID,
		Role:        models.RoleHost,
	}
}

func (f *fixture) conn(role models.Role) *models.Connection {
	return &models.Connection{
		ID:          uuid.New().String(),
		BroadcastID: f.boot.BroadcastID,
		UserID:      uuid.New(),
		Role:        role,
	}
}

func TestOpenUnknownBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.Open(context.Background(), uuid.New())
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestOpenIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	a := f.open(t)
	b := f.open(t)
	assert.Same(t, a, b)
	a.ForceEnd("test done")
}

func TestHostJoinTransitionsIdleToReady(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)
	defer s.ForceEnd("test done")

	assert.Equal(t, models.StateIdle, s.State())
	require.NoError(t, s.Join(f.hostConn()))
	assert.Equal(t, models.StateReady, s.State())
}

func TestOnlyDeclaredHostMayConnectAsHost(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)
	defer s.ForceEnd("test done")

	impostor := f.conn(models.RoleHost)
	err := s.Join(impostor)
	assert.Equal(t, errs.CodeNotAuthorized, errs.CodeOf(err))
	assert.Equal(t, models.StateIdle, s.State())
}

func TestSecondHostConnectionRejected(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)
	defer s.ForceEnd("test done")

	require.NoError(t, s.Join(f.hostConn()))
	err := s.Join(f.hostConn())
	assert.Equal(t, errs.CodeDuplicateHost, errs.CodeOf(err))
}

func TestGuestsRequireAllowGuests(t *testing.T) {
	f := newFixture(t, func(b *models.Bootstrap) { b.AllowGuests = false })
	s := f.open(t)
	defer s.ForceEnd("test done")

	err := s.Join(f.conn(models.RoleGuest))
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(err))
	require.NoError(t, s.Join(f.conn(models.RoleListener)))
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)

	host := f.hostConn()
	require.NoError(t, s.Join(host))
	listener := f.conn(models.RoleListener)
	require.NoError(t, s.Join(listener))

	// A listener may not start the broadcast.
	err := s.Start(listener.ID)
	assert.Equal(t, errs.CodeNotAuthorized, errs.CodeOf(err))

	require.NoError(t, s.Start(host.ID))
	assert.Equal(t, models.StateLive, s.State())

	// Starting a live session is a state error.
	err = s.Start(host.ID)
	assert.Equal(t, errs.CodeInvalidState, errs.CodeOf(err))

	_, err = s.PostChat(listener.ID, "hello", models.MessageUser, nil)
	require.NoError(t, err)

	state, err := s.Stop(host.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateEnded, state)

	select {
	case rec := <-f.archive.recs:
		assert.Equal(t, f.boot.BroadcastID, rec.BroadcastID)
		assert.Equal(t, 1, rec.PeakListeners)
		require.Len(t, rec.ChatMessages, 1)
		assert.Equal(t, "hello", rec.ChatMessages[0].Content)
	case <-time.After(2 * time.Second):
		t.Fatal("archive record not emitted")
	}

	// Stopping an ended session is idempotent.
	state, err = s.Stop(host.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateEnded, state)

	assert.Equal(t, 1, f.sink.count("evict_all", "stopped by host"))
	_, err = f.coord.Get(f.boot.BroadcastID)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestStartRequiresReadyState(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)
	defer s.ForceEnd("test done")

	listener := f.conn(models.RoleListener)
	require.NoError(t, s.Join(listener))
	host := f.hostConn()
	require.NoError(t, s.Join(host))
	s.Leave(host.ID)
	// Host left while Ready, session is Idle again.
	assert.Equal(t, models.StateIdle, s.State())

	host2 := f.hostConn()
	require.NoError(t, s.Join(host2))
	require.NoError(t, s.Start(host2.ID))
}

func TestHostDisconnectGraceEndsLiveSession(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)

	host := f.hostConn()
	require.NoError(t, s.Join(host))
	require.NoError(t, s.Start(host.ID))
	s.Leave(host.ID)

	require.Eventually(t, func() bool {
		return s.State() == models.StateEnded
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-f.archive.recs:
	case <-time.After(2 * time.Second):
		t.Fatal("archive record not emitted")
	}
}

func TestHostReconnectCancelsGrace(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)
	defer s.ForceEnd("test done")

	host := f.hostConn()
	require.NoError(t, s.Join(host))
	require.NoError(t, s.Start(host.ID))
	s.Leave(host.ID)

	require.NoError(t, s.Join(f.hostConn()))
	time.Sleep(3 * testEngineConfig().HostGrace)
	assert.Equal(t, models.StateLive, s.State())
}

func TestDeadAirEndsLiveSessionWithNoSources(t *testing.T) {
	cfg := testEngineConfig()
	cfg.DeadAirGrace = 100 * time.Millisecond
	cfg.HostGrace = time.Minute
	f := newFixtureWithConfig(t, cfg, nil)
	s := f.open(t)

	host := f.hostConn()
	require.NoError(t, s.Join(host))
	require.NoError(t, s.Start(host.ID))

	// The host stays connected but nothing ever publishes audio.
	require.Eventually(t, func() bool {
		return s.State() == models.StateEnded
	}, 5*time.Second, 50*time.Millisecond)

	select {
	case rec := <-f.archive.recs:
		assert.Equal(t, f.boot.BroadcastID, rec.BroadcastID)
	case <-time.After(2 * time.Second):
		t.Fatal("archive record not emitted")
	}
	assert.Equal(t, 1, f.sink.count("evict_all", "dead air timeout"))
}

func TestStopRacingTeardownReturnsTerminalState(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)

	host := f.hostConn()
	require.NoError(t, s.Join(host))
	require.NoError(t, s.Start(host.ID))

	// Hold the command loop so a teardown and a stop can be queued behind
	// the same blocked slot.
	blocked := make(chan struct{})
	release := make(chan struct{})
	go s.do(func() {
		close(blocked)
		<-release
	})
	<-blocked

	go s.ForceEnd("host disconnect grace expired")
	time.Sleep(20 * time.Millisecond)

	type stopResult struct {
		state models.SessionState
		err   error
	}
	results := make(chan stopResult, 1)
	go func() {
		state, err := s.Stop(host.ID)
		results <- stopResult{state: state, err: err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	// Whichever command runs first, a stop overlapping the teardown is a
	// no-op success, never a connection lookup failure.
	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.Equal(t, models.StateEnded, res.state)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	select {
	case <-f.archive.recs:
	case <-time.After(2 * time.Second):
		t.Fatal("archive record not emitted")
	}
}

func TestModerationBanEvictsAndBlocksRejoin(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)
	defer s.ForceEnd("test done")

	host := f.hostConn()
	require.NoError(t, s.Join(host))
	listener := f.conn(models.RoleListener)
	require.NoError(t, s.Join(listener))

	_, err := s.Moderate(host.ID, moderation.Target{UserID: listener.UserID}, models.ActionBan, "abuse", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sink.count("evict", "abuse"))

	rejoin := f.conn(models.RoleListener)
	rejoin.UserID = listener.UserID
	err = s.Join(rejoin)
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(err))
}

func TestModerationMuteBlocksChat(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)
	defer s.ForceEnd("test done")

	host := f.hostConn()
	require.NoError(t, s.Join(host))
	listener := f.conn(models.RoleListener)
	require.NoError(t, s.Join(listener))

	_, err := s.Moderate(host.ID, moderation.Target{UserID: listener.UserID}, models.ActionMute, "spam", nil)
	require.NoError(t, err)

	_, err = s.PostChat(listener.ID, "still here?", models.MessageUser, nil)
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(err))

	// Moderation by a listener is rejected.
	_, err = s.Moderate(listener.ID, moderation.Target{UserID: host.UserID}, models.ActionMute, "", nil)
	assert.Equal(t, errs.CodeNotAuthorized, errs.CodeOf(err))
}

func TestAttachSourceAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)
	defer s.ForceEnd("test done")

	listener := f.conn(models.RoleListener)
	require.NoError(t, s.Join(listener))
	_, err := s.AttachSource(listener.ID, models.AudioSource{Type: models.SourceMusic, Gain: 100})
	assert.Equal(t, errs.CodeNotAuthorized, errs.CodeOf(err))

	// Publishing needs the session to be at least ready.
	guest := f.conn(models.RoleGuest)
	require.NoError(t, s.Join(guest))
	_, err = s.AttachSource(guest.ID, models.AudioSource{Type: models.SourceGuest, Gain: 100})
	assert.Equal(t, errs.CodeInvalidState, errs.CodeOf(err))

	require.NoError(t, s.Join(f.hostConn()))
	src, err := s.AttachSource(guest.ID, models.AudioSource{Type: models.SourceGuest, Gain: 100})
	require.NoError(t, err)
	assert.Equal(t, guest.ID, src.ConnectionID)
	assert.True(t, src.Active)
}

func TestSourceOwnership(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)
	defer s.ForceEnd("test done")

	host := f.hostConn()
	require.NoError(t, s.Join(host))
	guest := f.conn(models.RoleGuest)
	require.NoError(t, s.Join(guest))
	other := f.conn(models.RoleGuest)
	require.NoError(t, s.Join(other))

	src, err := s.AttachSource(guest.ID, models.AudioSource{Type: models.SourceGuest, Gain: 100})
	require.NoError(t, err)

	// Another guest cannot adjust someone else's source.
	err = s.SetSourceGain(other.ID, src.ID, 50)
	assert.Equal(t, errs.CodeNotAuthorized, errs.CodeOf(err))

	// The host can adjust any source.
	require.NoError(t, s.SetSourceGain(host.ID, src.ID, 50))
	require.NoError(t, s.SetSourceMuted(host.ID, src.ID, true))
	require.NoError(t, s.DetachSource(host.ID, src.ID))
}

func TestPushAudioRequiresLiveSessionAndOwnership(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)
	defer s.ForceEnd("test done")

	host := f.hostConn()
	require.NoError(t, s.Join(host))
	guest := f.conn(models.RoleGuest)
	require.NoError(t, s.Join(guest))

	src, err := s.AttachSource(guest.ID, models.AudioSource{Type: models.SourceGuest, Gain: 100})
	require.NoError(t, err)

	err = s.PushAudio(guest.ID, src.ID, 1, []byte{0, 0})
	assert.Equal(t, errs.CodeInvalidState, errs.CodeOf(err))

	require.NoError(t, s.Start(host.ID))
	require.NoError(t, s.PushAudio(guest.ID, src.ID, 1, []byte{0, 0}))

	err = s.PushAudio(host.ID, src.ID, 2, []byte{0, 0})
	assert.Equal(t, errs.CodeNotAuthorized, errs.CodeOf(err))
}

func TestPrivilegedChatTypes(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)
	defer s.ForceEnd("test done")

	host := f.hostConn()
	require.NoError(t, s.Join(host))
	listener := f.conn(models.RoleListener)
	require.NoError(t, s.Join(listener))

	_, err := s.PostChat(listener.ID, "fake", models.MessageHost, nil)
	assert.Equal(t, errs.CodeNotAuthorized, errs.CodeOf(err))
	_, err = s.PostChat(listener.ID, "fake", models.MessageAnnouncement, nil)
	assert.Equal(t, errs.CodeNotAuthorized, errs.CodeOf(err))

	_, err = s.PostChat(host.ID, "welcome", models.MessageHost, nil)
	require.NoError(t, err)
	_, err = s.PostChat(host.ID, "starting soon", models.MessageAnnouncement, nil)
	require.NoError(t, err)

	// Chat goes out on the cross-instance channel only.
	assert.Equal(t, 2, f.sink.count("publish", "chat_message"))
	assert.Equal(t, 0, f.sink.count("broadcast", "chat_message"))
}

func TestSnapshotTracksPeakListeners(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)
	defer s.ForceEnd("test done")

	a := f.conn(models.RoleListener)
	b := f.conn(models.RoleListener)
	require.NoError(t, s.Join(a))
	require.NoError(t, s.Join(b))
	s.Leave(a.ID)

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Listeners)
	assert.Equal(t, 2, snap.PeakListeners)
	assert.Equal(t, f.boot.HostID, snap.HostID)
}

func TestOperationsAfterEndFail(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)

	listener := f.conn(models.RoleListener)
	require.NoError(t, s.Join(listener))
	s.ForceEnd("test done")

	require.Eventually(t, func() bool {
		return s.State() == models.StateEnded
	}, 2*time.Second, 10*time.Millisecond)

	err := s.Join(f.conn(models.RoleListener))
	assert.Equal(t, errs.CodeInvalidState, errs.CodeOf(err))
	_, err = s.PostChat(listener.ID, "too late", models.MessageUser, nil)
	assert.Error(t, err)
}

func TestCoordinatorShutdownEndsAllSessions(t *testing.T) {
	f := newFixture(t, nil)
	s := f.open(t)
	require.NoError(t, s.Join(f.hostConn()))

	f.coord.Shutdown()
	require.Eventually(t, func() bool {
		return s.State() == models.StateEnded
	}, 2*time.Second, 10*time.Millisecond)
	_, err := f.coord.Get(f.boot.BroadcastID)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}
