package moderation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/pkg/errs"
)

type stubMsgStore struct {
	states      map[uuid.UUID]models.ModerationState
	pinned      map[uuid.UUID]bool
	highlighted map[uuid.UUID]bool
}

func newStubMsgStore() *stubMsgStore {
	return &stubMsgStore{
		states:      make(map[uuid.UUID]models.ModerationState),
		pinned:      make(map[uuid.UUID]bool),
		highlighted: make(map[uuid.UUID]bool),
	}
}

func (s *stubMsgStore) SetModerationState(id uuid.UUID, state models.ModerationState, _ string) (*models.ChatMessage, error) {
	s.states[id] = state
	return &models.ChatMessage{ID: id, ModerationState: state}, nil
}

func (s *stubMsgStore) SetPinned(id uuid.UUID, pinned bool) (*models.ChatMessage, error) {
	s.pinned[id] = pinned
	return &models.ChatMessage{ID: id, Pinned: pinned}, nil
}

func (s *stubMsgStore) SetHighlighted(id uuid.UUID, highlighted bool) (*models.ChatMessage, error) {
	s.highlighted[id] = highlighted
	return &models.ChatMessage{ID: id, Highlighted: highlighted}, nil
}

func moderator() *models.Connection {
	return &models.Connection{ID: uuid.New().String(), UserID: uuid.New(), Role: models.RoleModerator}
}

func newTestEngine(t *testing.T, enabled bool, evict Evictor) (*Engine, *stubMsgStore) {
	t.Helper()
	msgs := newStubMsgStore()
	e := NewEngine(uuid.New(), enabled, msgs, evict, zaptest.NewLogger(t), nil)
	return e, msgs
}

func TestApplyRequiresModerateCapability(t *testing.T) {
	e, _ := newTestEngine(t, true, nil)
	listener := &models.Connection{ID: "c1", UserID: uuid.New(), Role: models.RoleListener}
	_, err := e.Apply(listener, Target{UserID: uuid.New()}, models.ActionMute, "", nil)
	assert.Equal(t, errs.CodeNotAuthorized, errs.CodeOf(err))
	assert.Empty(t, e.Actions(), "rejected action leaves no trace")
}

func TestApplyDisabledEngine(t *testing.T) {
	e, _ := newTestEngine(t, false, nil)
	_, err := e.Apply(moderator(), Target{UserID: uuid.New()}, models.ActionMute, "", nil)
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(err))
}

func TestMuteBlocksChatUntilUnmute(t *testing.T) {
	e, _ := newTestEngine(t, true, nil)
	target := uuid.New()

	_, err := e.Apply(moderator(), Target{UserID: target}, models.ActionMute, "spam", nil)
	require.NoError(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(e.CanChat(target, time.Now())))

	_, err = e.Apply(moderator(), Target{UserID: target}, models.ActionUnmute, "", nil)
	require.NoError(t, err)
	assert.NoError(t, e.CanChat(target, time.Now()))
}

func TestTimeoutRequiresDuration(t *testing.T) {
	e, _ := newTestEngine(t, true, nil)
	_, err := e.Apply(moderator(), Target{UserID: uuid.New()}, models.ActionTimeout, "", nil)
	assert.Equal(t, errs.CodeInvalidParameter, errs.CodeOf(err))

	neg := -time.Second
	_, err = e.Apply(moderator(), Target{UserID: uuid.New()}, models.ActionTimeout, "", &neg)
	assert.Equal(t, errs.CodeInvalidParameter, errs.CodeOf(err))
}

func TestTimeoutExpiresLazily(t *testing.T) {
	e, _ := newTestEngine(t, true, nil)
	target := uuid.New()
	d := time.Minute

	rec, err := e.Apply(moderator(), Target{UserID: target}, models.ActionTimeout, "cool off", &d)
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)

	now := time.Now()
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(e.CanChat(target, now)))
	// The check itself clears the expired restriction.
	assert.NoError(t, e.CanChat(target, now.Add(2*time.Minute)))
	assert.NoError(t, e.CanChat(target, now))
}

func TestBanEvictsAndBlocksRejoin(t *testing.T) {
	var evicted uuid.UUID
	e, _ := newTestEngine(t, true, func(userID uuid.UUID, _ string) { evicted = userID })
	target := uuid.New()

	_, err := e.Apply(moderator(), Target{UserID: target}, models.ActionBan, "abuse", nil)
	require.NoError(t, err)
	assert.Equal(t, target, evicted)
	assert.True(t, e.IsBanned(target))
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(e.CanChat(target, time.Now())))

	_, err = e.Apply(moderator(), Target{UserID: target}, models.ActionUnban, "", nil)
	require.NoError(t, err)
	assert.False(t, e.IsBanned(target))
}

func TestMessageActions(t *testing.T) {
	e, msgs := newTestEngine(t, true, nil)
	msgID := uuid.New()
	mod := moderator()

	_, err := e.Apply(mod, Target{MessageID: &msgID}, models.ActionHide, "spoiler", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ModerationHidden, msgs.states[msgID])

	_, err = e.Apply(mod, Target{MessageID: &msgID}, models.ActionDelete, "abuse", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ModerationDeleted, msgs.states[msgID])

	_, err = e.Apply(mod, Target{MessageID: &msgID}, models.ActionPin, "", nil)
	require.NoError(t, err)
	assert.True(t, msgs.pinned[msgID])

	_, err = e.Apply(mod, Target{MessageID: &msgID}, models.ActionHighlight, "", nil)
	require.NoError(t, err)
	assert.True(t, msgs.highlighted[msgID])

	_, err = e.Apply(mod, Target{}, models.ActionHide, "", nil)
	assert.Equal(t, errs.CodeInvalidParameter, errs.CodeOf(err), "message action needs a target message")
}

func TestTrailIsAppendOnly(t *testing.T) {
	e, _ := newTestEngine(t, true, nil)
	mod := moderator()
	target := uuid.New()

	_, err := e.Apply(mod, Target{UserID: target}, models.ActionMute, "one", nil)
	require.NoError(t, err)
	_, err = e.Apply(mod, Target{UserID: target}, models.ActionUnmute, "two", nil)
	require.NoError(t, err)

	trail := e.Actions()
	require.Len(t, trail, 2)
	assert.Equal(t, models.ActionMute, trail[0].Action)
	assert.Equal(t, models.ActionUnmute, trail[1].Action)

	// Mutating the returned slice does not touch the trail.
	trail[0].Reason = "changed"
	assert.Equal(t, "one", e.Actions()[0].Reason)
}
