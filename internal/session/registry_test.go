package session

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/pkg/errs"
)

func conn(role models.Role) *models.Connection {
	return &models.Connection{ID: uuid.New().String(), UserID: uuid.New(), Role: role}
}

func TestRegistrySingleHost(t *testing.T) {
	r := newRegistry(uuid.New(), 0)
	require.NoError(t, r.register(conn(models.RoleHost)))
	err := r.register(conn(models.RoleHost))
	assert.Equal(t, errs.CodeDuplicateHost, errs.CodeOf(err))

	h, ok := r.host()
	require.True(t, ok)
	assert.Equal(t, models.RoleHost, h.Role)
}

func TestRegistryListenerCapacity(t *testing.T) {
	r := newRegistry(uuid.New(), 2)
	require.NoError(t, r.register(conn(models.RoleListener)))
	require.NoError(t, r.register(conn(models.RoleListener)))
	err := r.register(conn(models.RoleListener))
	assert.Equal(t, errs.CodeForbidden, errs.CodeOf(err))

	// Capacity only applies to listeners.
	require.NoError(t, r.register(conn(models.RoleGuest)))
	assert.Equal(t, 2, r.listenerCount())
	assert.Equal(t, 3, r.count())
}

func TestRegistryJoinOrderAndSample(t *testing.T) {
	r := newRegistry(uuid.New(), 0)
	first := conn(models.RoleListener)
	second := conn(models.RoleListener)
	third := conn(models.RoleListener)
	require.NoError(t, r.register(first))
	require.NoError(t, r.register(second))
	require.NoError(t, r.register(third))

	sample := r.sample(2)
	require.Len(t, sample, 2)
	assert.Equal(t, first.ID, sample[0].ID)
	assert.Equal(t, second.ID, sample[1].ID)

	removed := r.unregister(first.ID)
	require.NotNil(t, removed)
	assert.False(t, removed.Online)
	assert.Nil(t, r.unregister(first.ID))

	sample = r.sample(10)
	require.Len(t, sample, 2)
	assert.Equal(t, second.ID, sample[0].ID)
}

func TestRegistryByUserAndEvictAll(t *testing.T) {
	r := newRegistry(uuid.New(), 0)
	userID := uuid.New()
	a := &models.Connection{ID: "a", UserID: userID, Role: models.RoleListener}
	b := &models.Connection{ID: "b", UserID: userID, Role: models.RoleGuest}
	require.NoError(t, r.register(a))
	require.NoError(t, r.register(b))
	require.NoError(t, r.register(conn(models.RoleListener)))

	assert.Len(t, r.byUser(userID), 2)

	evicted := r.evictAll()
	assert.Len(t, evicted, 3)
	assert.Equal(t, 0, r.count())
	for _, c := range evicted {
		assert.False(t, c.Online)
	}
}

func TestRegistrySetMuted(t *testing.T) {
	r := newRegistry(uuid.New(), 0)
	c := conn(models.RoleListener)
	require.NoError(t, r.register(c))
	r.setMuted(c.ID, true)
	got, ok := r.get(c.ID)
	require.True(t, ok)
	assert.True(t, got.Muted)
}
