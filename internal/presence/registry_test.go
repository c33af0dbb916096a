package presence

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accreditation-portal/messaging/internal/model"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New(nil)

	prev := r.Register("alice", "c1")
	assert.Empty(t, prev)

	connID, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "c1", connID)

	_, ok = r.Lookup("bob")
	assert.False(t, ok, "unknown user is absent, not an error")
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := New(nil)

	r.Register("alice", "c1")
	prev := r.Register("alice", "c2")
	assert.Equal(t, "c1", prev)

	connID, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "c2", connID)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DuplicateRegistrationIsHarmless(t *testing.T) {
	r := New(nil)

	r.Register("alice", "c1")
	prev := r.Register("alice", "c1")

	assert.Empty(t, prev)
	connID, _ := r.Lookup("alice")
	assert.Equal(t, "c1", connID)
}

func TestRegistry_RemoveCurrent(t *testing.T) {
	r := New(nil)
	r.Register("alice", "c1")

	assert.True(t, r.Remove("c1"))

	_, ok := r.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_StaleRemoveIsNoop(t *testing.T) {
	r := New(nil)

	r.Register("alice", "c1")
	r.Register("alice", "c2")

	assert.False(t, r.Remove("c1"), "disconnect of the superseded socket must not erase the new mapping")

	connID, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "c2", connID)
}

func TestRegistry_RemoveUnknownConnection(t *testing.T) {
	r := New(nil)
	r.Register("alice", "c1")

	assert.False(t, r.Remove("nope"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ConnectionReannouncesDifferentUser(t *testing.T) {
	r := New(nil)

	r.Register("alice", "c1")
	r.Register("bob", "c1")

	_, ok := r.Lookup("alice")
	assert.False(t, ok)
	connID, ok := r.Lookup("bob")
	require.True(t, ok)
	assert.Equal(t, "c1", connID)
}

func TestRegistry_Snapshot(t *testing.T) {
	r := New(nil)
	r.Register("carol", "c3")
	r.Register("alice", "c1")
	r.Register("bob", "c2")

	assert.Equal(t, []model.Connection{
		{UserID: "alice", ConnectionID: "c1"},
		{UserID: "bob", ConnectionID: "c2"},
		{UserID: "carol", ConnectionID: "c3"},
	}, r.Snapshot())
}

func TestRegistry_RemoveAfterGracePeriod(t *testing.T) {
	r := New(nil)
	defer r.Close()

	r.Register("alice", "c1")
	r.RemoveAfter("c1", 20*time.Millisecond)

	_, ok := r.Lookup("alice")
	assert.True(t, ok, "still present during the grace period")

	assert.Eventually(t, func() bool {
		_, ok := r.Lookup("alice")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_ReconnectWithinGracePeriodSurvives(t *testing.T) {
	r := New(nil)
	defer r.Close()

	r.Register("alice", "c1")
	r.RemoveAfter("c1", 20*time.Millisecond)
	r.Register("alice", "c2")

	time.Sleep(60 * time.Millisecond)

	connID, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "c2", connID)
}

func TestRegistry_RemoveAfterZeroIsImmediate(t *testing.T) {
	r := New(nil)
	r.Register("alice", "c1")

	r.RemoveAfter("c1", 0)

	_, ok := r.Lookup("alice")
	assert.False(t, ok)
}

// consistent checks that both indexes agree and no user holds two connections.
func consistent(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, connID := range r.byUser {
		assert.Equal(t, userID, r.byConn[connID], "reverse index for %s", userID)
	}
	seen := make(map[string]string)
	for connID, userID := range r.byConn {
		if r.byUser[userID] == connID {
			other, dup := seen[userID]
			assert.False(t, dup, "user %s mapped to %s and %s", userID, other, connID)
			seen[userID] = connID
		}
	}
}

func TestRegistry_RandomSequencesKeepOneConnectionPerUser(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r := New(nil)

	users := []string{"u1", "u2", "u3"}
	var conns []string
	for i := 0; i < 2000; i++ {
		if len(conns) == 0 || rng.Intn(3) > 0 {
			connID := fmt.Sprintf("c%d", i)
			conns = append(conns, connID)
			r.Register(users[rng.Intn(len(users))], connID)
		} else {
			r.Remove(conns[rng.Intn(len(conns))])
		}
		consistent(t, r)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", i%5)
			connID := fmt.Sprintf("conn-%d", i)
			r.Register(userID, connID)
			r.Lookup(userID)
			r.Snapshot()
			r.Remove(connID)
		}(i)
	}
	wg.Wait()

	consistent(t, r)
}
