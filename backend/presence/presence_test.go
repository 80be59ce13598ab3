package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type expireRecorder struct {
	mu      sync.Mutex
	expired [][2]string
}

func (r *expireRecorder) record(roomID, userID string) {
	r.mu.Lock()
	r.expired = append(r.expired, [2]string{roomID, userID})
	r.mu.Unlock()
}

func (r *expireRecorder) all() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]string(nil), r.expired...)
}

func newTestTracker(idle time.Duration, rec *expireRecorder) *Tracker {
	logger := zerolog.Nop()
	var onExpire ExpireFunc
	if rec != nil {
		onExpire = rec.record
	}
	return NewTracker(idle, onExpire, &logger)
}

func TestTracker_JoinLeaveCount(t *testing.T) {
	tr := newTestTracker(time.Minute, nil)

	tr.Join("geral", "alice")
	tr.Join("geral", "bob")
	tr.Join("random", "carol")

	assert.Equal(t, 2, tr.OnlineCount("geral"))
	assert.Equal(t, 1, tr.OnlineCount("random"))
	assert.Equal(t, 0, tr.OnlineCount("empty"))
	assert.ElementsMatch(t, []string{"alice", "bob"}, tr.ListOnline("geral"))

	tr.Leave("geral", "alice")
	assert.Equal(t, 1, tr.OnlineCount("geral"))
	assert.ElementsMatch(t, []string{"bob"}, tr.ListOnline("geral"))

	tr.Leave("geral", "bob")
	assert.Equal(t, 0, tr.OnlineCount("geral"))
	assert.Nil(t, tr.ListOnline("geral"))
}

func TestTracker_LeaveUnknownIsNoop(t *testing.T) {
	tr := newTestTracker(time.Minute, nil)
	tr.Leave("nowhere", "nobody")
	assert.Equal(t, 0, tr.OnlineCount("nowhere"))
}

func TestTracker_SweepEvictsIdleEntries(t *testing.T) {
	rec := &expireRecorder{}
	tr := newTestTracker(time.Minute, rec)

	start := time.Now()
	tr.now = func() time.Time { return start }
	tr.Join("geral", "alice")
	tr.Join("geral", "bob")

	// bob keeps heartbeating, alice goes silent
	tr.now = func() time.Time { return start.Add(45 * time.Second) }
	tr.Heartbeat("geral", "bob")

	tr.now = func() time.Time { return start.Add(70 * time.Second) }
	tr.Sweep()

	assert.Equal(t, 1, tr.OnlineCount("geral"))
	assert.ElementsMatch(t, []string{"bob"}, tr.ListOnline("geral"))
	require.Len(t, rec.all(), 1)
	assert.Equal(t, [2]string{"geral", "alice"}, rec.all()[0])
}

func TestTracker_SweepRemovesEmptyRoom(t *testing.T) {
	rec := &expireRecorder{}
	tr := newTestTracker(time.Minute, rec)

	start := time.Now()
	tr.now = func() time.Time { return start }
	tr.Join("geral", "alice")

	tr.now = func() time.Time { return start.Add(2 * time.Minute) }
	tr.Sweep()

	assert.Equal(t, 0, tr.OnlineCount("geral"))
	require.Len(t, rec.all(), 1)

	// a second sweep finds nothing to do
	tr.Sweep()
	assert.Len(t, rec.all(), 1)
}

func TestTracker_HeartbeatRecreatesEntry(t *testing.T) {
	tr := newTestTracker(time.Minute, nil)
	tr.Heartbeat("geral", "alice")
	assert.Equal(t, 1, tr.OnlineCount("geral"))
}
