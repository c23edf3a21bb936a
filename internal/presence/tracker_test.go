package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changes struct {
	mu  sync.Mutex
	ids []int64
}

func (c *changes) record(chatID int64) {
	c.mu.Lock()
	c.ids = append(c.ids, chatID)
	c.mu.Unlock()
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func TestTracker_TypingUsers(t *testing.T) {
	clk := clock.NewMock()
	var ch changes
	tr := New(1, 5*time.Second, clk, ch.record)
	tr.Watch(10)

	tr.Typing(10, 3, true)
	tr.Typing(10, 2, true)
	tr.Typing(10, 1, true) // self
	assert.Equal(t, []int64{2, 3}, tr.TypingUsers(10))

	tr.Typing(10, 3, false)
	assert.Equal(t, []int64{2}, tr.TypingUsers(10))
	assert.Equal(t, 3, ch.count())
}

func TestTracker_ExpiredExcludedWithoutSweep(t *testing.T) {
	clk := clock.NewMock()
	tr := New(1, 5*time.Second, clk, nil)
	tr.Watch(10)

	tr.Typing(10, 2, true)
	tr.Typing(10, 3, true)

	// An entry past its expiry that no timer has removed yet.
	tr.mu.Lock()
	tr.rooms[10].expires[2] = clk.Now().Add(-time.Millisecond)
	tr.mu.Unlock()

	assert.Equal(t, []int64{3}, tr.TypingUsers(10))
}

func TestTracker_SweepNotifies(t *testing.T) {
	clk := clock.NewMock()
	var ch changes
	tr := New(1, 5*time.Second, clk, ch.record)
	tr.Watch(10)

	tr.Typing(10, 2, true)
	clk.Add(3 * time.Second)
	tr.Typing(10, 3, true)
	require.Equal(t, 2, ch.count())

	clk.Add(2 * time.Second)
	require.Eventually(t, func() bool { return ch.count() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{3}, tr.TypingUsers(10))

	clk.Add(3 * time.Second)
	require.Eventually(t, func() bool { return ch.count() == 4 }, time.Second, time.Millisecond)
	assert.Empty(t, tr.TypingUsers(10))
}

func TestTracker_RefreshExtends(t *testing.T) {
	clk := clock.NewMock()
	tr := New(1, 5*time.Second, clk, nil)
	tr.Watch(10)

	tr.Typing(10, 2, true)
	clk.Add(4 * time.Second)
	tr.Typing(10, 2, true)
	clk.Add(4 * time.Second)
	assert.Equal(t, []int64{2}, tr.TypingUsers(10))
}

func TestTracker_UnwatchedIgnored(t *testing.T) {
	clk := clock.NewMock()
	var ch changes
	tr := New(1, 5*time.Second, clk, ch.record)

	tr.Typing(10, 2, true)
	assert.Empty(t, tr.TypingUsers(10))

	tr.Watch(10)
	tr.Typing(10, 2, true)
	tr.Unwatch(10)
	assert.Empty(t, tr.TypingUsers(10))

	// The stopped timer never fires a change for the dropped room.
	clk.Add(10 * time.Second)
	assert.Equal(t, 2, ch.count())
}
