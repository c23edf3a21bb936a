package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgellert/hodatay-chatsync/internal/engine"
)

type fakeOpener struct {
	mu       sync.Mutex
	opened   []int64
	released []int64
}

func (f *fakeOpener) Subscribe(chatID int64, _ engine.Callbacks) func() {
	f.mu.Lock()
	f.opened = append(f.opened, chatID)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.released = append(f.released, chatID)
		f.mu.Unlock()
	}
}

func (f *fakeOpener) counts() (opened, released []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.opened...), append([]int64(nil), f.released...)
}

// startHub runs a hub for the test. stop cancels it and waits for Run to
// return.
func startHub(t *testing.T) (h *Hub, opener *fakeOpener, stop func()) {
	t.Helper()

	opener = &fakeOpener{}
	h = NewHub(opener, nil)
	ctx, cancel := context.WithCancel(context.Background())
	doneRun := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(doneRun)
	}()
	stop = func() {
		cancel()
		<-doneRun
	}
	t.Cleanup(stop)
	return h, opener, stop
}

// settle waits until the run loop has picked up every queued command. The
// loop is single threaded, so a change sent afterwards sees their effect.
func settle(t *testing.T, h *Hub) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.cmds) == 0 }, time.Second, time.Millisecond)
}

func recv(t *testing.T, c *Connection) engine.Change {
	t.Helper()
	select {
	case b, ok := <-c.send:
		require.True(t, ok, "send queue closed")
		var ch engine.Change
		require.NoError(t, json.Unmarshal(b, &ch))
		return ch
	case <-time.After(time.Second):
		t.Fatal("no frame")
		return engine.Change{}
	}
}

func assertSilent(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case b := <-c.send:
		t.Fatalf("unexpected frame %s", b)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_RoomsOpenOnceAndReleaseOnLast(t *testing.T) {
	h, opener, _ := startHub(t)

	c1, c2 := NewConnection(nil), NewConnection(nil)
	h.Register(c1)
	h.Register(c2)
	h.Subscribe(c1, []int64{1, 0})
	h.Subscribe(c2, []int64{1})
	h.Subscribe(c2, []int64{1})
	settle(t, h)

	opened, released := opener.counts()
	assert.Equal(t, []int64{1}, opened)
	assert.Empty(t, released)

	h.Unregister(c1)
	settle(t, h)
	_, released = opener.counts()
	assert.Empty(t, released)

	h.Unsubscribe(c2, []int64{1})
	require.Eventually(t, func() bool {
		_, released := opener.counts()
		return len(released) == 1
	}, time.Second, time.Millisecond)
}

func TestHub_Audience(t *testing.T) {
	h, _, _ := startHub(t)

	inRoom, elsewhere := NewConnection(nil), NewConnection(nil)
	h.Register(inRoom)
	h.Register(elsewhere)
	h.Subscribe(inRoom, []int64{1})
	h.Subscribe(elsewhere, []int64{2})
	settle(t, h)

	h.Notify(engine.Change{Kind: engine.KindMessages, ConversationID: 1})
	assert.Equal(t, engine.Change{Kind: engine.KindMessages, ConversationID: 1}, recv(t, inRoom))
	assertSilent(t, elsewhere)

	h.Notify(engine.Change{Kind: engine.KindUnread, ConversationID: 1})
	assert.Equal(t, engine.KindUnread, recv(t, inRoom).Kind)
	assert.Equal(t, engine.KindUnread, recv(t, elsewhere).Kind)

	h.Notify(engine.Change{Kind: engine.KindConnection})
	assert.Equal(t, engine.KindConnection, recv(t, elsewhere).Kind)
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	h, _, _ := startHub(t)

	c := NewConnection(nil)
	h.Register(c)
	h.Unregister(c)

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-c.send:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	// Commands for a gone connection are ignored.
	h.Subscribe(c, []int64{1})
	settle(t, h)
}

func TestHub_StopReleasesEverything(t *testing.T) {
	h, opener, stop := startHub(t)

	c := NewConnection(nil)
	h.Register(c)
	h.Subscribe(c, []int64{1, 2})
	settle(t, h)

	stop()

	_, released := opener.counts()
	assert.ElementsMatch(t, []int64{1, 2}, released)
	_, ok := <-c.send
	assert.False(t, ok)

	// A stopped hub neither blocks nor accepts new sockets.
	late := NewConnection(nil)
	h.Register(late)
	_, ok = <-late.send
	assert.False(t, ok)
}

func TestHub_NotifyNeverBlocks(t *testing.T) {
	h := NewHub(&fakeOpener{}, nil)

	for range cap(h.notify) + 5 {
		h.Notify(engine.Change{Kind: engine.KindConversations})
	}
	assert.Equal(t, int64(5), h.Dropped())
}
