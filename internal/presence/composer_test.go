package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgellert/hodatay-chatsync/internal/ws"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []bool
}

func (s *recordingSender) Send(cmd ws.ClientMsg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, *cmd.IsTyping)
	return nil
}

func (s *recordingSender) signals() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.sent...)
}

func TestComposer_ThrottlesStarts(t *testing.T) {
	clk := clock.NewMock()
	snd := &recordingSender{}
	c := NewComposer(snd, 3*time.Second, 5*time.Second, clk, nil)

	for i := 0; i < 10; i++ {
		c.SetTyping(1, true)
		clk.Add(200 * time.Millisecond)
	}
	// 2s of keystrokes: one start.
	assert.Equal(t, []bool{true}, snd.signals())

	for i := 0; i < 10; i++ {
		c.SetTyping(1, true)
		clk.Add(200 * time.Millisecond)
	}
	// Past the 3s window: a second start.
	assert.Equal(t, []bool{true, true}, snd.signals())
}

func TestComposer_StopOnSubmit(t *testing.T) {
	clk := clock.NewMock()
	snd := &recordingSender{}
	c := NewComposer(snd, 3*time.Second, 5*time.Second, clk, nil)

	c.SetTyping(1, false)
	assert.Empty(t, snd.signals())

	c.SetTyping(1, true)
	c.SetTyping(1, false)
	assert.Equal(t, []bool{true, false}, snd.signals())

	// The idle timer was cancelled by the submit.
	clk.Add(10 * time.Second)
	assert.Equal(t, []bool{true, false}, snd.signals())

	// A fresh session starts immediately.
	c.SetTyping(1, true)
	assert.Equal(t, []bool{true, false, true}, snd.signals())
}

func TestComposer_IdleStop(t *testing.T) {
	clk := clock.NewMock()
	snd := &recordingSender{}
	c := NewComposer(snd, 3*time.Second, 5*time.Second, clk, nil)

	c.SetTyping(1, true)
	clk.Add(4 * time.Second)
	c.SetTyping(1, true)
	clk.Add(4 * time.Second)
	require.Equal(t, []bool{true, true}, snd.signals())

	clk.Add(time.Second)
	require.Eventually(t, func() bool {
		s := snd.signals()
		return len(s) == 3 && !s[2]
	}, time.Second, time.Millisecond)
}
