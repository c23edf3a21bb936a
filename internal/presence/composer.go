package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
	"github.com/kgellert/hodatay-chatsync/internal/ws"
)

type Sender interface {
	Send(cmd ws.ClientMsg) error
}

type composing struct {
	limiter *rate.Limiter
	idle    *clock.Timer
	gen     int
}

// Composer paces outgoing typing signals: at most one start per throttle
// window while typing, and an explicit stop on submit or after idle.
type Composer struct {
	sender   Sender
	throttle time.Duration
	idle     time.Duration
	clock    clock.Clock
	log      *slog.Logger

	mu    sync.Mutex
	convs map[int64]*composing
}

func NewComposer(sender Sender, throttle, idle time.Duration, clk clock.Clock, log *slog.Logger) *Composer {
	if throttle <= 0 {
		throttle = 3 * time.Second
	}
	if idle <= 0 {
		idle = 5 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = sl.Discard()
	}

	return &Composer{
		sender:   sender,
		throttle: throttle,
		idle:     idle,
		clock:    clk,
		log:      log,
		convs:    make(map[int64]*composing),
	}
}

// SetTyping is called on every keystroke with true, and with false on
// submit or when the draft is cleared.
func (c *Composer) SetTyping(chatID int64, isTyping bool) {
	if !isTyping {
		c.stop(chatID, -1)
		return
	}

	c.mu.Lock()
	st := c.convs[chatID]
	if st == nil {
		st = &composing{limiter: rate.NewLimiter(rate.Every(c.throttle), 1)}
		c.convs[chatID] = st
	}

	st.gen++
	gen := st.gen
	if st.idle != nil {
		st.idle.Stop()
	}
	st.idle = c.clock.AfterFunc(c.idle, func() { c.stop(chatID, gen) })

	send := st.limiter.AllowN(c.clock.Now(), 1)
	c.mu.Unlock()

	if send {
		c.send(chatID, true)
	}
}

// stop ends the typing session. gen < 0 stops unconditionally; otherwise
// only if no keystroke arrived since the idle timer was armed.
func (c *Composer) stop(chatID int64, gen int) {
	c.mu.Lock()
	st := c.convs[chatID]
	if st == nil || (gen >= 0 && st.gen != gen) {
		c.mu.Unlock()
		return
	}
	if st.idle != nil {
		st.idle.Stop()
	}
	delete(c.convs, chatID)
	c.mu.Unlock()

	c.send(chatID, false)
}

// Close stops every pending idle timer without sending.
func (c *Composer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, st := range c.convs {
		if st.idle != nil {
			st.idle.Stop()
		}
		delete(c.convs, id)
	}
}

func (c *Composer) send(chatID int64, isTyping bool) {
	if err := c.sender.Send(ws.TypingMsg(chatID, isTyping)); err != nil {
		c.log.Debug("typing signal not sent",
			slog.Int64("chat_id", chatID),
			slog.Bool("is_typing", isTyping),
			sl.Err(err),
		)
	}
}
