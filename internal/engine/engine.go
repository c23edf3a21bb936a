// Package engine wires the push channel, the message page store, the
// mutation reconciler, the typing tracker and the unread coordinator into
// the single API the UI layer talks to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/kgellert/hodatay-chatsync/internal/api"
	chatsdomain "github.com/kgellert/hodatay-chatsync/internal/chats"
	"github.com/kgellert/hodatay-chatsync/internal/config"
	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
	"github.com/kgellert/hodatay-chatsync/internal/messages/store"
	"github.com/kgellert/hodatay-chatsync/internal/metrics"
	"github.com/kgellert/hodatay-chatsync/internal/mutations"
	"github.com/kgellert/hodatay-chatsync/internal/presence"
	"github.com/kgellert/hodatay-chatsync/internal/unread"
	"github.com/kgellert/hodatay-chatsync/internal/ws"
	"github.com/kgellert/hodatay-chatsync/internal/ws/manager"
)

// refreshEvery bounds list refreshes triggered by events for conversations
// the list does not know.
const refreshEvery = 5 * time.Second

var ErrAlreadyStarted = errors.New("engine already started")

// API is the remote chat API.
type API interface {
	store.Fetcher
	mutations.API
	ListConversations(ctx context.Context, cursor string) (chatsdomain.ListPage, error)
}

// Push is the push channel, usually *manager.Manager.
type Push interface {
	Run(ctx context.Context) error
	Subscribe(chatID int64)
	Unsubscribe(chatID int64)
	Send(cmd ws.ClientMsg) error
	OnEvent(h manager.EventHandler) (remove func())
	OnState(h manager.StateHandler) (remove func())
	State() manager.State
}

// Session is the authentication layer the engine reports rejections to.
type Session interface {
	UserID() int64
	Header() http.Header
	Reauthenticate(err error)
}

type Options struct {
	SelfID  int64
	API     API
	Push    Push
	Session Session
	Clock   clock.Clock
	Sync    config.SyncConfig
	Typing  config.TypingConfig
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Engine struct {
	selfID  int64
	api     API
	push    Push
	session Session
	clock   clock.Clock
	log     *slog.Logger

	store    *store.Store
	unread   *unread.Coordinator
	rec      *mutations.Reconciler
	typing   *presence.Tracker
	composer *presence.Composer

	group   singleflight.Group
	refresh *rate.Limiter
	wg      sync.WaitGroup

	mu        sync.Mutex
	ctx       context.Context
	started   bool
	connState manager.State
	nextID    int
	watchers  map[int]func(Change)
	subs      map[int64]map[int]Callbacks
}

func New(opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = sl.Discard()
	}
	selfID := opts.SelfID
	if selfID == 0 && opts.Session != nil {
		selfID = opts.Session.UserID()
	}

	e := &Engine{
		selfID:    selfID,
		api:       opts.API,
		push:      opts.Push,
		session:   opts.Session,
		clock:     clk,
		log:       log,
		refresh:   rate.NewLimiter(rate.Every(refreshEvery), 1),
		ctx:       context.Background(),
		connState: manager.StateDisconnected,
		watchers:  make(map[int]func(Change)),
		subs:      make(map[int64]map[int]Callbacks),
	}

	e.store = store.New(opts.API, store.Options{
		SelfID:            selfID,
		PageSize:          opts.Sync.PageSize,
		PrefetchThreshold: opts.Sync.PrefetchThreshold,
		Logger:            log,
		Metrics:           opts.Metrics,
		OnPage:            e.onPage,
	})
	e.unread = unread.New(selfID, e.store)
	e.rec = mutations.New(opts.API, e.store, e.unread, mutations.Options{
		SelfID:         selfID,
		MaxAttachments: opts.Sync.MaxAttachments,
		Clock:          clk,
		Logger:         log,
		Metrics:        opts.Metrics,
		OnChange:       e.onLocalChange,
		OnMessage:      e.onConfirmed,
		OnDelete:       e.onLocalDelete,
		OnUnauthorized: e.reauthenticate,
	})
	e.typing = presence.New(selfID, opts.Typing.TTL, clk, func(chatID int64) {
		e.notify(Change{Kind: KindTyping, ConversationID: chatID})
	})
	e.composer = presence.NewComposer(opts.Push, opts.Typing.Throttle, opts.Typing.IdleTimeout, clk, log)

	return e
}

// Start loads the conversation list and runs the push channel until ctx is
// done or the session is rejected. A list that fails to load for any other
// reason is retried on the next reconnect or unknown conversation.
func (e *Engine) Start(ctx context.Context) error {
	const op = "engine.Start"

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrAlreadyStarted)
	}
	e.started = true
	e.ctx = ctx
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
	}()

	removeEvents := e.push.OnEvent(e.handleEvent)
	defer removeEvents()
	removeState := e.push.OnState(e.handleState)
	defer removeState()

	if err := e.RefreshConversations(ctx); err != nil {
		if api.IsUnauthorized(err) {
			e.reauthenticate(err)
			return fmt.Errorf("%s: %w", op, err)
		}
		e.log.Warn("conversation list not loaded", slog.String("op", op), sl.Err(err))
	}

	if err := e.push.Run(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Close waits for outstanding reconciliations and background fetches.
func (e *Engine) Close() {
	e.composer.Close()
	e.rec.Close()
	e.store.Wait()
	e.wg.Wait()
}

func (e *Engine) baseCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

func (e *Engine) reauthenticate(err error) {
	if e.session != nil {
		e.session.Reauthenticate(err)
	}
}

// RefreshConversations reloads every page of the conversation list.
// Concurrent callers share one load.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	ch := e.group.DoChan("conversations", func() (any, error) {
		return nil, e.loadConversations(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) loadConversations(ctx context.Context) error {
	const op = "engine.loadConversations"

	var (
		all    []chatsdomain.Conversation
		cursor string
	)
	for {
		page, err := e.api.ListConversations(ctx, cursor)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		all = append(all, page.Conversations...)
		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	for _, c := range all {
		e.store.SeedMeta(c.ID, c.LastMessage, c.LastActivityAt)
	}
	e.unread.Seed(all)

	e.log.Debug("conversation list loaded", slog.String("op", op), slog.Int("count", len(all)))
	e.notify(Change{Kind: KindConversations})
	return nil
}

// refreshSoon reloads the list in the background, at most once per
// refreshEvery.
func (e *Engine) refreshSoon() {
	const op = "engine.refreshSoon"

	if !e.refresh.AllowN(e.clock.Now(), 1) {
		return
	}

	ctx := e.baseCtx()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.RefreshConversations(ctx); err != nil {
			e.log.Warn("conversation list refresh failed", slog.String("op", op), sl.Err(err))
			if api.IsUnauthorized(err) {
				e.reauthenticate(err)
			}
		}
	}()
}

func (e *Engine) handleState(s manager.State) {
	e.mu.Lock()
	prev := e.connState
	e.connState = s
	e.mu.Unlock()

	if s == manager.StateConnected && (prev == manager.StateReconnecting || prev == manager.StateOffline) {
		// Headers, unread baselines and open histories may have moved
		// while we were away.
		e.refreshSoon()
		for _, chatID := range e.store.Opened() {
			e.catchUp(chatID)
		}
	}
	e.notify(Change{Kind: KindConnection})
}

// catchUp merges the newest page of a conversation in the background.
func (e *Engine) catchUp(chatID int64) {
	const op = "engine.catchUp"

	ctx := e.baseCtx()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.store.FetchLatest(ctx, chatID); err != nil && ctx.Err() == nil {
			e.log.Warn("newest page not loaded",
				slog.String("op", op),
				slog.Int64("chat_id", chatID),
				sl.Err(err),
			)
		}
	}()
}

func (e *Engine) onPage(chatID int64, page messagesdomain.Page, err error) {
	if err != nil {
		if api.IsUnauthorized(err) {
			e.reauthenticate(err)
		}
		return
	}
	if n := len(page.Items); n > 0 {
		e.unread.OnMessage(chatID, page.Items[n-1])
	}
	e.notify(Change{Kind: KindMessages, ConversationID: chatID})
	e.notify(Change{Kind: KindUnread, ConversationID: chatID})
}

func (e *Engine) onLocalChange(chatID int64) {
	e.notify(Change{Kind: KindMessages, ConversationID: chatID})
	e.notify(Change{Kind: KindUnread, ConversationID: chatID})
}

func (e *Engine) onLocalDelete(chatID int64, ids []int64) {
	e.unread.OnDelete(chatID, ids)
	e.notify(Change{Kind: KindUnread, ConversationID: chatID})
	e.notify(Change{Kind: KindConversations, ConversationID: chatID})
}

func (e *Engine) onConfirmed(msg messagesdomain.Message) {
	if !e.unread.OnMessage(msg.ConversationID, msg) {
		e.refreshSoon()
	}
	e.notify(Change{Kind: KindConversations, ConversationID: msg.ConversationID})
}
