// Package store keeps the per-conversation message history of the session:
// REST pages merged with pushed events and local pending sends, always
// ordered by (created_at, id) with no duplicate ids.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
	"github.com/kgellert/hodatay-chatsync/internal/metrics"
)

type Fetcher interface {
	GetMessages(ctx context.Context, chatID int64, cursor string, limit int) (messagesdomain.Page, error)
}

type ApplyResult int

const (
	// Ignored: duplicate, stale edit or a late copy of a deleted message.
	Ignored ApplyResult = iota
	// MetaOnly: the conversation is not materialized, only its metadata moved.
	MetaOnly
	Inserted
	Replaced
)

type Options struct {
	SelfID            int64
	PageSize          int
	PrefetchThreshold int
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	// OnPage is called after every completed history request, outside the
	// store lock.
	OnPage func(chatID int64, page messagesdomain.Page, err error)
}

// Meta is the conversation-level state the list needs without history.
type Meta struct {
	LastMessage    *messagesdomain.Message
	LastActivityAt time.Time
	Materialized   bool
	Loaded         bool
	HasMore        bool
	Fetching       bool
	Views          int
}

type conversation struct {
	views        int
	materialized bool
	loaded       bool
	fetching     bool
	prefetching  bool
	cursor       string
	hasMore      bool
	// epoch moves when the loaded history is replaced; older-page requests
	// of a previous epoch are dropped.
	epoch int

	items   []messagesdomain.Message
	keys    map[int64]messagesdomain.Key
	pending []messagesdomain.Message
	// held keeps messages deleted locally while the request is in flight.
	held map[int64]messagesdomain.Message

	lastMessage  *messagesdomain.Message
	lastActivity time.Time
}

type Store struct {
	fetcher Fetcher
	opts    Options
	log     *slog.Logger
	group   singleflight.Group
	wg      sync.WaitGroup

	mu    sync.Mutex
	convs map[int64]*conversation
}

func New(fetcher Fetcher, opts Options) *Store {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.PrefetchThreshold < 0 {
		opts.PrefetchThreshold = 0
	}
	log := opts.Logger
	if log == nil {
		log = sl.Discard()
	}

	return &Store{
		fetcher: fetcher,
		opts:    opts,
		log:     log,
		convs:   make(map[int64]*conversation),
	}
}

func (s *Store) convLocked(chatID int64) *conversation {
	c := s.convs[chatID]
	if c == nil {
		c = &conversation{
			keys:    make(map[int64]messagesdomain.Key),
			hasMore: true,
		}
		s.convs[chatID] = c
	}
	return c
}

// Open registers a view of the conversation and materializes its history.
func (s *Store) Open(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convLocked(chatID)
	c.views++
	c.materialized = true
}

// Close releases a view. Fetches still in flight are not cancelled; their
// results are merged when they land.
func (s *Store) Close(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.convs[chatID]; c != nil && c.views > 0 {
		c.views--
	}
}

// Opened returns the conversations that have at least one view.
func (s *Store) Opened() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for id, c := range s.convs {
		if c.views > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (s *Store) IsOpen(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[chatID]
	return c != nil && c.views > 0
}

// SeedMeta installs the list's view of a conversation without touching its
// history. Newer local metadata wins.
func (s *Store) SeedMeta(chatID int64, last *messagesdomain.Message, lastActivity time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convLocked(chatID)
	if last != nil {
		m := last.Clone()
		m.Normalize(s.opts.SelfID)
		touchLocked(c, m)
	}
	if lastActivity.After(c.lastActivity) {
		c.lastActivity = lastActivity
	}
}

// FetchNextPage loads the page older than everything loaded so far. A
// second call while a request is in flight waits for that request instead
// of issuing another. ctx bounds the wait, not the request.
func (s *Store) FetchNextPage(ctx context.Context, chatID int64) (messagesdomain.Page, error) {
	const op = "store.FetchNextPage"

	s.mu.Lock()
	c := s.convLocked(chatID)
	exhausted := c.loaded && !c.hasMore
	s.mu.Unlock()

	if exhausted {
		return messagesdomain.Page{}, nil
	}

	ch := s.group.DoChan(strconv.FormatInt(chatID, 10), func() (any, error) {
		return s.fetch(context.WithoutCancel(ctx), chatID)
	})

	select {
	case <-ctx.Done():
		return messagesdomain.Page{}, fmt.Errorf("%s: %w", op, ctx.Err())
	case res := <-ch:
		if res.Shared {
			s.opts.Metrics.PageFetch(nil, true)
		}
		if res.Err != nil {
			return messagesdomain.Page{}, fmt.Errorf("%s: %w", op, res.Err)
		}
		page := res.Val.(messagesdomain.Page)
		page.Items = cloneAll(page.Items)
		return page, nil
	}
}

func (s *Store) fetch(ctx context.Context, chatID int64) (messagesdomain.Page, error) {
	s.mu.Lock()
	c := s.convLocked(chatID)
	if c.loaded && !c.hasMore {
		s.mu.Unlock()
		return messagesdomain.Page{}, nil
	}
	c.fetching = true
	cursor := c.cursor
	epoch := c.epoch
	s.mu.Unlock()

	page, err := s.fetcher.GetMessages(ctx, chatID, cursor, s.opts.PageSize)
	s.opts.Metrics.PageFetch(err, false)

	s.mu.Lock()
	c.fetching = false
	if err == nil && c.epoch != epoch {
		// The history was replaced by a newer page meanwhile; this cursor
		// belongs to the old one.
		page = messagesdomain.Page{HasMore: c.hasMore, NextCursor: c.cursor}
		s.mu.Unlock()
		return page, nil
	}
	if err == nil {
		for i := range page.Items {
			m := &page.Items[i]
			if m.ConversationID == 0 {
				m.ConversationID = chatID
			}
			m.Normalize(s.opts.SelfID)
			s.mergeLocked(c, *m)
			touchLocked(c, *m)
		}
		c.cursor = page.NextCursor
		c.hasMore = page.HasMore
		c.loaded = true
		c.materialized = true
		slices.SortFunc(page.Items, messagesdomain.Compare)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("history page failed",
			slog.String("op", "store.fetch"),
			slog.Int64("chat_id", chatID),
			sl.Err(err),
		)
	}
	if s.opts.OnPage != nil {
		s.opts.OnPage(chatID, page, err)
	}
	return page, err
}

// FetchLatest reloads the newest page of a loaded conversation and merges
// it, catching up on messages missed while the push channel was down or the
// conversation was closed. A page that does not reach the loaded history
// replaces it so the loaded sequence stays contiguous. A conversation that
// was never loaded gets its first page instead.
func (s *Store) FetchLatest(ctx context.Context, chatID int64) (messagesdomain.Page, error) {
	const op = "store.FetchLatest"

	s.mu.Lock()
	loaded := s.convLocked(chatID).loaded
	s.mu.Unlock()

	if !loaded {
		return s.FetchNextPage(ctx, chatID)
	}

	ch := s.group.DoChan("latest:"+strconv.FormatInt(chatID, 10), func() (any, error) {
		return s.fetchLatest(context.WithoutCancel(ctx), chatID)
	})

	select {
	case <-ctx.Done():
		return messagesdomain.Page{}, fmt.Errorf("%s: %w", op, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return messagesdomain.Page{}, fmt.Errorf("%s: %w", op, res.Err)
		}
		page := res.Val.(messagesdomain.Page)
		page.Items = cloneAll(page.Items)
		return page, nil
	}
}

func (s *Store) fetchLatest(ctx context.Context, chatID int64) (messagesdomain.Page, error) {
	page, err := s.fetcher.GetMessages(ctx, chatID, "", s.opts.PageSize)
	s.opts.Metrics.PageFetch(err, false)

	if err == nil {
		for i := range page.Items {
			m := &page.Items[i]
			if m.ConversationID == 0 {
				m.ConversationID = chatID
			}
			m.Normalize(s.opts.SelfID)
		}
		slices.SortFunc(page.Items, messagesdomain.Compare)

		s.mu.Lock()
		c := s.convLocked(chatID)
		if gap(c.items, page) {
			c.items = nil
			c.keys = make(map[int64]messagesdomain.Key)
			c.held = nil
			c.cursor = page.NextCursor
			c.hasMore = true
			c.epoch++
		}
		for _, m := range page.Items {
			s.mergeLocked(c, m)
			touchLocked(c, m)
		}
		if !page.HasMore {
			c.hasMore = false
		}
		c.loaded = true
		c.materialized = true
		s.mu.Unlock()
	} else {
		s.log.Warn("newest page failed",
			slog.String("op", "store.fetchLatest"),
			slog.Int64("chat_id", chatID),
			sl.Err(err),
		)
	}

	if s.opts.OnPage != nil {
		s.opts.OnPage(chatID, page, err)
	}
	return page, err
}

// gap reports whether a newest page with older pages behind it shares no
// message with the loaded history.
func gap(items []messagesdomain.Message, page messagesdomain.Page) bool {
	if !page.HasMore || len(page.Items) == 0 || len(items) == 0 {
		return false
	}
	return items[len(items)-1].Key().Less(page.Items[0].Key())
}

// ViewportChanged issues a background fetch when the oldest visible message
// is within PrefetchThreshold of the oldest loaded one. It reports whether
// a fetch was started.
func (s *Store) ViewportChanged(ctx context.Context, chatID int64, oldestVisibleIndex int) bool {
	s.mu.Lock()
	c := s.convLocked(chatID)
	want := c.hasMore && !c.fetching && !c.prefetching && oldestVisibleIndex <= s.opts.PrefetchThreshold
	if want {
		// Claimed here so a burst of viewport updates starts one fetch.
		c.prefetching = true
	}
	s.mu.Unlock()

	if !want {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			c.prefetching = false
			s.mu.Unlock()
		}()
		if _, err := s.FetchNextPage(context.WithoutCancel(ctx), chatID); err != nil {
			s.log.Debug("prefetch failed", slog.Int64("chat_id", chatID), sl.Err(err))
		}
	}()
	return true
}

// Wait blocks until background prefetches finish.
func (s *Store) Wait() { s.wg.Wait() }

// ApplyPushedMessage merges a full message from the push channel or from a
// mutation ack.
func (s *Store) ApplyPushedMessage(msg messagesdomain.Message) ApplyResult {
	m := msg.Clone()
	m.Normalize(s.opts.SelfID)
	m.Status = messagesdomain.StatusConfirmed
	m.FailureReason = ""

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convLocked(m.ConversationID)
	if m.ClientID != "" {
		c.pending = slices.DeleteFunc(c.pending, func(p messagesdomain.Message) bool {
			return p.ClientID == m.ClientID
		})
	}

	if !c.materialized {
		if touchLocked(c, m) {
			return MetaOnly
		}
		return Ignored
	}

	res := s.mergeLocked(c, m)
	if res != Ignored {
		touchLocked(c, c.items[s.indexLocked(c, m.ID)])
	}
	return res
}

// ApplyEdit merges a message_edited event. Edits carry the full message.
func (s *Store) ApplyEdit(msg messagesdomain.Message) ApplyResult {
	return s.ApplyPushedMessage(msg)
}

// ApplyDelete tombstones the given messages in place and returns the ids
// that changed.
func (s *Store) ApplyDelete(chatID int64, ids []int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convLocked(chatID)

	var changed []int64
	for _, id := range ids {
		delete(c.held, id)
		if c.lastMessage != nil && c.lastMessage.ID == id && !c.lastMessage.Deleted {
			c.lastMessage.Tombstone()
		}
		i := s.indexLocked(c, id)
		if i < 0 || c.items[i].Deleted {
			continue
		}
		c.items[i].Tombstone()
		changed = append(changed, id)
	}
	return changed
}

// DeleteLocal tombstones a message for a delete request in flight. The
// message is kept aside until CommitDelete or RestoreDelete, and changes
// that reach it meanwhile are applied to the kept copy as well.
func (s *Store) DeleteLocal(chatID, messageID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[chatID]
	if c == nil {
		return false
	}
	i := s.indexLocked(c, messageID)
	if i < 0 || c.items[i].Deleted {
		return false
	}

	if c.held == nil {
		c.held = make(map[int64]messagesdomain.Message)
	}
	c.held[messageID] = c.items[i].Clone()
	c.items[i].Tombstone()
	if c.lastMessage != nil && c.lastMessage.ID == messageID {
		c.lastMessage.Tombstone()
	}
	return true
}

// CommitDelete forgets the copy kept by DeleteLocal.
func (s *Store) CommitDelete(chatID, messageID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.convs[chatID]; c != nil {
		delete(c.held, messageID)
	}
}

// RestoreDelete puts back the copy kept by DeleteLocal, with fn applied to
// it. It reports false when there is nothing to restore, for example after
// the server deleted the message too.
func (s *Store) RestoreDelete(chatID, messageID int64, fn func(*messagesdomain.Message)) (messagesdomain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[chatID]
	if c == nil {
		return messagesdomain.Message{}, false
	}
	m, ok := c.held[messageID]
	if !ok {
		return messagesdomain.Message{}, false
	}
	delete(c.held, messageID)
	i := s.indexLocked(c, messageID)
	if i < 0 {
		return messagesdomain.Message{}, false
	}

	for _, u := range c.items[i].ReadBy {
		m.AddReadBy(u)
	}
	if fn != nil {
		fn(&m)
	}
	m.Normalize(s.opts.SelfID)
	c.items[i] = m
	if c.lastMessage != nil && c.lastMessage.ID == messageID {
		lm := m.Clone()
		c.lastMessage = &lm
	}
	return m.Clone(), true
}

// ApplyReactions installs the server aggregate for one emoji.
func (s *Store) ApplyReactions(chatID int64, state messagesdomain.ReactionState) bool {
	_, ok := s.Update(chatID, state.MessageID, func(m *messagesdomain.Message) bool {
		if m.Deleted {
			return false
		}
		before := m.ReactionUsers(state.Emoji)
		m.ReplaceReaction(state.Emoji, state.Users, s.opts.SelfID)
		return !slices.Equal(before, m.ReactionUsers(state.Emoji))
	})
	return ok
}

// MarkReadBy adds userID to the read-by set of one message.
func (s *Store) MarkReadBy(chatID, messageID, userID int64) bool {
	_, ok := s.Update(chatID, messageID, func(m *messagesdomain.Message) bool {
		return m.AddReadBy(userID)
	})
	return ok
}

// Update applies fn to a stored message under the store lock. fn reports
// whether it changed anything and must not change the ordering key. It also
// runs on the copy kept for a local delete in flight. Update returns the
// resulting message and whether a change was stored.
func (s *Store) Update(chatID, messageID int64, fn func(*messagesdomain.Message) bool) (messagesdomain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[chatID]
	if c == nil {
		return messagesdomain.Message{}, false
	}
	i := s.indexLocked(c, messageID)
	if i < 0 {
		return messagesdomain.Message{}, false
	}

	if h, ok := c.held[messageID]; ok {
		h = h.Clone()
		if fn(&h) {
			h.Normalize(s.opts.SelfID)
			c.held[messageID] = h
		}
	}

	m := c.items[i].Clone()
	if !fn(&m) {
		return c.items[i].Clone(), false
	}
	m.Normalize(s.opts.SelfID)
	c.items[i] = m
	if c.lastMessage != nil && c.lastMessage.ID == m.ID {
		lm := m.Clone()
		c.lastMessage = &lm
	}
	return m.Clone(), true
}

func (s *Store) Get(chatID, messageID int64) (messagesdomain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[chatID]
	if c == nil {
		return messagesdomain.Message{}, false
	}
	i := s.indexLocked(c, messageID)
	if i < 0 {
		return messagesdomain.Message{}, false
	}
	return c.items[i].Clone(), true
}

var ErrPendingExists = errors.New("pending message already exists")

// AddPending appends a local send. It is listed after the confirmed
// sequence until the server assigns it a position.
func (s *Store) AddPending(msg messagesdomain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convLocked(msg.ConversationID)
	c.materialized = true
	if slices.ContainsFunc(c.pending, func(p messagesdomain.Message) bool { return p.ClientID == msg.ClientID }) {
		return ErrPendingExists
	}

	m := msg.Clone()
	m.ID = 0
	m.Status = messagesdomain.StatusPending
	c.pending = append(c.pending, m)
	return nil
}

// ConfirmPending replaces a pending send with the server's message. A push
// carrying the same client id may have done so already.
func (s *Store) ConfirmPending(chatID int64, clientID string, confirmed messagesdomain.Message) ApplyResult {
	if confirmed.ConversationID == 0 {
		confirmed.ConversationID = chatID
	}
	confirmed.ClientID = clientID
	return s.ApplyPushedMessage(confirmed)
}

func (s *Store) FailPending(chatID int64, clientID, reason string) bool {
	return s.updatePending(chatID, clientID, func(m *messagesdomain.Message) {
		m.Status = messagesdomain.StatusFailed
		m.FailureReason = reason
	})
}

// RetryPending flips a failed send back to pending.
func (s *Store) RetryPending(chatID int64, clientID string) (messagesdomain.Message, bool) {
	var out messagesdomain.Message
	ok := s.updatePending(chatID, clientID, func(m *messagesdomain.Message) {
		m.Status = messagesdomain.StatusPending
		m.FailureReason = ""
		out = m.Clone()
	})
	return out, ok
}

func (s *Store) RemovePending(chatID int64, clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[chatID]
	if c == nil {
		return false
	}
	n := len(c.pending)
	c.pending = slices.DeleteFunc(c.pending, func(p messagesdomain.Message) bool { return p.ClientID == clientID })
	return len(c.pending) != n
}

func (s *Store) Pending(chatID int64, clientID string) (messagesdomain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[chatID]
	if c == nil {
		return messagesdomain.Message{}, false
	}
	for _, p := range c.pending {
		if p.ClientID == clientID {
			return p.Clone(), true
		}
	}
	return messagesdomain.Message{}, false
}

func (s *Store) updatePending(chatID int64, clientID string, fn func(*messagesdomain.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[chatID]
	if c == nil {
		return false
	}
	for i := range c.pending {
		if c.pending[i].ClientID == clientID {
			fn(&c.pending[i])
			return true
		}
	}
	return false
}

// Messages returns a snapshot: the confirmed sequence followed by pending
// sends in submission order.
func (s *Store) Messages(chatID int64) []messagesdomain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[chatID]
	if c == nil || !c.materialized {
		return nil
	}
	out := make([]messagesdomain.Message, 0, len(c.items)+len(c.pending))
	for _, m := range c.items {
		out = append(out, m.Clone())
	}
	for _, m := range c.pending {
		out = append(out, m.Clone())
	}
	return out
}

// Since returns the confirmed messages strictly after key. exhaustive
// reports whether the loaded history is known to contain every such
// message: it reaches back to key or the whole history is loaded.
func (s *Store) Since(chatID int64, after messagesdomain.Key) (msgs []messagesdomain.Message, exhaustive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[chatID]
	if c == nil || !c.materialized {
		return nil, false
	}

	i, _ := slices.BinarySearchFunc(c.items, after, func(m messagesdomain.Message, k messagesdomain.Key) int {
		return m.Key().Compare(k)
	})
	for _, m := range c.items[i:] {
		if m.Key().Compare(after) > 0 {
			msgs = append(msgs, m.Clone())
		}
	}

	switch {
	case c.loaded && !c.hasMore:
		exhaustive = true
	case c.loaded && len(c.items) > 0 && !after.IsZero():
		exhaustive = c.items[0].Key().Compare(after) <= 0
	}
	// Messages newer than the loaded history are known to exist but were
	// not fetched yet.
	if exhaustive && c.lastMessage != nil &&
		(len(c.items) == 0 || c.items[len(c.items)-1].Key().Less(c.lastMessage.Key())) {
		exhaustive = false
	}
	return msgs, exhaustive
}

func (s *Store) Meta(chatID int64) Meta {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[chatID]
	if c == nil {
		return Meta{HasMore: true}
	}

	meta := Meta{
		LastActivityAt: c.lastActivity,
		Materialized:   c.materialized,
		Loaded:         c.loaded,
		HasMore:        c.hasMore,
		Fetching:       c.fetching || c.prefetching,
		Views:          c.views,
	}
	if c.lastMessage != nil {
		lm := c.lastMessage.Clone()
		meta.LastMessage = &lm
	}
	return meta
}

func (s *Store) indexLocked(c *conversation, id int64) int {
	key, ok := c.keys[id]
	if !ok {
		return -1
	}
	i, found := slices.BinarySearchFunc(c.items, key, func(m messagesdomain.Message, k messagesdomain.Key) int {
		return m.Key().Compare(k)
	})
	if !found {
		return -1
	}
	return i
}

// mergeLocked inserts or replaces one confirmed message.
func (s *Store) mergeLocked(c *conversation, in messagesdomain.Message) ApplyResult {
	i := s.indexLocked(c, in.ID)
	if i < 0 {
		key := in.Key()
		at, _ := slices.BinarySearchFunc(c.items, key, func(m messagesdomain.Message, k messagesdomain.Key) int {
			return m.Key().Compare(k)
		})
		c.items = slices.Insert(c.items, at, in)
		c.keys[in.ID] = key
		return Inserted
	}

	cur := &c.items[i]
	switch {
	case cur.Deleted:
		if h, ok := c.held[in.ID]; ok {
			if in.Deleted {
				delete(c.held, in.ID)
			} else if in.Key() == h.Key() && !isStaleEdit(h, in) {
				for _, u := range h.ReadBy {
					in.AddReadBy(u)
				}
				if in.ClientID == "" {
					in.ClientID = h.ClientID
				}
				c.held[in.ID] = in
			}
		}
		return Ignored
	case in.Deleted:
		cur.Tombstone()
		return Replaced
	case isStaleEdit(*cur, in):
		return Ignored
	}

	for _, u := range cur.ReadBy {
		in.AddReadBy(u)
	}
	if in.ClientID == "" {
		in.ClientID = cur.ClientID
	}

	if in.Key() != cur.Key() {
		c.items = slices.Delete(c.items, i, i+1)
		delete(c.keys, in.ID)
		s.mergeLocked(c, in)
		return Replaced
	}
	*cur = in
	return Replaced
}

// isStaleEdit reports whether in carries an older edit than cur.
func isStaleEdit(cur, in messagesdomain.Message) bool {
	if cur.EditedAt == nil {
		return false
	}
	if in.EditedAt == nil {
		return true
	}
	return in.EditedAt.Before(*cur.EditedAt)
}

// touchLocked moves the conversation's last message forward. It reports
// whether anything changed.
func touchLocked(c *conversation, m messagesdomain.Message) bool {
	if c.lastMessage != nil && c.lastMessage.ID == m.ID {
		if c.lastMessage.Deleted && !m.Deleted {
			return false
		}
		if isStaleEdit(*c.lastMessage, m) {
			return false
		}
		lm := m.Clone()
		c.lastMessage = &lm
		return true
	}
	if c.lastMessage != nil && m.Key().Compare(c.lastMessage.Key()) <= 0 {
		return false
	}
	lm := m.Clone()
	c.lastMessage = &lm
	if m.CreatedAt.After(c.lastActivity) {
		c.lastActivity = m.CreatedAt
	}
	return true
}

func cloneAll(in []messagesdomain.Message) []messagesdomain.Message {
	if in == nil {
		return nil
	}
	out := make([]messagesdomain.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
