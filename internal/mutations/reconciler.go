// Package mutations applies the user's changes optimistically and
// reconciles them with the server's answer: confirm, roll back or, for
// reactions, converge on the last requested state.
package mutations

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/kgellert/hodatay-chatsync/internal/api"
	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
	"github.com/kgellert/hodatay-chatsync/internal/messages/store"
	"github.com/kgellert/hodatay-chatsync/internal/metrics"
)

const (
	opSend     = "send"
	opEdit     = "edit"
	opDelete   = "delete"
	opReact    = "react"
	opMarkRead = "mark_read"
)

type API interface {
	SendMessage(ctx context.Context, chatID int64, req messagesdomain.SendRequest) (messagesdomain.Message, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string) (messagesdomain.Message, error)
	DeleteMessage(ctx context.Context, chatID, messageID int64) (messagesdomain.Message, error)
	SetReaction(ctx context.Context, chatID, messageID int64, emoji string, on bool) (messagesdomain.ReactionState, error)
	MarkRead(ctx context.Context, chatID, messageID int64) (messagesdomain.ReadReceipt, error)
}

// Markers is the read marker owner, usually the unread coordinator.
type Markers interface {
	Marker(chatID int64) messagesdomain.Key
	SetMarker(chatID int64, key messagesdomain.Key) bool
}

type Options struct {
	SelfID         int64
	MaxAttachments int
	Clock          clock.Clock
	Logger         *slog.Logger
	Metrics        *metrics.Metrics

	// OnChange is called after local state of a conversation changed.
	OnChange func(chatID int64)
	// OnMessage is called with every message the server confirmed.
	OnMessage func(msg messagesdomain.Message)
	// OnDelete is called after messages were tombstoned locally.
	OnDelete func(chatID int64, ids []int64)
	// OnUnauthorized is called when a request was rejected for the session.
	OnUnauthorized func(err error)
}

type msgRef struct {
	chatID    int64
	messageID int64
}

type Reconciler struct {
	api     API
	store   *store.Store
	markers Markers
	opts    Options
	clock   clock.Clock
	log     *slog.Logger
	wg      sync.WaitGroup

	mu        sync.Mutex
	gens      map[msgRef]uint64
	reactions map[reactionRef]*reactionOp
	marks     map[int64]int64
}

func New(a API, s *store.Store, markers Markers, opts Options) *Reconciler {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = sl.Discard()
	}

	return &Reconciler{
		api:       a,
		store:     s,
		markers:   markers,
		opts:      opts,
		clock:     clk,
		log:       log,
		gens:      make(map[msgRef]uint64),
		reactions: make(map[reactionRef]*reactionOp),
		marks:     make(map[int64]int64),
	}
}

// Close waits for every reconciliation in flight.
func (r *Reconciler) Close() { r.wg.Wait() }

func resolved(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}

func (r *Reconciler) async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ch <- fn()
		close(ch)
	}()
	return ch
}

func (r *Reconciler) changed(chatID int64) {
	if r.opts.OnChange != nil {
		r.opts.OnChange(chatID)
	}
}

func (r *Reconciler) confirmed(msg messagesdomain.Message) {
	if r.opts.OnMessage != nil {
		r.opts.OnMessage(msg)
	}
}

func (r *Reconciler) deleted(chatID int64, ids ...int64) {
	if r.opts.OnDelete != nil {
		r.opts.OnDelete(chatID, ids)
	}
}

func (r *Reconciler) failed(op string, chatID, messageID int64, err error) error {
	r.opts.Metrics.Mutation(op, err)
	if api.IsUnauthorized(err) && r.opts.OnUnauthorized != nil {
		r.opts.OnUnauthorized(err)
	}
	r.log.Warn("mutation rejected",
		slog.String("op", "mutations."+op),
		slog.Int64("chat_id", chatID),
		slog.Int64("message_id", messageID),
		sl.Err(err),
	)
	return &messagesdomain.MutationError{Op: op, ConversationID: chatID, MessageID: messageID, Err: err}
}

// bump records a local mutation of a message and returns its generation.
func (r *Reconciler) bump(ref msgRef) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens[ref]++
	return r.gens[ref]
}

// latest reports whether gen is still the newest local mutation of ref.
func (r *Reconciler) latest(ref msgRef, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[ref] == gen
}

// Send appends a pending message and posts it. The returned client id
// addresses the pending entry for Retry and Discard.
func (r *Reconciler) Send(ctx context.Context, chatID int64, d Draft) (string, <-chan error) {
	const op = "mutations.Send"

	if err := d.Validate(r.opts.MaxAttachments); err != nil {
		return "", resolved(fmt.Errorf("%s: %w", op, err))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", resolved(fmt.Errorf("%s: client id: %w", op, err))
	}
	clientID := id.String()
	req := d.request(clientID)

	pending := messagesdomain.Message{
		ClientID:       clientID,
		ConversationID: chatID,
		SenderID:       r.opts.SelfID,
		Content:        req.Text,
		Attachments:    req.Attachments,
		ReplyToID:      req.ReplyToMessageID,
		CreatedAt:      r.clock.Now(),
		Status:         messagesdomain.StatusPending,
	}
	if err := r.store.AddPending(pending); err != nil {
		return "", resolved(fmt.Errorf("%s: %w", op, err))
	}
	r.changed(chatID)

	return clientID, r.async(func() error { return r.deliver(ctx, chatID, clientID, req) })
}

func (r *Reconciler) deliver(ctx context.Context, chatID int64, clientID string, req messagesdomain.SendRequest) error {
	msg, err := r.api.SendMessage(ctx, chatID, req)
	if err != nil {
		r.store.FailPending(chatID, clientID, err.Error())
		r.changed(chatID)
		return r.failed(opSend, chatID, 0, err)
	}

	if msg.ConversationID == 0 {
		msg.ConversationID = chatID
	}
	msg.ClientID = clientID
	r.store.ConfirmPending(chatID, clientID, msg)
	r.opts.Metrics.Mutation(opSend, nil)
	r.confirmed(msg)
	r.changed(chatID)
	return nil
}

// Retry resends a failed pending message under the same client id.
func (r *Reconciler) Retry(ctx context.Context, chatID int64, clientID string) <-chan error {
	const op = "mutations.Retry"

	p, ok := r.store.Pending(chatID, clientID)
	if !ok {
		return resolved(fmt.Errorf("%s: %w", op, messagesdomain.ErrPendingIsNotExist))
	}
	if p.Status != messagesdomain.StatusFailed {
		return resolved(fmt.Errorf("%s: %w", op, messagesdomain.ErrNotRetryable))
	}

	p, _ = r.store.RetryPending(chatID, clientID)
	r.changed(chatID)

	req := messagesdomain.SendRequest{
		ClientID:         clientID,
		Text:             p.Content,
		Attachments:      p.Attachments,
		ReplyToMessageID: p.ReplyToID,
	}
	return r.async(func() error { return r.deliver(ctx, chatID, clientID, req) })
}

// Discard drops a failed pending message.
func (r *Reconciler) Discard(chatID int64, clientID string) error {
	const op = "mutations.Discard"

	p, ok := r.store.Pending(chatID, clientID)
	if !ok {
		return fmt.Errorf("%s: %w", op, messagesdomain.ErrPendingIsNotExist)
	}
	if p.Status != messagesdomain.StatusFailed {
		return fmt.Errorf("%s: %w", op, messagesdomain.ErrNotRetryable)
	}
	r.store.RemovePending(chatID, clientID)
	r.changed(chatID)
	return nil
}

// Edit replaces the content locally and asks the server to do the same.
// A rejection restores the previous content unless a newer local change
// has touched the message since.
func (r *Reconciler) Edit(ctx context.Context, chatID, messageID int64, content string) <-chan error {
	const op = "mutations.Edit"

	prev, ok := r.store.Get(chatID, messageID)
	switch {
	case !ok:
		return resolved(fmt.Errorf("%s: %w", op, messagesdomain.ErrMessageIsNotExist))
	case prev.Deleted:
		return resolved(fmt.Errorf("%s: %w", op, messagesdomain.ErrMessageIsDeleted))
	case content == "" && len(prev.Attachments) == 0:
		return resolved(fmt.Errorf("%s: %w", op, messagesdomain.ErrTextOrAttachmentsIsRequired))
	}

	ref := msgRef{chatID, messageID}
	gen := r.bump(ref)

	now := r.clock.Now()
	r.store.Update(chatID, messageID, func(m *messagesdomain.Message) bool {
		m.Content = messagesdomain.Text(content)
		m.Edited = true
		m.EditedAt = &now
		m.FailureReason = ""
		return true
	})
	r.changed(chatID)

	return r.async(func() error {
		msg, err := r.api.EditMessage(ctx, chatID, messageID, content)
		if err != nil {
			if r.latest(ref, gen) {
				r.store.Update(chatID, messageID, func(m *messagesdomain.Message) bool {
					if m.Deleted {
						return false
					}
					m.Content = prev.Content
					m.Edited = prev.Edited
					m.EditedAt = prev.EditedAt
					m.FailureReason = err.Error()
					return true
				})
				r.opts.Metrics.Rollback(opEdit)
				r.changed(chatID)
			}
			return r.failed(opEdit, chatID, messageID, err)
		}

		r.opts.Metrics.Mutation(opEdit, nil)
		if !r.latest(ref, gen) {
			return nil
		}

		updated, ok := r.store.Update(chatID, messageID, func(m *messagesdomain.Message) bool {
			if m.Deleted {
				return false
			}
			m.Content = msg.Content
			m.Edited = true
			m.EditedAt = msg.EditedAt
			if m.EditedAt == nil {
				m.EditedAt = &now
			}
			if msg.Attachments != nil {
				m.Attachments = msg.Attachments
			}
			return true
		})
		if ok {
			r.confirmed(updated)
		}
		r.changed(chatID)
		return nil
	})
}

// Delete tombstones the message locally; a rejection restores it with
// whatever reached it while the request was in flight.
func (r *Reconciler) Delete(ctx context.Context, chatID, messageID int64) <-chan error {
	const op = "mutations.Delete"

	prev, ok := r.store.Get(chatID, messageID)
	switch {
	case !ok:
		return resolved(fmt.Errorf("%s: %w", op, messagesdomain.ErrMessageIsNotExist))
	case prev.Deleted:
		return resolved(fmt.Errorf("%s: %w", op, messagesdomain.ErrMessageIsDeleted))
	}

	ref := msgRef{chatID, messageID}
	gen := r.bump(ref)

	if r.store.DeleteLocal(chatID, messageID) {
		r.deleted(chatID, messageID)
	}
	r.changed(chatID)

	return r.async(func() error {
		_, err := r.api.DeleteMessage(ctx, chatID, messageID)
		if err != nil {
			if !r.latest(ref, gen) {
				r.store.CommitDelete(chatID, messageID)
				return r.failed(opDelete, chatID, messageID, err)
			}
			restored, ok := r.store.RestoreDelete(chatID, messageID, func(m *messagesdomain.Message) {
				m.FailureReason = err.Error()
			})
			if ok {
				r.confirmed(restored)
				r.opts.Metrics.Rollback(opDelete)
				r.changed(chatID)
			}
			return r.failed(opDelete, chatID, messageID, err)
		}

		r.store.CommitDelete(chatID, messageID)
		r.opts.Metrics.Mutation(opDelete, nil)
		return nil
	})
}
