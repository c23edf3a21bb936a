package mutations

import (
	"context"
	"fmt"
	"slices"

	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
)

type reactionRef struct {
	chatID    int64
	messageID int64
	emoji     string
}

// reactionOp is the single request in flight for one (message, emoji, self)
// triple. Toggles that arrive meanwhile only move desired.
type reactionOp struct {
	desired bool
	// before is what a failed request rolls back to.
	before  []int64
	waiters []chan error
}

// ToggleReaction flips the current user's reaction locally. The server is
// sent explicit add or remove requests until it agrees with the last
// requested state.
func (r *Reconciler) ToggleReaction(ctx context.Context, chatID, messageID int64, emoji string) <-chan error {
	const op = "mutations.ToggleReaction"

	if emoji == "" {
		return resolved(fmt.Errorf("%s: %w", op, messagesdomain.ErrEmptyEmoji))
	}
	cur, ok := r.store.Get(chatID, messageID)
	switch {
	case !ok:
		return resolved(fmt.Errorf("%s: %w", op, messagesdomain.ErrMessageIsNotExist))
	case cur.Deleted:
		return resolved(fmt.Errorf("%s: %w", op, messagesdomain.ErrMessageIsDeleted))
	}

	ref := reactionRef{chatID, messageID, emoji}
	ch := make(chan error, 1)

	r.mu.Lock()
	msg, _ := r.store.Update(chatID, messageID, func(m *messagesdomain.Message) bool {
		reacted := false
		if rx := m.Reactions[emoji]; rx != nil {
			reacted = rx.ReactedByMe
		}
		return m.SetReaction(emoji, r.opts.SelfID, r.opts.SelfID, !reacted)
	})
	desired := msg.Reactions[emoji] != nil && msg.Reactions[emoji].ReactedByMe

	if inflight := r.reactions[ref]; inflight != nil {
		inflight.desired = desired
		inflight.waiters = append(inflight.waiters, ch)
		r.mu.Unlock()
		r.changed(chatID)
		return ch
	}

	rop := &reactionOp{
		desired: desired,
		before:  cur.ReactionUsers(emoji),
		waiters: []chan error{ch},
	}
	r.reactions[ref] = rop
	r.mu.Unlock()
	r.changed(chatID)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.converge(ctx, ref, rop, desired)
	}()
	return ch
}

func (r *Reconciler) converge(ctx context.Context, ref reactionRef, rop *reactionOp, want bool) {
	for {
		state, err := r.api.SetReaction(ctx, ref.chatID, ref.messageID, ref.emoji, want)

		r.mu.Lock()
		if err != nil {
			delete(r.reactions, ref)
			r.store.Update(ref.chatID, ref.messageID, func(m *messagesdomain.Message) bool {
				if m.Deleted {
					return false
				}
				m.ReplaceReaction(ref.emoji, rop.before, r.opts.SelfID)
				m.FailureReason = err.Error()
				return true
			})
			r.mu.Unlock()

			r.opts.Metrics.Rollback(opReact)
			r.changed(ref.chatID)
			r.finish(rop, r.failed(opReact, ref.chatID, ref.messageID, err))
			return
		}

		r.opts.Metrics.Mutation(opReact, nil)
		if rop.desired == want {
			delete(r.reactions, ref)
			r.store.ApplyReactions(ref.chatID, state)
			r.mu.Unlock()

			r.changed(ref.chatID)
			r.finish(rop, nil)
			return
		}

		// The user changed their mind while the request was in flight:
		// show the server aggregate with the desired overlay and send the
		// opposite request. A failure from here on rolls back to what the
		// server just confirmed.
		rop.before = slices.Clone(state.Users)
		want = rop.desired
		r.store.ApplyReactions(ref.chatID, r.overlay(state, want))
		r.mu.Unlock()
		r.changed(ref.chatID)
	}
}

func (r *Reconciler) finish(rop *reactionOp, err error) {
	for _, ch := range rop.waiters {
		ch <- err
		close(ch)
	}
}

// ApplyReactionPush merges a reaction_changed event, keeping the current
// user's desired state for a triple that still has a request in flight.
func (r *Reconciler) ApplyReactionPush(chatID int64, state messagesdomain.ReactionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rop := r.reactions[reactionRef{chatID, state.MessageID, state.Emoji}]; rop != nil {
		state = r.overlay(state, rop.desired)
	}
	return r.store.ApplyReactions(chatID, state)
}

func (r *Reconciler) overlay(state messagesdomain.ReactionState, on bool) messagesdomain.ReactionState {
	users := slices.DeleteFunc(slices.Clone(state.Users), func(id int64) bool { return id == r.opts.SelfID })
	if on {
		users = append(users, r.opts.SelfID)
	}
	state.Users = users
	return state
}
