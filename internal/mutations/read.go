package mutations

import (
	"context"
	"fmt"

	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
)

// MarkRead reports the last visible message as read. A mark for the id
// already marked (in flight or confirmed) or for a message at or before the
// confirmed marker sends nothing.
func (r *Reconciler) MarkRead(ctx context.Context, chatID, messageID int64) <-chan error {
	const op = "mutations.MarkRead"

	if messageID <= 0 {
		return resolved(fmt.Errorf("%s: %w", op, messagesdomain.ErrInvalidLastReadMessageId))
	}

	key := messagesdomain.Key{ID: messageID}
	if m, ok := r.store.Get(chatID, messageID); ok {
		key = m.Key()
	}

	r.mu.Lock()
	if r.marks[chatID] == messageID {
		r.mu.Unlock()
		return resolved(nil)
	}
	if marker := r.markers.Marker(chatID); !marker.IsZero() && !newer(key, marker) {
		r.mu.Unlock()
		return resolved(nil)
	}
	prevMarked := r.marks[chatID]
	r.marks[chatID] = messageID
	r.mu.Unlock()

	return r.async(func() error {
		receipt, err := r.api.MarkRead(ctx, chatID, messageID)
		if err != nil {
			r.mu.Lock()
			if r.marks[chatID] == messageID {
				r.marks[chatID] = prevMarked
			}
			r.mu.Unlock()
			return r.failed(opMarkRead, chatID, messageID, err)
		}

		r.opts.Metrics.Mutation(opMarkRead, nil)

		readID := receipt.LastReadMessageID
		if readID == 0 {
			readID = messageID
		}
		if readID != messageID {
			key = messagesdomain.Key{ID: readID}
			if m, ok := r.store.Get(chatID, readID); ok {
				key = m.Key()
			}
		}

		r.store.MarkReadBy(chatID, readID, r.opts.SelfID)
		r.markers.SetMarker(chatID, key)
		r.changed(chatID)
		return nil
	})
}

// newer reports whether k is strictly after marker. Keys known only by id
// compare by id.
func newer(k, marker messagesdomain.Key) bool {
	if k.CreatedAt.IsZero() || marker.CreatedAt.IsZero() {
		return k.ID > marker.ID
	}
	return k.Compare(marker) > 0
}
