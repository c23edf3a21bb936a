package mutations

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgellert/hodatay-chatsync/internal/api"
	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
	"github.com/kgellert/hodatay-chatsync/internal/messages/store"
	"github.com/kgellert/hodatay-chatsync/internal/unread"
	"github.com/kgellert/hodatay-chatsync/internal/uploads"
)

const (
	chatID = int64(1)
	selfID = int64(100)
)

var base = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

var errBoom = errors.New("boom")

func msg(id, sender int64) messagesdomain.Message {
	return messagesdomain.Message{
		ID:             id,
		ConversationID: chatID,
		SenderID:       sender,
		Content:        messagesdomain.Text("original"),
		CreatedAt:      base.Add(time.Duration(id) * time.Second),
	}
}

// fakeAPI emulates the server side of every mutation endpoint.
type fakeAPI struct {
	mu sync.Mutex

	send   func(req messagesdomain.SendRequest) (messagesdomain.Message, error)
	edit   func(messageID int64, text string) (messagesdomain.Message, error)
	del    func(messageID int64) (messagesdomain.Message, error)
	react  func(on bool) error
	marked func(messageID int64) error

	reactGate chan struct{}
	reactions []bool
	reactors  map[int64]bool
	marks     atomic.Int32
	markGate  chan struct{}
}

func (f *fakeAPI) SendMessage(_ context.Context, chatID int64, req messagesdomain.SendRequest) (messagesdomain.Message, error) {
	return f.send(req)
}

func (f *fakeAPI) EditMessage(_ context.Context, _, messageID int64, text string) (messagesdomain.Message, error) {
	return f.edit(messageID, text)
}

func (f *fakeAPI) DeleteMessage(_ context.Context, _, messageID int64) (messagesdomain.Message, error) {
	return f.del(messageID)
}

func (f *fakeAPI) SetReaction(_ context.Context, _, messageID int64, emoji string, on bool) (messagesdomain.ReactionState, error) {
	if f.reactGate != nil {
		<-f.reactGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.reactions = append(f.reactions, on)
	if f.react != nil {
		if err := f.react(on); err != nil {
			return messagesdomain.ReactionState{}, err
		}
	}
	if f.reactors == nil {
		f.reactors = make(map[int64]bool)
	}
	if on {
		f.reactors[selfID] = true
	} else {
		delete(f.reactors, selfID)
	}

	var users []int64
	for id := range f.reactors {
		users = append(users, id)
	}
	slices.Sort(users)
	return messagesdomain.ReactionState{MessageID: messageID, Emoji: emoji, Users: users}, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, chatID, messageID int64) (messagesdomain.ReadReceipt, error) {
	f.marks.Add(1)
	if f.markGate != nil {
		<-f.markGate
	}
	if f.marked != nil {
		if err := f.marked(messageID); err != nil {
			return messagesdomain.ReadReceipt{}, err
		}
	}
	return messagesdomain.ReadReceipt{ConversationID: chatID, UserID: selfID, LastReadMessageID: messageID}, nil
}

func (f *fakeAPI) reactionCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.reactions)
}

type fixture struct {
	api     *fakeAPI
	store   *store.Store
	unread  *unread.Coordinator
	rec     *Reconciler
	clock   *clock.Mock
	unauthd atomic.Int32

	mu      sync.Mutex
	deleted []int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{api: &fakeAPI{}, clock: clock.NewMock()}
	f.clock.Set(base.Add(time.Hour))

	f.store = store.New(nil, store.Options{SelfID: selfID})
	f.store.Open(chatID)
	for id := int64(1); id <= 5; id++ {
		f.store.ApplyPushedMessage(msg(id, 2))
	}

	f.unread = unread.New(selfID, f.store)
	f.rec = New(f.api, f.store, f.unread, Options{
		SelfID:         selfID,
		MaxAttachments: 2,
		Clock:          f.clock,
		OnUnauthorized: func(error) { f.unauthd.Add(1) },
		OnDelete: func(_ int64, ids []int64) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.deleted = append(f.deleted, ids...)
		},
	})
	t.Cleanup(f.rec.Close)
	return f
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()

	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("mutation did not resolve")
		return nil
	}
}

func (f *fixture) get(t *testing.T, id int64) messagesdomain.Message {
	t.Helper()

	m, ok := f.store.Get(chatID, id)
	require.True(t, ok)
	return m
}

func TestSend_Confirms(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.api.send = func(req messagesdomain.SendRequest) (messagesdomain.Message, error) {
		<-release
		m := msg(6, selfID)
		m.Content = req.Text
		return m, nil
	}

	clientID, done := f.rec.Send(context.Background(), chatID, Draft{Content: messagesdomain.Text("hello")})
	require.NotEmpty(t, clientID)

	p, ok := f.store.Pending(chatID, clientID)
	require.True(t, ok)
	assert.Equal(t, messagesdomain.StatusPending, p.Status)
	assert.Equal(t, "hello", p.ContentString())

	close(release)
	require.NoError(t, wait(t, done))

	_, ok = f.store.Pending(chatID, clientID)
	assert.False(t, ok)
	got := f.get(t, 6)
	assert.Equal(t, clientID, got.ClientID)
	assert.Equal(t, messagesdomain.StatusConfirmed, got.Status)
}

func TestSend_FailThenRetry(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	var clientIDs []string
	f.api.send = func(req messagesdomain.SendRequest) (messagesdomain.Message, error) {
		clientIDs = append(clientIDs, req.ClientID)
		if calls.Add(1) == 1 {
			return messagesdomain.Message{}, errBoom
		}
		return msg(6, selfID), nil
	}

	clientID, done := f.rec.Send(context.Background(), chatID, Draft{Content: messagesdomain.Text("hi")})
	err := wait(t, done)
	require.ErrorIs(t, err, errBoom)

	var mErr *messagesdomain.MutationError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, "send", mErr.Op)

	p, ok := f.store.Pending(chatID, clientID)
	require.True(t, ok)
	assert.Equal(t, messagesdomain.StatusFailed, p.Status)
	assert.Equal(t, "boom", p.FailureReason)

	require.NoError(t, wait(t, f.rec.Retry(context.Background(), chatID, clientID)))
	_, ok = f.store.Pending(chatID, clientID)
	assert.False(t, ok)
	assert.Equal(t, []string{clientID, clientID}, clientIDs)

	require.ErrorIs(t, wait(t, f.rec.Retry(context.Background(), chatID, clientID)), messagesdomain.ErrPendingIsNotExist)
}

func TestSend_Discard(t *testing.T) {
	f := newFixture(t)
	f.api.send = func(messagesdomain.SendRequest) (messagesdomain.Message, error) {
		return messagesdomain.Message{}, errBoom
	}

	clientID, done := f.rec.Send(context.Background(), chatID, Draft{Content: messagesdomain.Text("hi")})
	require.Error(t, wait(t, done))

	require.NoError(t, f.rec.Discard(chatID, clientID))
	assert.Len(t, f.store.Messages(chatID), 5)
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t)

	_, done := f.rec.Send(context.Background(), chatID, Draft{Content: messagesdomain.Text("   ")})
	require.ErrorIs(t, wait(t, done), messagesdomain.ErrTextOrAttachmentsIsRequired)

	att := uploads.Attachment{FileID: "uploads/0190b2a4-7f3e-7c4a-9d1e-2b3c4d5e6f70.png", ContentType: "image/png"}
	_, done = f.rec.Send(context.Background(), chatID, Draft{Attachments: []uploads.Attachment{att, att, att}})
	require.ErrorIs(t, wait(t, done), messagesdomain.ErrTooManyAttachments)

	bad := att
	bad.ContentType = "image/jpeg"
	_, done = f.rec.Send(context.Background(), chatID, Draft{Attachments: []uploads.Attachment{bad}})
	require.ErrorIs(t, wait(t, done), uploads.ErrContentTypeMismatch)

	assert.Len(t, f.store.Messages(chatID), 5)
}

func TestEdit_MergesServerEditedAt(t *testing.T) {
	f := newFixture(t)
	serverAt := base.Add(30 * time.Minute)
	f.api.edit = func(id int64, text string) (messagesdomain.Message, error) {
		m := msg(id, 2)
		m.Content = messagesdomain.Text(text)
		m.Edited = true
		m.EditedAt = &serverAt
		return m, nil
	}

	done := f.rec.Edit(context.Background(), chatID, 3, "changed")
	got := f.get(t, 3)
	assert.Equal(t, "changed", got.ContentString())
	assert.True(t, got.Edited)

	require.NoError(t, wait(t, done))
	got = f.get(t, 3)
	require.NotNil(t, got.EditedAt)
	assert.Equal(t, serverAt, *got.EditedAt)

	// An older echo is ignored.
	older := serverAt.Add(-time.Minute)
	stale := msg(3, 2)
	stale.Content = messagesdomain.Text("stale")
	stale.EditedAt = &older
	assert.Equal(t, store.Ignored, f.store.ApplyEdit(stale))
	got = f.get(t, 3)
	assert.Equal(t, "changed", got.ContentString())
}

func TestEdit_RollbackOnFailure(t *testing.T) {
	f := newFixture(t)
	f.api.edit = func(int64, string) (messagesdomain.Message, error) {
		return messagesdomain.Message{}, errBoom
	}

	err := wait(t, f.rec.Edit(context.Background(), chatID, 3, "changed"))
	var mErr *messagesdomain.MutationError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, int64(3), mErr.MessageID)

	got := f.get(t, 3)
	assert.Equal(t, "original", got.ContentString())
	assert.False(t, got.Edited)
	assert.Nil(t, got.EditedAt)
	assert.Equal(t, "boom", got.FailureReason)
}

func TestEdit_NoRollbackOverNewerEdit(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.api.edit = func(id int64, text string) (messagesdomain.Message, error) {
		if text == "first" {
			<-release
			return messagesdomain.Message{}, errBoom
		}
		m := msg(id, 2)
		m.Content = messagesdomain.Text(text)
		return m, nil
	}

	first := f.rec.Edit(context.Background(), chatID, 3, "first")
	f.clock.Add(time.Second)
	require.NoError(t, wait(t, f.rec.Edit(context.Background(), chatID, 3, "second")))

	close(release)
	require.Error(t, wait(t, first))
	got := f.get(t, 3)
	assert.Equal(t, "second", got.ContentString())
}

func TestDelete_TombstoneAndRollback(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.api.del = func(int64) (messagesdomain.Message, error) {
		<-release
		return messagesdomain.Message{}, errBoom
	}

	done := f.rec.Delete(context.Background(), chatID, 3)

	list := f.store.Messages(chatID)
	assert.Equal(t, int64(3), list[2].ID)
	assert.True(t, list[2].Deleted)
	assert.Equal(t, int64(2), list[1].ID)
	assert.Equal(t, int64(4), list[3].ID)

	close(release)
	require.Error(t, wait(t, done))

	got := f.get(t, 3)
	assert.False(t, got.Deleted)
	assert.Equal(t, "original", got.ContentString())
	assert.Equal(t, int64(3), f.store.Messages(chatID)[2].ID)

	require.ErrorIs(t, wait(t, f.rec.Delete(context.Background(), chatID, 42)), messagesdomain.ErrMessageIsNotExist)
}

func TestDelete_ReportsTombstone(t *testing.T) {
	f := newFixture(t)
	f.api.del = func(id int64) (messagesdomain.Message, error) {
		m := msg(id, 2)
		m.Tombstone()
		return m, nil
	}

	require.NoError(t, wait(t, f.rec.Delete(context.Background(), chatID, 4)))

	f.mu.Lock()
	assert.Equal(t, []int64{4}, f.deleted)
	f.mu.Unlock()
	assert.True(t, f.get(t, 4).Deleted)

	// Confirmed: a later push has nothing to restore.
	_, ok := f.store.RestoreDelete(chatID, 4, nil)
	assert.False(t, ok)
}

func TestDelete_RollbackKeepsConcurrentChanges(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.api.del = func(int64) (messagesdomain.Message, error) {
		<-release
		return messagesdomain.Message{}, errBoom
	}

	done := f.rec.Delete(context.Background(), chatID, 3)

	// Someone reacts and reads while the delete is in flight.
	f.rec.ApplyReactionPush(chatID, messagesdomain.ReactionState{MessageID: 3, Emoji: "🔥", Users: []int64{7}})
	f.store.MarkReadBy(chatID, 3, 8)
	assert.True(t, f.get(t, 3).Deleted)

	close(release)
	require.ErrorIs(t, wait(t, done), errBoom)

	got := f.get(t, 3)
	assert.False(t, got.Deleted)
	assert.Equal(t, "original", got.ContentString())
	assert.Equal(t, []int64{7}, got.ReactionUsers("🔥"))
	assert.True(t, got.HasReadBy(8))
	assert.Equal(t, "boom", got.FailureReason)
}

func TestToggleReaction_OnThenOffConverges(t *testing.T) {
	f := newFixture(t)
	f.api.reactGate = make(chan struct{})

	first := f.rec.ToggleReaction(context.Background(), chatID, 2, "👍")
	got := f.get(t, 2)
	require.Contains(t, got.Reactions, "👍")
	assert.Equal(t, 1, got.Reactions["👍"].Count)
	assert.True(t, got.Reactions["👍"].ReactedByMe)

	second := f.rec.ToggleReaction(context.Background(), chatID, 2, "👍")
	assert.NotContains(t, f.get(t, 2).Reactions, "👍")

	// Let the add and the follow-up remove through.
	f.api.reactGate <- struct{}{}
	f.api.reactGate <- struct{}{}

	require.NoError(t, wait(t, first))
	require.NoError(t, wait(t, second))

	assert.Equal(t, []bool{true, false}, f.api.reactionCalls())
	assert.NotContains(t, f.get(t, 2).Reactions, "👍")
}

func TestToggleReaction_FailedFollowUpKeepsServerState(t *testing.T) {
	f := newFixture(t)
	f.api.reactGate = make(chan struct{})
	f.api.react = func(on bool) error {
		if !on {
			return errBoom
		}
		return nil
	}

	first := f.rec.ToggleReaction(context.Background(), chatID, 2, "👍")
	second := f.rec.ToggleReaction(context.Background(), chatID, 2, "👍")

	// The add lands on the server, the follow-up remove does not.
	f.api.reactGate <- struct{}{}
	f.api.reactGate <- struct{}{}

	require.ErrorIs(t, wait(t, first), errBoom)
	require.ErrorIs(t, wait(t, second), errBoom)
	assert.Equal(t, []bool{true, false}, f.api.reactionCalls())

	got := f.get(t, 2)
	require.Contains(t, got.Reactions, "👍")
	assert.True(t, got.Reactions["👍"].ReactedByMe)
	assert.Equal(t, []int64{selfID}, got.Reactions["👍"].Users)
}

func TestToggleReaction_OnOffOnSendsOnce(t *testing.T) {
	f := newFixture(t)
	f.api.reactGate = make(chan struct{})

	first := f.rec.ToggleReaction(context.Background(), chatID, 2, "👍")
	f.rec.ToggleReaction(context.Background(), chatID, 2, "👍")
	f.rec.ToggleReaction(context.Background(), chatID, 2, "👍")

	f.api.reactGate <- struct{}{}
	require.NoError(t, wait(t, first))

	assert.Equal(t, []bool{true}, f.api.reactionCalls())
	got := f.get(t, 2)
	require.Contains(t, got.Reactions, "👍")
	assert.Equal(t, 1, got.Reactions["👍"].Count)
}

func TestToggleReaction_PushDuringFlightKeepsDesired(t *testing.T) {
	f := newFixture(t)
	f.api.reactGate = make(chan struct{})

	done := f.rec.ToggleReaction(context.Background(), chatID, 2, "🎉")

	// Someone else reacted; the push doesn't know about our request yet.
	f.rec.ApplyReactionPush(chatID, messagesdomain.ReactionState{MessageID: 2, Emoji: "🎉", Users: []int64{7}})
	got := f.get(t, 2)
	assert.Equal(t, []int64{7, selfID}, got.Reactions["🎉"].Users)

	f.api.reactGate <- struct{}{}
	require.NoError(t, wait(t, done))
}

func TestToggleReaction_Rollback(t *testing.T) {
	f := newFixture(t)
	f.api.react = func(bool) error { return errBoom }

	err := wait(t, f.rec.ToggleReaction(context.Background(), chatID, 2, "👍"))
	require.ErrorIs(t, err, errBoom)
	assert.NotContains(t, f.get(t, 2).Reactions, "👍")
}

func TestMarkRead_Dedup(t *testing.T) {
	f := newFixture(t)
	f.api.markGate = make(chan struct{})

	first := f.rec.MarkRead(context.Background(), chatID, 5)
	second := f.rec.MarkRead(context.Background(), chatID, 5)
	require.NoError(t, wait(t, second))

	close(f.api.markGate)
	require.NoError(t, wait(t, first))
	assert.Equal(t, int32(1), f.api.marks.Load())

	read := f.get(t, 5)
	assert.True(t, read.HasReadBy(selfID))
	assert.Equal(t, int64(5), f.unread.Marker(chatID).ID)

	require.NoError(t, wait(t, f.rec.MarkRead(context.Background(), chatID, 5)))
	require.NoError(t, wait(t, f.rec.MarkRead(context.Background(), chatID, 3)))
	assert.Equal(t, int32(1), f.api.marks.Load())
}

func TestMarkRead_FailureAllowsRetry(t *testing.T) {
	f := newFixture(t)
	var fail atomic.Bool
	fail.Store(true)
	f.api.marked = func(int64) error {
		if fail.Load() {
			return &api.Error{StatusCode: http.StatusUnauthorized, Code: "unauthorized"}
		}
		return nil
	}

	err := wait(t, f.rec.MarkRead(context.Background(), chatID, 4))
	require.Error(t, err)
	assert.True(t, api.IsUnauthorized(err))
	assert.Equal(t, int32(1), f.unauthd.Load())

	fail.Store(false)
	require.NoError(t, wait(t, f.rec.MarkRead(context.Background(), chatID, 4)))
	assert.Equal(t, int32(2), f.api.marks.Load())
	assert.Equal(t, int64(4), f.unread.Marker(chatID).ID)
}
