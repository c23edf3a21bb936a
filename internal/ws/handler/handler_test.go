package wshandler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgellert/hodatay-chatsync/internal/engine"
	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
	"github.com/kgellert/hodatay-chatsync/internal/ws"
	"github.com/kgellert/hodatay-chatsync/internal/ws/hub"
	"github.com/kgellert/hodatay-chatsync/internal/ws/manager"
)

type fakeEngine struct {
	mu     sync.Mutex
	opened []int64
	typing map[int64]bool
}

func (f *fakeEngine) SelfID() int64                  { return 100 }
func (f *fakeEngine) ConnectionState() manager.State { return manager.StateConnected }

func (f *fakeEngine) SetTyping(chatID int64, isTyping bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing[chatID] = isTyping
}

func (f *fakeEngine) Subscribe(chatID int64, _ engine.Callbacks) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, chatID)
	return func() {}
}

func (f *fakeEngine) snapshot() ([]int64, map[int64]bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	typing := make(map[int64]bool, len(f.typing))
	for k, v := range f.typing {
		typing[k] = v
	}
	return append([]int64(nil), f.opened...), typing
}

func TestWSHandler(t *testing.T) {
	eng := &fakeEngine{typing: make(map[int64]bool)}
	h := hub.NewHub(eng, sl.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(WSHandler(h, eng, NewUpgrader(nil), sl.Discard()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello Hello
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, Hello{Type: ws.Hello, SelfID: 100, Connection: manager.StateConnected}, hello)

	require.NoError(t, conn.WriteJSON(ws.SubscribeMsg(1)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(ws.TypingMsg(1, true)))

	require.Eventually(t, func() bool {
		opened, typing := eng.snapshot()
		return len(opened) == 1 && typing[1]
	}, time.Second, time.Millisecond)

	h.Notify(engine.Change{Kind: engine.KindMessages, ConversationID: 1})

	var ch engine.Change
	require.NoError(t, conn.ReadJSON(&ch))
	assert.Equal(t, engine.Change{Kind: engine.KindMessages, ConversationID: 1}, ch)
}

func TestNewUpgrader_CheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "no origin", origin: "", want: true},
		{name: "same host", origin: "http://example.com", want: true},
		{name: "foreign host", origin: "http://evil.test", want: false},
		{name: "listed", allowed: []string{"http://app.test"}, origin: "http://app.test", want: true},
		{name: "unlisted with list", allowed: []string{"http://app.test"}, origin: "http://example.com", want: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "http://evil.test", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, NewUpgrader(tt.allowed).CheckOrigin(r))
		})
	}
}
