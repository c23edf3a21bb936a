// Package wshandler serves the UI socket of the local bridge. Clients
// subscribe to conversations and receive change frames from the hub; the
// data itself is read back over the REST routes.
package wshandler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
	"github.com/kgellert/hodatay-chatsync/internal/ws"
	"github.com/kgellert/hodatay-chatsync/internal/ws/hub"
	"github.com/kgellert/hodatay-chatsync/internal/ws/manager"
)

const readWait = 60 * time.Second

// Engine is what the socket reports in its hello frame and forwards typing
// commands to.
type Engine interface {
	SelfID() int64
	ConnectionState() manager.State
	SetTyping(chatID int64, isTyping bool)
}

type Hello struct {
	Type       ws.EventType  `json:"type"`
	SelfID     int64         `json:"self_id"`
	Connection manager.State `json:"connection"`
}

// NewUpgrader accepts browser origins from allowed. With none configured
// only same-host pages and non-browser clients may connect.
func NewUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && len(allowed) == 0 && u.Host == r.Host
		},
	}
}

func WSHandler(h *hub.Hub, eng Engine, upgrader *websocket.Upgrader, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.ws.WSHandler"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("ws upgrade error", sl.Err(err))
			return
		}

		hc := hub.NewConnection(conn)
		go hc.WritePump()

		h.Register(hc)
		defer h.Unregister(hc)

		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			return nil
		})

		hello, _ := json.Marshal(Hello{
			Type:       ws.Hello,
			SelfID:     eng.SelfID(),
			Connection: eng.ConnectionState(),
		})
		hc.Send(hello)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn("ws read error", sl.Err(err))
				}
				return
			}

			var msg ws.ClientMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("ws bad json", sl.Err(err))
				continue
			}

			switch msg.Type {
			case ws.CmdSubscribe:
				h.Subscribe(hc, msg.ChatIDs)
			case ws.CmdUnsubscribe:
				h.Unsubscribe(hc, msg.ChatIDs)
			case ws.CmdTyping:
				if msg.ChatID > 0 && msg.IsTyping != nil {
					eng.SetTyping(msg.ChatID, *msg.IsTyping)
				}
			default:
				log.Info("ws unknown message type", slog.String("message_type", msg.Type))
			}
		}
	}
}
