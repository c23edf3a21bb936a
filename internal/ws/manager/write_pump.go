package manager

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

func (l *link) writePump(clk clock.Clock, pingPeriod, writeWait time.Duration) {
	ticker := clk.Ticker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = l.conn.Close()
				return
			}

		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = l.conn.Close()
				return
			}
		}
	}
}
