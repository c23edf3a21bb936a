// Package session holds the credentials the engine presents to the chat
// server. The server identifies the user by the "user_id" cookie; a bearer
// token is added when one is configured.
package session

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/kgellert/hodatay-chatsync/internal/config"
	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
)

const userIDCookie = "user_id"

type Static struct {
	userID int64
	token  string
	log    *slog.Logger

	once     sync.Once
	rejected chan struct{}
	mu       sync.Mutex
	err      error
}

func New(cfg config.SessionConfig, log *slog.Logger) *Static {
	if log == nil {
		log = sl.Discard()
	}
	return &Static{
		userID:   cfg.UserID,
		token:    cfg.Token,
		log:      log,
		rejected: make(chan struct{}),
	}
}

func (s *Static) UserID() int64 { return s.userID }

// Header returns a fresh header set for one request or handshake.
func (s *Static) Header() http.Header {
	h := http.Header{}
	c := http.Cookie{Name: userIDCookie, Value: strconv.FormatInt(s.userID, 10)}
	h.Set("Cookie", c.String())
	if s.token != "" {
		h.Set("Authorization", "Bearer "+s.token)
	}
	return h
}

// Reauthenticate records that the server rejected the credentials. Static
// credentials cannot be refreshed, so the first rejection closes Rejected.
func (s *Static) Reauthenticate(err error) {
	const op = "session.Reauthenticate"

	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		s.log.Error("session rejected by the chat server",
			slog.String("op", op),
			slog.Int64("user_id", s.userID),
			sl.Err(err),
		)
		close(s.rejected)
	})
}

// Rejected is closed after the first Reauthenticate call.
func (s *Static) Rejected() <-chan struct{} { return s.rejected }

// Err is the rejection that closed Rejected, or nil.
func (s *Static) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
