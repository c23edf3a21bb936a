package httpapi

import (
	"errors"
	"net/http"

	response "github.com/kgellert/hodatay-chatsync/internal/lib"
)

// ErrBadRequest marks malformed bridge requests: bad path params or bodies.
var ErrBadRequest = errors.New("bad request")

func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := MapError(err)
	response.WriteError(w, r, status, code, msg)
}
