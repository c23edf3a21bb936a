package response

import (
	"net/http"

	"github.com/go-chi/render"
)

func WriteError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: msg,
		},
	})
}

// WriteMutation answers 200 when the outcome is already known and 202 while
// the server has not answered yet.
func WriteMutation(w http.ResponseWriter, r *http.Request, clientID string, pending bool) {
	status := http.StatusOK
	if pending {
		status = http.StatusAccepted
	}
	render.Status(r, status)
	render.JSON(w, r, MutationResponse{
		Response: OK(),
		ClientID: clientID,
		Pending:  pending,
	})
}
