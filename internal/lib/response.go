package response

const (
	StatusOK    = "OK"
	StatusError = "Error"
)

type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// MutationResponse answers a bridge mutation. Pending is true when the
// server has not confirmed it yet; the outcome then arrives as a change
// notification on the UI socket.
type MutationResponse struct {
	Response
	ClientID string `json:"client_id,omitempty"`
	Pending  bool   `json:"pending"`
}

func OK() Response {
	return Response{Status: StatusOK}
}

func Error(msg string) Response {
	return Response{Status: StatusError, Error: msg}
}
