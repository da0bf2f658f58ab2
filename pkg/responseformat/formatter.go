package responseformat

import (
	"encoding/json"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgPack = "application/x-msgpack"
)

// Formatter writes API responses as JSON, or as MessagePack when the client asks for it
// with ?format=msgpack or an Accept header. Low-bandwidth field terminals use msgpack.
type Formatter struct{}

func NewFormatter() *Formatter {
	return &Formatter{}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WantsMsgPack reports whether the request asked for MessagePack.
func WantsMsgPack(req *http.Request) bool {
	return req.URL.Query().Get("format") == "msgpack" || req.Header.Get("Accept") == ContentTypeMsgPack
}

// WriteResponse encodes data with the given status code.
func (f *Formatter) WriteResponse(w http.ResponseWriter, req *http.Request, status int, data any) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if WantsMsgPack(req) {
		w.Header().Set("Content-Type", ContentTypeMsgPack)
		w.WriteHeader(status)
		encoder := msgpack.NewEncoder(w)
		encoder.SetCustomStructTag("json") // Use json tags for MessagePack
		return encoder.Encode(data)
	}

	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes an ErrorResponse.
func (f *Formatter) WriteError(w http.ResponseWriter, req *http.Request, status int, message string) error {
	return f.WriteResponse(w, req, status, ErrorResponse{Error: message})
}
