package httpapi

import (
	"net/http"

	"github.com/goccy/go-json"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// respond answers in protobuf when the client sent or asked for protobuf,
// JSON otherwise.
func respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	if isProtobuf(r.Header.Get("Accept")) || isProtobuf(r.Header.Get("Content-Type")) {
		st, err := toStruct(v)
		if err == nil {
			writeProto(w, status, st)
			return
		}
	}
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	respond(w, r, status, errorResponse{Success: false, Error: code, Message: msg})
}
