package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/unilink/chatd/internal/chat"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

// statusFor maps a chat error code to an HTTP status.
func statusFor(code chat.Code) int {
	switch code {
	case chat.CodeInvalidArgument:
		return http.StatusBadRequest
	case chat.CodePermissionDenied:
		return http.StatusForbidden
	case chat.CodeNotFound:
		return http.StatusNotFound
	case chat.CodeFailedPrecondition:
		return http.StatusConflict
	case chat.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorPayload renders err for clients. Internal errors are not echoed.
func errorPayload(err error) errorBody {
	code := chat.CodeOf(err)
	msg := err.Error()
	if code == chat.CodeInternal || code == chat.CodeUnavailable {
		msg = "temporarily unavailable, try again"
		if code == chat.CodeInternal {
			msg = "internal error"
		}
	}
	return errorBody{Code: string(code), Message: msg}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(chat.CodeOf(err)), map[string]errorBody{"error": errorPayload(err)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
