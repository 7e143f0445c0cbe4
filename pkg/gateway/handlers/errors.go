package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/argonauts-live/pkg/core"
	"github.com/vango-go/argonauts-live/pkg/gateway/mw"
	"github.com/vango-go/argonauts-live/pkg/gateway/protocol"
)

func writeHTTPError(w http.ResponseWriter, r *http.Request, status int, err *core.Error) {
	if err.RequestID == "" {
		err.RequestID, _ = mw.RequestIDFrom(r.Context())
	}
	mw.WriteJSONError(w, status, err)
}

// writeWSError sends an error frame before the session writer exists and,
// when closing, follows it with a close frame.
func writeWSError(conn *websocket.Conn, scope, code, message string, close bool, details map[string]any) {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = conn.WriteJSON(protocol.ServerError{
		Type:    "error",
		Scope:   scope,
		Code:    code,
		Message: message,
		Close:   close,
		Details: details,
	})
	if close {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code),
			time.Now().Add(time.Second))
	}
}
