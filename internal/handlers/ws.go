package handlers

import (
	"net/http"

	"github.com/coder/websocket"
)

// TerminalWS upgrades the request and hands the connection to the hub. One
// WebSocket can drive any number of sessions via attach frames.
// GET /ws
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Terminal output compresses poorly and the frames are small.
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	Hub.HandleConn(r.Context(), conn)
	conn.Close(websocket.StatusNormalClosure, "")
}
