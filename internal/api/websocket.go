package api

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// recentLogCount is how many buffered entries a new stream receives
// before live entries begin.
const recentLogCount = 200

// handleLogs upgrades to a websocket and streams log entries: the most
// recent buffered entries first, then live entries as they arrive. The
// stream ends when the client disconnects or falls too far behind.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logBuffer == nil {
		http.Error(w, `{"error":"log stream disabled"}`, http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // loopback management listener
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck // best-effort close

	// CloseRead keeps reading control frames and cancels the context
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for _, entry := range s.logBuffer.Recent(recentLogCount) {
		if err := wsjson.Write(ctx, conn, entry); err != nil {
			return
		}
	}

	sub := s.logBuffer.Subscribe()
	defer s.logBuffer.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-sub.C:
			if err := wsjson.Write(ctx, conn, entry); err != nil {
				return
			}
		}
	}
}
