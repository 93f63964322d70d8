package status

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

var upgrader = gorillaws.Upgrader{
	// Browsers must come from the same host; native clients send no Origin.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// streamHandler pushes a progress frame whenever the hub has a newer
// snapshot than the last one sent. The stream ends after the final
// snapshot of the run (Done) or when the client goes away.
type streamHandler struct {
	hub      *Hub
	interval time.Duration
}

func (h *streamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Clients never send anything meaningful; reading only detects a close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var sent uint64
	for {
		if p, v := h.hub.Snapshot(); v > sent {
			data, _ := json.Marshal(p)
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
			sent = v
			if p.Done {
				_ = conn.WriteControl(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "import finished"),
					time.Now().Add(time.Second))
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}
