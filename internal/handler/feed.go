package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"deskrelay/internal/hubfeed"
)

// FeedHandler streams the activity feed to the management shell over a
// websocket. Token verification happens in the middleware; the shell
// only reads, so inbound messages beyond pings are discarded.
type FeedHandler struct {
	Feed *hubfeed.Hub
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedWriter serializes writes: Broadcast runs synchronously on every
// bus publisher, so two events can reach the same connection at once.
type feedWriter struct {
	conn *websocket.Conn

	sendMu sync.Mutex
}

func (w *feedWriter) Write(message []byte) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *feedWriter) Close() error {
	return w.conn.Close()
}

func (h *FeedHandler) Serve(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	conn := &hubfeed.Connection{Writer: &feedWriter{conn: ws}}
	h.Feed.Register(conn)
	defer func() {
		h.Feed.Unregister(conn)
		_ = ws.Close()
	}()

	ws.SetReadLimit(64 * 1024)
	const pongWait = 60 * time.Second
	const writeWait = 10 * time.Second
	pingPeriod := (pongWait * 9) / 10

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
