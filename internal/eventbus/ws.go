package eventbus

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// writeWait bounds how long a single WebSocket write may block.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribeRequest is the first message a WebSocket client sends:
// (filter, resume cursor) per spec.md §4.6 "consumers subscribe with a
// filter and a resume cursor".
type subscribeRequest struct {
	Filter    Filter `json:"filter"`
	ResumeSeq uint64 `json:"resume_seq"`
}

// ServeWS upgrades an HTTP request to a WebSocket and streams matching
// events until the client disconnects or a write fails; the request's
// context is not watched.
func (b *Bus) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if b.log != nil {
			b.log.WithError(err).Warn("eventbus: websocket upgrade failed")
		}
		return
	}
	defer conn.Close()

	var req subscribeRequest
	if err := conn.ReadJSON(&req); err != nil {
		return
	}

	sub := b.Subscribe(req.Filter, req.ResumeSeq)
	defer sub.Close()

	// Drain (and discard) further client frames so ping/pong control
	// frames and a clean close are observed; the protocol is
	// server-push-only after the initial subscribe.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-sub.Done():
			return
		case ev := <-sub.Events():
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// RegisterRoutes returns a handler that serves the event stream through
// ServeWS. It mounts no route itself and does not use log; the control
// plane's HTTP API router mounts ServeWS directly.
func (b *Bus) RegisterRoutes(log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.ServeWS(w, r)
	}
}
