package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/fanout"
	"github.com/ent0n29/confab/internal/protocol"
)

const (
	wsWriteWait    = 10 * time.Second
	wsReadWait     = 120 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendTimeout  = 5 * time.Second
	wsReadLimit    = 2 << 20
	wsOutboundSize = 256
)

// wsConn serialises writes to one websocket through a single writer
// goroutine. Send reports fanout.ErrPeerGone once the socket is closed or
// the client stops draining its queue.
type wsConn struct {
	conn *websocket.Conn
	out  chan protocol.Envelope
	done chan struct{}
	once sync.Once
	log  *zap.Logger
}

func newWSConn(conn *websocket.Conn, log *zap.Logger) *wsConn {
	return &wsConn{
		conn: conn,
		out:  make(chan protocol.Envelope, wsOutboundSize),
		done: make(chan struct{}),
		log:  log,
	}
}

func (c *wsConn) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-c.done:
		return fanout.ErrPeerGone
	default:
	}
	timer := time.NewTimer(wsSendTimeout)
	defer timer.Stop()
	select {
	case c.out <- env:
		return nil
	case <-c.done:
		return fanout.ErrPeerGone
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		c.log.Warn("websocket client too slow, closing")
		_ = c.Close()
		return fanout.ErrPeerGone
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case env := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, false)
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Voice == nil {
		respondError(w, http.StatusServiceUnavailable, "voice_disabled", "Voice processing is disabled")
		return
	}
	s.serveWS(w, r, true)
}

// serveWS runs one connection. Frames are handled in arrival order on this
// goroutine; audio frames on the voice channel are queued to the worker pool.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, voiceChannel bool) {
	if s.deps.Dispatcher == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "realtime dispatcher not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wc := newWSConn(conn, s.log)
	go wc.writeLoop()
	defer wc.Close()

	ctx := r.Context()
	id, err := s.deps.Dispatcher.Connect(ctx, wc)
	if err != nil {
		return
	}
	defer s.deps.Dispatcher.Disconnect(id)
	if sessionID := strings.TrimSpace(r.URL.Query().Get("session_id")); sessionID != "" && s.deps.Hub != nil {
		_ = s.deps.Hub.Associate(id, sessionID)
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		switch msgType {
		case websocket.TextMessage:
			s.deps.Dispatcher.Handle(ctx, id, data)
		case websocket.BinaryMessage:
			if voiceChannel {
				s.deps.Dispatcher.HandleAudio(ctx, id, data)
				continue
			}
			_ = wc.Send(ctx, protocol.MustNew(protocol.TypeError, "", protocol.ErrorData{
				Message: "binary frames are only accepted on the voice channel",
				Code:    "unsupported_frame",
			}))
		}
	}
}
