package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/chat"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a frame to the server.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong from the server.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 64 * 1024
)

// Websocket connects to the push hub over gorilla/websocket.
type Websocket struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.Logger
}

// NewWebsocket returns a transport dialing rawURL, e.g. ws://localhost:8080/ws.
func NewWebsocket(rawURL string, log *zap.Logger) *Websocket {
	if log == nil {
		log = zap.NewNop()
	}
	return &Websocket{
		url:    rawURL,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log,
	}
}

// Connect dials the hub with token and starts the read and write pumps.
func (w *Websocket) Connect(ctx context.Context, token string) (chat.Channel, error) {
	u, err := url.Parse(w.url)
	if err != nil {
		return nil, fmt.Errorf("parse push url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := w.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (status %d)", chat.ErrNetwork, w.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", chat.ErrNetwork, w.url, err)
	}

	s := &socket{
		conn:   conn,
		send:   make(chan []byte, 256),
		events: make(chan chat.Event, 256),
		closed: make(chan struct{}),
		log:    w.log,
	}
	go s.writePump()
	go s.readPump()
	return s, nil
}

// socket is one live connection. The read pump owns events and closes it
// when the connection ends.
type socket struct {
	conn   *websocket.Conn
	send   chan []byte
	events chan chat.Event
	closed chan struct{}
	once   sync.Once
	log    *zap.Logger
}

func (s *socket) Events() <-chan chat.Event { return s.events }

func (s *socket) JoinRoom(ctx context.Context, selfID string) error {
	frame, err := Encode(EventJoinRoom, selfID)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return chat.ErrNotConnected
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.closed:
		return chat.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *socket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	return err
}

// readPump decodes frames into events until the connection fails or closes.
func (s *socket) readPump() {
	defer func() {
		close(s.events)
		s.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("push channel read failed", zap.Error(err))
			}
			return
		}
		// The hub batches queued frames into one write, newline separated.
		for _, frame := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(frame)) == 0 {
				continue
			}
			ev, err := Decode(frame)
			if err != nil {
				s.log.Warn("dropping malformed push frame", zap.Error(err))
				continue
			}
			select {
			case s.events <- ev:
			case <-s.closed:
				return
			}
		}
	}
}

// writePump sends queued frames and keeps the connection alive with pings.
func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.Warn("push channel write failed", zap.Error(err))
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}
