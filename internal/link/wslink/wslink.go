// Package wslink adapts a *websocket.Conn to the link.Link interface
// using the teacher's read/write pump shape (internal/adapters/signal/io.go):
// a buffered send channel drained by one goroutine, a blocking read loop
// on another, both terminating into a single Close.
package wslink

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sfucore/sfu/internal/link"
)

const writeDeadline = 5 * time.Second

// Conn is the subset of *websocket.Conn this adapter needs; an interface
// so tests can substitute a fake without opening a real socket.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WSLink implements link.Link over a gorilla/websocket connection.
type WSLink struct {
	conn Conn
	send chan []byte

	mu       sync.Mutex
	closed   bool
	onFrame  func([]byte)
	onClose  func()
	closedCh chan struct{}
}

func New(conn Conn) *WSLink {
	l := &WSLink{
		conn:     conn,
		send:     make(chan []byte, 64),
		closedCh: make(chan struct{}),
	}
	go l.writePump()
	go l.readPump()
	return l
}

func (l *WSLink) OnFrame(fn func([]byte)) {
	l.mu.Lock()
	l.onFrame = fn
	l.mu.Unlock()
}

func (l *WSLink) OnClose(fn func()) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

func (l *WSLink) Send(frame []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return websocket.ErrCloseSent
	}
	l.mu.Unlock()

	select {
	case l.send <- frame:
		return nil
	case <-l.closedCh:
		return websocket.ErrCloseSent
	}
}

func (l *WSLink) Close(code link.CloseCode) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.closedCh)
	onClose := l.onClose
	l.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	closeMsg := websocket.FormatCloseMessage(int(code), "")
	_ = l.conn.SetWriteDeadline(deadline)
	_ = l.conn.WriteMessage(websocket.CloseMessage, closeMsg)
	err := l.conn.Close()

	if onClose != nil {
		onClose()
	}
	return err
}

func (l *WSLink) writePump() {
	for {
		select {
		case frame, ok := <-l.send:
			if !ok {
				return
			}
			if err := l.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "link.wslink").Msg("set write deadline")
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().Err(err).Str("module", "link.wslink").Msg("write error")
				return
			}
		case <-l.closedCh:
			return
		}
	}
}

func (l *WSLink) readPump() {
	defer l.Close(link.CloseClean)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		l.mu.Lock()
		onFrame := l.onFrame
		l.mu.Unlock()
		if onFrame != nil {
			onFrame(data)
		}
	}
}
