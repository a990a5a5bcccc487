// Package linktest provides the in-process pipe link.Link implementation
// referenced by internal/link's doc comment, used to drive Bus and
// Session tests without a real websocket.
package linktest

import (
	"sync"

	"github.com/sfucore/sfu/internal/link"
)

// pipeLink is one end of a pair of in-memory links; frames sent on one
// end are delivered to the other end's OnFrame callback.
type pipeLink struct {
	mu      sync.Mutex
	peer    *pipeLink
	onFrame func([]byte)
	onClose func()
	closed  bool
}

// NewPipe returns two connected Link ends, analogous to net.Pipe.
func NewPipe() (link.Link, link.Link) {
	a := &pipeLink{}
	b := &pipeLink{}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *pipeLink) Send(frame []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errClosed
	}
	peer := p.peer
	p.mu.Unlock()

	peer.mu.Lock()
	onFrame := peer.onFrame
	peer.mu.Unlock()
	if onFrame != nil {
		onFrame(frame)
	}
	return nil
}

func (p *pipeLink) OnFrame(fn func([]byte)) {
	p.mu.Lock()
	p.onFrame = fn
	p.mu.Unlock()
}

func (p *pipeLink) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = fn
	p.mu.Unlock()
}

func (p *pipeLink) Close(code link.CloseCode) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	onClose := p.onClose
	peer := p.peer
	p.mu.Unlock()
	if onClose != nil {
		onClose()
	}

	peer.mu.Lock()
	alreadyClosed := peer.closed
	peer.closed = true
	peerOnClose := peer.onClose
	peer.mu.Unlock()
	if !alreadyClosed && peerOnClose != nil {
		peerOnClose()
	}
	return nil
}

type pipeError string

func (e pipeError) Error() string { return string(e) }

const errClosed = pipeError("linktest: pipe closed")
