// Package gateway implements spec.md §4.6: the entry point for new
// duplex connections, first-message authentication, and the wiring that
// turns an authenticated Link into a Bus-backed Session. Grounded on the
// teacher's internal/adapters/signal/{control,io,signal}.go connection
// lifecycle.
package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sfucore/sfu/internal/auth"
	"github.com/sfucore/sfu/internal/bus"
	"github.com/sfucore/sfu/internal/channel"
	"github.com/sfucore/sfu/internal/link"
	"github.com/sfucore/sfu/internal/process"
	"github.com/sfucore/sfu/internal/session"
)

// Gateway owns the pending/authenticated link bookkeeping spec.md §3
// calls "process state" and drives the authentication handshake of
// spec.md §4.6.
type Gateway struct {
	proc   *process.Process
	logger zerolog.Logger

	mu            sync.Mutex
	pending       map[uint64]link.Link
	authenticated map[uint64]link.Link
	nextID        atomic.Uint64
}

// New constructs a Gateway bound to a process-scope object.
func New(proc *process.Process) *Gateway {
	return &Gateway{
		proc:          proc,
		logger:        log.With().Str("module", "gateway").Logger(),
		pending:       make(map[uint64]link.Link),
		authenticated: make(map[uint64]link.Link),
	}
}

// credentials is the opening frame's shape (spec.md §6.2): either a JSON
// object, or a bare legacy token string.
type credentials struct {
	ChannelUUID string `json:"channelUUID"`
	JWT         string `json:"jwt"`

	legacyToken string
	isLegacy    bool
}

func parseCredentials(frame []byte) (credentials, error) {
	trimmed := strings.TrimSpace(string(frame))
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var token string
		if err := json.Unmarshal(frame, &token); err != nil {
			return credentials{}, err
		}
		return credentials{legacyToken: token, isLegacy: true}, nil
	}

	var c credentials
	if err := json.Unmarshal(frame, &c); err != nil {
		return credentials{}, err
	}
	if c.JWT == "" {
		return credentials{}, fmt.Errorf("missing jwt")
	}
	return c, nil
}

// HandleConnection registers l as pending, arms the authentication
// deadline, and installs the one-shot first-message handler (spec.md
// §4.6).
func (g *Gateway) HandleConnection(l link.Link) {
	id := g.nextID.Add(1)

	g.mu.Lock()
	g.pending[id] = l
	g.mu.Unlock()

	var once sync.Once
	deadline := time.AfterFunc(g.proc.Config.Timeouts.Authentication, func() {
		once.Do(func() {
			g.removePending(id)
			_ = l.Close(link.CloseTimeout)
		})
	})

	l.OnClose(func() { g.removePending(id) })
	l.OnFrame(func(frame []byte) {
		once.Do(func() {
			deadline.Stop()
			g.authenticate(id, l, frame)
		})
	})
}

func (g *Gateway) removePending(id uint64) {
	g.mu.Lock()
	delete(g.pending, id)
	delete(g.authenticated, id)
	g.mu.Unlock()
}

// authenticate implements the credential-parsing and channel-resolution
// steps of spec.md §4.6.
func (g *Gateway) authenticate(id uint64, l link.Link, frame []byte) {
	creds, err := parseCredentials(frame)
	if err != nil {
		g.reject(l, link.CloseError, err)
		return
	}

	var c *channel.Channel
	var claims auth.Claims

	if creds.isLegacy {
		// Legacy bare-token path: the channel comes from the
		// sfu_channel_uuid claim, so the token must be verifiable with
		// the global key before that claim can even be read.
		claims, err = auth.Verify(creds.legacyToken, g.proc.Config.AuthKey)
		if err != nil {
			g.reject(l, link.CloseAuthenticationFailed, err)
			return
		}
		found, ok := g.proc.Channels.Lookup(claims.ChannelUUID)
		if !ok {
			g.reject(l, link.CloseAuthenticationFailed, fmt.Errorf("unknown channel"))
			return
		}
		if len(found.Key()) != 0 {
			// A per-channel key is set but the legacy path never carries
			// one, so it must be refused (spec.md §9's open question on
			// the legacy path).
			g.reject(l, link.CloseAuthenticationFailed, fmt.Errorf("legacy token forbidden on keyed channel"))
			return
		}
		c = found
	} else {
		found, ok := g.proc.Channels.Lookup(creds.ChannelUUID)
		if !ok {
			g.reject(l, link.CloseAuthenticationFailed, fmt.Errorf("unknown channel"))
			return
		}
		c = found
		verifyKey := g.proc.Config.AuthKey
		if len(c.Key()) != 0 {
			verifyKey = c.Key()
		}
		claims, err = auth.Verify(creds.JWT, verifyKey)
		if err != nil {
			g.reject(l, link.CloseAuthenticationFailed, err)
			return
		}
	}

	if claims.SessionID == "" {
		g.reject(l, link.CloseAuthenticationFailed, fmt.Errorf("missing session_id claim"))
		return
	}

	joinedChannel, sess, err := g.proc.Channels.Join(c.UUID(), claims.SessionID)
	if err != nil {
		if err == channel.ErrOvercrowded {
			g.reject(l, link.CloseChannelFull, err)
			return
		}
		g.reject(l, link.CloseAuthenticationFailed, err)
		return
	}
	_ = joinedChannel

	// A literal empty frame signals "authenticated" (spec.md §4.6/§6.2:
	// "one frame (may be empty)"); the client treats the first received
	// frame as ready regardless of its content.
	if err := l.Send([]byte{}); err != nil {
		sess.Close(session.ReasonWSError, err)
		return
	}

	b := bus.New(fmt.Sprintf("%s_%s", c.UUID(), claims.SessionID), l, true)

	g.mu.Lock()
	delete(g.pending, id)
	g.authenticated[id] = l
	g.mu.Unlock()

	l.OnClose(func() {
		b.Close()
		sess.Close(session.ReasonWSClosed, nil)
		g.removePending(id)
	})
	sess.OnCloseHook(func(reason session.CloseReason) {
		_ = l.Close(closeCodeForReason(reason))
	})

	sess.Connect(b)
}

func (g *Gateway) reject(l link.Link, code link.CloseCode, cause error) {
	g.logger.Warn().Err(cause).Int("code", int(code)).Msg("rejecting connection")
	_ = l.Close(code)
}

// closeCodeForReason maps a session close reason onto a link close code,
// per spec.md §6.3's exact table.
func closeCodeForReason(reason session.CloseReason) link.CloseCode {
	switch reason {
	case session.ReasonError:
		return link.CloseError
	case session.ReasonKicked, session.ReasonReplaced, session.ReasonChannelClosed:
		return link.CloseKicked
	case session.ReasonCTimeout, session.ReasonPTimeout:
		return link.CloseTimeout
	default:
		return link.CloseClean
	}
}
