// Package channel implements the Channel component of spec.md §4.4: a
// capacity-bounded, idle-closing registry of sessions bound to one media
// router for its whole life. Grounded on the teacher's
// internal/core/room_impl.go (session map, idle handling) and
// internal/app/room_manager.go's registry idempotency pattern.
package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sfucore/sfu/internal/apperr"
	"github.com/sfucore/sfu/internal/config"
	"github.com/sfucore/sfu/internal/mediarouter"
	"github.com/sfucore/sfu/internal/session"
)

// Channel is one call: a bounded set of sessions sharing one media
// router (spec.md §3).
type Channel struct {
	uuid          string
	remoteAddress string
	issuer        string
	key           []byte
	router        mediarouter.Router // nil for data-only channels
	createdAt     time.Time
	cfg           *config.Config
	logger        zerolog.Logger

	onClose func(*Channel)

	mu        sync.RWMutex
	sessions  map[string]*session.Session
	idleTimer *time.Timer
	closed    bool
}

// UUID, RemoteAddress and Key are read-only identity accessors used by
// the Gateway and HTTP API.
func (c *Channel) UUID() string          { return c.uuid }
func (c *Channel) RemoteAddress() string { return c.remoteAddress }
func (c *Channel) Key() []byte           { return c.key }
func (c *Channel) HasRouter() bool       { return c.router != nil }

// Join installs a new session under sessionID, replacing (with reason
// REPLACED) any prior session already using that id, per spec.md §4.4.
// maxSize enforces CHANNEL_SIZE atomically with the insert so a
// concurrent flood of Joins cannot overshoot capacity (testable property
// 1 / boundary behavior in spec.md §8).
func (c *Channel) Join(sessionID string, maxSize int) (*session.Session, error) {
	c.mu.Lock()
	if prior, ok := c.sessions[sessionID]; ok {
		delete(c.sessions, sessionID)
		c.mu.Unlock()
		prior.Close(session.ReasonReplaced, nil)
		c.mu.Lock()
	}

	if len(c.sessions) >= maxSize {
		c.mu.Unlock()
		return nil, ErrOvercrowded
	}

	s := session.New(session.Config{
		ID:            sessionID,
		ChannelID:     c.uuid,
		Router:        c.router,
		Timeouts:      c.cfg.Timeouts,
		MaxBitrateIn:  c.cfg.MaxBitrateIn,
		MaxBitrateOut: c.cfg.MaxBitrateOut,
		Peers:         c.peersExcept(sessionID),
		OnClose:       c.onSessionClose,
	})
	c.sessions[sessionID] = s
	if len(c.sessions) > 1 {
		c.disarmIdleLocked()
	}
	c.mu.Unlock()

	c.logger.Info().Str("session", sessionID).Msg("session joined")
	return s, nil
}

// peersExcept returns a closure session.Config.Peers can call at connect
// time to enumerate every other CONNECTED session.
func (c *Channel) peersExcept(selfID string) func() []*session.Session {
	return func() []*session.Session {
		c.mu.RLock()
		defer c.mu.RUnlock()
		out := make([]*session.Session, 0, len(c.sessions))
		for id, s := range c.sessions {
			if id == selfID {
				continue
			}
			if s.State() == session.StateConnected {
				out = append(out, s)
			}
		}
		return out
	}
}

// onSessionClose removes a closed session and rearms the idle timer once
// the channel drops to at most one participant (spec.md §4.4).
func (c *Channel) onSessionClose(s *session.Session, reason session.CloseReason) {
	c.mu.Lock()
	if current, ok := c.sessions[s.ID()]; ok && current == s {
		delete(c.sessions, s.ID())
	}
	rearm := len(c.sessions) <= 1 && !c.closed
	c.mu.Unlock()

	if rearm {
		c.armIdle()
	}
}

// Kick force-closes a live session by id with reason KICKED, used by the
// /v1/disconnect endpoint (spec.md §6.1).
func (c *Channel) Kick(sessionID string) {
	c.mu.RLock()
	s, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	s.Close(session.ReasonKicked, nil)
}

// Size reports the current session count.
func (c *Channel) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Channel) armIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armIdleLocked()
}

func (c *Channel) armIdleLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.cfg.Timeouts.Channel, c.onIdleTimeout)
}

func (c *Channel) disarmIdleLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *Channel) onIdleTimeout() {
	c.logger.Info().Msg("channel idle timeout, closing")
	c.Close()
}

// Close tears down every session with reason CHANNEL_CLOSED (suppressing
// the O(n^2) SESSION_LEAVE fanout that a per-session close would cause)
// and removes both registry entries (spec.md §4.4).
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.disarmIdleLocked()
	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*session.Session)
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close(session.ReasonChannelClosed, nil)
	}

	if c.router != nil {
		_ = c.router.Close()
	}

	c.logger.Info().Msg("channel closed")
	if c.onClose != nil {
		c.onClose(c)
	}
}

// Stats is the aggregate shape GetStats returns (spec.md §4.4);
// GetSessionsStats returns the per-session session.Stats records instead.
type Stats struct {
	UUID            string `json:"uuid"`
	Audio           int    `json:"audio"`
	Camera          int    `json:"camera"`
	Screen          int    `json:"screen"`
	Total           int    `json:"total"`
	Sessions        int    `json:"sessions"`
	CamerasOn       int    `json:"camerasOn"`
	ScreensSharing  int    `json:"screensSharing"`
}

// GetStats aggregates every session's producer bitrates into one record.
func (c *Channel) GetStats() Stats {
	c.mu.RLock()
	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	st := Stats{UUID: c.uuid, Sessions: len(sessions)}
	for _, s := range sessions {
		ss := s.Stats()
		st.Audio += ss.AudioBitrate
		st.Camera += ss.CameraBitrate
		st.Screen += ss.ScreenBitrate
		if ss.CameraOn {
			st.CamerasOn++
		}
		if ss.ScreenSharingOn {
			st.ScreensSharing++
		}
	}
	st.Total = st.Audio + st.Camera + st.Screen
	return st
}

// GetSessionsStats returns the per-session breakdown backing GetStats.
func (c *Channel) GetSessionsStats() []session.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]session.Stats, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.Stats())
	}
	return out
}

// CreateOptions configures Registry.Create (spec.md §4.4).
type CreateOptions struct {
	Key       []byte
	UseWebRtc bool
}

// ErrNotFound is returned by Registry.Join when uuid does not resolve to
// a live channel; spec.md §4.4 treats this as unauthorized access, not a
// 404.
var ErrNotFound = apperr.New(apperr.CodeAuthentication, "channel not found")

// ErrOvercrowded is returned when a channel is at CHANNEL_SIZE capacity.
var ErrOvercrowded = apperr.Overcrowded

func safeIssuer(remoteAddress, issuer string) string {
	return fmt.Sprintf("%s::%s", remoteAddress, issuer)
}

func newLogger(id string) zerolog.Logger {
	return log.With().Str("module", "channel").Str("channel", id).Logger()
}
