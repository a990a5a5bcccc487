// Adapted from the teacher's internal/app/sfu/relay.go and
// relay_manager.go: a producer owns a relay that reads RTP off the
// underlying pion remote track and fans it out to every subscribed consumer's
// local track, generalized here from per-session relays keyed by
// SessionID to per-producer relays keyed by consumer id.
package pionrouter

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// rtpSource abstracts where a relay reads packets from; the only
// implementation is trackRTPSource, wrapping a pion remote track.
type rtpSource interface {
	ReadRTP() (*rtp.Packet, error)
}

type relay struct {
	src rtpSource

	mu        sync.RWMutex
	outTracks map[string]*outTrack

	cancel context.CancelFunc
}

func newRelay(src rtpSource, cancel context.CancelFunc) *relay {
	return &relay{
		src:       src,
		outTracks: make(map[string]*outTrack),
		cancel:    cancel,
	}
}

func (r *relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("module", "mediarouter.relay").Msg("relay stopped")
			r.markAllDelete()
			return
		default:
		}
		pkt, err := r.src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Str("module", "mediarouter.relay").Msg("read RTP error, stopping")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	snapshot := make(map[string]*outTrack, len(r.outTracks))
	r.mu.RLock()
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	var dirty []string
	for dst, ot := range snapshot {
		switch ot.getState() {
		case trackStateDelete:
			dirty = append(dirty, dst)
		case trackStateMuted:
		case trackStateOK:
			if err := ot.track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("module", "mediarouter.relay").Str("consumer", dst).Msg("write RTP error")
				ot.markDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.outTracks, id)
	}
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.markDelete()
	}
}

func (r *relay) addOutTrack(consumerID string, ot *outTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[consumerID] = ot
}

func (r *relay) removeOutTrack(consumerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outTracks, consumerID)
}

func (r *relay) setState(consumerID string, s trackState) {
	r.mu.RLock()
	ot, ok := r.outTracks[consumerID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	switch s {
	case trackStateOK:
		ot.markOK()
	case trackStateMuted:
		ot.markMuted()
	case trackStateDelete:
		ot.markDelete()
	}
}

func (r *relay) stop() {
	if r.cancel != nil {
		r.cancel()
	}
}
