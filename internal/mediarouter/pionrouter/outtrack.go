// Adapted from the teacher's internal/app/sfu/outtrack.go: a single
// outgoing RTP track plus a tri-state flag toggled without holding the
// relay's lock on the packet-forwarding hot path.
package pionrouter

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type trackState int32

const (
	trackStateOK trackState = iota
	trackStateMuted
	trackStateDelete
)

type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32 // trackState, zero value is trackStateOK
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP) *outTrack {
	return &outTrack{track: track}
}

func (t *outTrack) getState() trackState { return trackState(t.state.Load()) }
func (t *outTrack) markOK()              { t.state.Store(int32(trackStateOK)) }
func (t *outTrack) markMuted()           { t.state.Store(int32(trackStateMuted)) }
func (t *outTrack) markDelete()          { t.state.Store(int32(trackStateDelete)) }
