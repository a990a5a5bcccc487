// Package session implements the per-participant state machine of
// spec.md §4.3: NEW→CONNECTING→CONNECTED→CLOSED, producer/consumer
// slots, info broadcast, and the mesh-building Consume algorithm.
// Grounded on the teacher's internal/core/room_impl.go and
// internal/adapters/signal/{control,webrtc}.go member lifecycle, and on
// internal/domain/member.go's info-flag record.
package session

import (
	"fmt"

	"github.com/sfucore/sfu/internal/mediarouter"
)

// State is a position in the session lifecycle. CLOSED is terminal.
type State int32

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CloseReason names why a session closed, driving both the SESSION_LEAVE
// suppression rule and the link close-code mapping in spec.md §6.3.
type CloseReason string

const (
	ReasonClean         CloseReason = "CLEAN"
	ReasonChannelClosed CloseReason = "CHANNEL_CLOSED"
	ReasonKicked        CloseReason = "KICKED"
	ReasonReplaced      CloseReason = "REPLACED"
	ReasonCTimeout      CloseReason = "C_TIMEOUT"
	ReasonPTimeout      CloseReason = "P_TIMEOUT"
	ReasonError         CloseReason = "ERROR"
	ReasonWSClosed      CloseReason = "WS_CLOSED"
	ReasonWSError       CloseReason = "WS_ERROR"
)

// StreamType is one of a session's three producer slots (spec.md §3).
type StreamType = mediarouter.StreamType

var streamTypes = [...]StreamType{mediarouter.StreamAudio, mediarouter.StreamCamera, mediarouter.StreamScreen}

func streamKind(t StreamType) mediarouter.Kind {
	if t == mediarouter.StreamAudio {
		return mediarouter.KindAudio
	}
	return mediarouter.KindVideo
}

func parseStreamType(s string) (StreamType, error) {
	switch StreamType(s) {
	case mediarouter.StreamAudio, mediarouter.StreamCamera, mediarouter.StreamScreen:
		return StreamType(s), nil
	default:
		return "", fmt.Errorf("session: unknown stream type %q", s)
	}
}

// Info is the six-field mutable record spec.md §3 calls a "seal" -- every
// field optional, only recognized keys ever get updated (spec.md §4.3
// Info-change).
type Info struct {
	IsTalking         *bool `json:"isTalking,omitempty"`
	IsCameraOn        *bool `json:"isCameraOn,omitempty"`
	IsScreenSharingOn *bool `json:"isScreenSharingOn,omitempty"`
	IsSelfMuted       *bool `json:"isSelfMuted,omitempty"`
	IsDeaf            *bool `json:"isDeaf,omitempty"`
	IsRaisingHand     *bool `json:"isRaisingHand,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

// applyPatch merges only recognized keys of the decoded INFO_CHANGE info
// object into i. Values are not coerced: the object is decoded as
// map[string]bool, so a non-boolean value makes the whole INFO_CHANGE
// payload fail to decode and the message is dropped.
func (i *Info) applyPatch(patch map[string]bool) {
	for k, v := range patch {
		switch k {
		case "isTalking":
			i.IsTalking = boolPtr(v)
		case "isCameraOn":
			i.IsCameraOn = boolPtr(v)
		case "isScreenSharingOn":
			i.IsScreenSharingOn = boolPtr(v)
		case "isSelfMuted":
			i.IsSelfMuted = boolPtr(v)
		case "isDeaf":
			i.IsDeaf = boolPtr(v)
		case "isRaisingHand":
			i.IsRaisingHand = boolPtr(v)
		}
	}
}

// ProducerSnapshot is what a peer needs to decide whether and how to
// consume a producer, without reaching into another session's mutex.
type ProducerSnapshot struct {
	ID     string
	Paused bool
}
