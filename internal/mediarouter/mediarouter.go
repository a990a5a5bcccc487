// Package mediarouter defines the abstract Media Router interfaces spec.md
// §6.4 consumes but does not implement in the core: Worker, Router,
// Transport, Producer, Consumer. internal/mediarouter/pionrouter provides
// a concrete implementation backed by github.com/pion/webrtc/v4.
package mediarouter

import "encoding/json"

// Kind names an RTP media kind.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// StreamType names the three producer slots a Session owns (spec.md §3).
type StreamType string

const (
	StreamAudio  StreamType = "audio"
	StreamCamera StreamType = "camera"
	StreamScreen StreamType = "screen"
)

// Opaque wire fragments the core never interprets, only relays between
// client and engine.
type (
	RTPCapabilities json.RawMessage
	RTPParameters   json.RawMessage
	DTLSParameters  json.RawMessage
	SCTPParameters  json.RawMessage
	IceParameters   json.RawMessage
	IceCandidate    json.RawMessage
)

// TransportOptions configures a new WebRTC transport.
type TransportOptions struct {
	EnableSctp     bool
	MaxIncomingBps int
	MaxOutgoingBps int
}

// Stats is an opaque per-object statistics snapshot; the core only sums
// bitrate fields it recognises (spec.md §4.4 GetStats/GetSessionsStats).
type Stats struct {
	BitrateBps  int
	PacketsLost int
	Raw         json.RawMessage
}

// Transport is one directional (cts or stc) WebRTC transport handle
// (spec.md §6.4).
type Transport interface {
	ID() string
	IceParameters() IceParameters
	IceCandidates() []IceCandidate
	DtlsParameters() DTLSParameters
	SctpParameters() SCTPParameters
	Connect(dtls DTLSParameters) error
	Produce(kind Kind, rtpParameters RTPParameters) (Producer, error)
	Consume(producerID string, rtpCapabilities RTPCapabilities, paused bool) (Consumer, error)
	SetMaxIncomingBitrate(bps int) error
	SetMaxOutgoingBitrate(bps int) error
	GetStats() (Stats, error)
	Close() error
}

// Producer is one uplink media stream (spec.md §6.4).
type Producer interface {
	ID() string
	Kind() Kind
	Paused() bool
	Pause() error
	Resume() error
	Close() error
	GetStats() (Stats, error)
	RTPParameters() RTPParameters
}

// Consumer is one downlink media stream (spec.md §6.4).
type Consumer interface {
	ID() string
	Kind() Kind
	Paused() bool
	Pause() error
	Resume() error
	Close() error
	RTPParameters() RTPParameters
}

// Router creates transports for a single channel and answers CanConsume
// (spec.md §6.4).
type Router interface {
	RTPCapabilities() RTPCapabilities
	CreateWebRtcTransport(opts TransportOptions) (Transport, error)
	CanConsume(producerID string, rtpCapabilities RTPCapabilities) bool
	Close() error
}

// ResourceUsage is the subset of engine worker telemetry GetWorker (spec.md
// §4.5) needs to compare workers.
type ResourceUsage struct {
	ResidentMemoryBytes uint64
}

// RouterCodecOptions selects which codecs a new Router negotiates,
// sourced from AUDIO_CODECS/VIDEO_CODECS (spec.md §6.5).
type RouterCodecOptions struct {
	AudioCodecs []string
	VideoCodecs []string
}

// WebRtcServerOptions configures the shared UDP+TCP listener a Worker
// binds once (spec.md §4.5).
type WebRtcServerOptions struct {
	ListenIP   string
	MinPort    uint16
	MaxPort    uint16
	AnnouncedIP string
}

// WebRtcServer is the engine handle returned by Worker.CreateWebRtcServer.
type WebRtcServer interface {
	Close() error
}

// Worker is one engine subprocess/goroutine group hosting routers (spec.md
// §6.4, §4.5).
type Worker interface {
	GetResourceUsage() (ResourceUsage, error)
	CreateRouter(opts RouterCodecOptions) (Router, error)
	CreateWebRtcServer(opts WebRtcServerOptions) (WebRtcServer, error)
	OnDied(func(err error))
	Close() error
}
