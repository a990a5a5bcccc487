package pionrouter

import (
	"context"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/sfucore/sfu/internal/mediarouter"
)

// Producer is one uplink stream: the remote track a browser is sending
// plus the relay fanning its RTP out to consumers. Adapted from the
// teacher's internal/app/sfu relay wiring, which starts one forwarding
// goroutine per incoming track.
type Producer struct {
	id            string
	kind          mediarouter.Kind
	track         *webrtc.TrackRemote
	receiver      *webrtc.RTPReceiver
	rtpParameters mediarouter.RTPParameters
	router        *Router
	relay         *relay

	paused atomic.Bool
	closed atomic.Bool
	cancel context.CancelFunc
}

func newProducer(router *Router, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, kind mediarouter.Kind, rtpParameters mediarouter.RTPParameters) *Producer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Producer{
		id:            router.worker.nextID("producer"),
		kind:          kind,
		track:         track,
		receiver:      receiver,
		rtpParameters: rtpParameters,
		router:        router,
		cancel:        cancel,
	}
	p.relay = newRelay(trackRTPSource{track}, cancel)
	router.registerProducer(p)

	logger := log.With().Str("module", "mediarouter.producer").Str("producer", p.id).Logger()
	go p.relay.loop(ctx, &logger)

	return p
}

// trackRTPSource adapts *webrtc.TrackRemote to the relay's rtpSource
// interface.
type trackRTPSource struct {
	track *webrtc.TrackRemote
}

func (s trackRTPSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.track.ReadRTP()
	return pkt, err
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() mediarouter.Kind { return p.kind }
func (p *Producer) Paused() bool           { return p.paused.Load() }

func (p *Producer) Pause() error {
	p.paused.Store(true)
	return nil
}

func (p *Producer) Resume() error {
	p.paused.Store(false)
	return nil
}

func (p *Producer) RTPParameters() mediarouter.RTPParameters { return p.rtpParameters }

// GetStats is a stub: pion doesn't expose per-track bitrate the way
// mediasoup's worker does, so /v1/stats and the supervisor stats dump
// report zero bitrate for real producers (§6.4's best-effort clause).
func (p *Producer) GetStats() (mediarouter.Stats, error) {
	return mediarouter.Stats{}, nil
}

func (p *Producer) isClosed() bool { return p.closed.Load() }

func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.relay.stop()
	p.router.unregisterProducer(p.id)
	return nil
}

// codecCapability lets Consume mint a local track matching the producer's
// negotiated codec, generalized from the teacher's hardcoded Opus/VP8
// track construction in internal/app/sfu/relay_manager.go.
func (p *Producer) codecCapability() webrtc.RTPCodecCapability {
	return p.track.Codec().RTPCodecCapability
}
