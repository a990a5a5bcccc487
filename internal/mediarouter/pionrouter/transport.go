package pionrouter

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/sfucore/sfu/internal/mediarouter"
)

const produceWaitTimeout = 15 * time.Second

// sdpBlob is how this engine encodes ICE/DTLS/SCTP parameters on the wire:
// the whole local SDP, since the core only relays these fields opaquely to
// the client-side companion library (spec.md §1, §6.4) and never parses
// them itself.
type sdpBlob struct {
	SDP string `json:"sdp"`
}

// Transport wraps one pion PeerConnection as either a client→server (cts)
// or server→client (stc) transport (spec.md glossary).
type Transport struct {
	id     string
	router *Router
	pc     *webrtc.PeerConnection

	mu          sync.Mutex
	closed      bool
	trackQueues map[mediarouter.Kind]chan *webrtc.TrackRemote
	receivers   map[*webrtc.TrackRemote]*webrtc.RTPReceiver

	localOffer webrtc.SessionDescription
}

func newTransport(r *Router, opts mediarouter.TransportOptions) (*Transport, error) {
	pc, err := r.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}

	t := &Transport{
		id:          r.worker.nextID("transport"),
		router:      r,
		pc:          pc,
		trackQueues: make(map[mediarouter.Kind]chan *webrtc.TrackRemote),
		receivers:   make(map[*webrtc.TrackRemote]*webrtc.RTPReceiver),
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.onTrack(track, receiver)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "mediarouter.transport").Str("transport", t.id).Str("ice_state", s.String()).Msg("ICE state changed")
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, err
	}
	<-gatherComplete
	t.localOffer = *pc.LocalDescription()

	return t, nil
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) IceParameters() mediarouter.IceParameters {
	b, _ := json.Marshal(sdpBlob{SDP: t.localOffer.SDP})
	return mediarouter.IceParameters(b)
}

func (t *Transport) IceCandidates() []mediarouter.IceCandidate {
	// Candidates are embedded in the trickled-free SDP above (this engine
	// always waits for GatheringCompletePromise), so there is nothing
	// further to enumerate separately; kept as an empty slice to satisfy
	// the interface shape spec.md §6.4 names.
	return nil
}

func (t *Transport) DtlsParameters() mediarouter.DTLSParameters {
	b, _ := json.Marshal(sdpBlob{SDP: t.localOffer.SDP})
	return mediarouter.DTLSParameters(b)
}

func (t *Transport) SctpParameters() mediarouter.SCTPParameters {
	b, _ := json.Marshal(sdpBlob{SDP: t.localOffer.SDP})
	return mediarouter.SCTPParameters(b)
}

// Connect applies the peer's answer, completing the offer/answer exchange
// this engine substitutes for mediasoup's raw ICE/DTLS parameter exchange.
func (t *Transport) Connect(dtls mediarouter.DTLSParameters) error {
	var blob sdpBlob
	if err := json.Unmarshal(dtls, &blob); err != nil {
		return fmt.Errorf("decode remote description: %w", err)
	}
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  blob.SDP,
	})
}

func (t *Transport) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := mediarouter.KindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = mediarouter.KindVideo
	}

	t.mu.Lock()
	q, ok := t.trackQueues[kind]
	if !ok {
		q = make(chan *webrtc.TrackRemote, 4)
		t.trackQueues[kind] = q
	}
	t.receivers[track] = receiver
	t.mu.Unlock()

	select {
	case q <- track:
	default:
		log.Warn().Str("module", "mediarouter.transport").Str("transport", t.id).Msg("track queue full, dropping remote track")
	}
}

// Produce correlates rtpParameters with the next remote track of matching
// kind that arrived via OnTrack, mirroring the teacher's
// wc.OnTrack-then-produce sequencing in
// internal/adapters/signal/webrtc.go.
func (t *Transport) Produce(kind mediarouter.Kind, rtpParameters mediarouter.RTPParameters) (mediarouter.Producer, error) {
	t.mu.Lock()
	q, ok := t.trackQueues[kind]
	if !ok {
		q = make(chan *webrtc.TrackRemote, 4)
		t.trackQueues[kind] = q
	}
	t.mu.Unlock()

	select {
	case track := <-q:
		t.mu.Lock()
		receiver := t.receivers[track]
		delete(t.receivers, track)
		t.mu.Unlock()
		return newProducer(t.router, track, receiver, kind, rtpParameters), nil
	case <-time.After(produceWaitTimeout):
		return nil, fmt.Errorf("produce: no %s track arrived within %s", kind, produceWaitTimeout)
	}
}

// Consume attaches a local relay track for producerID onto this transport,
// generalized from the teacher's app/sfu.RelayManager.AddSubscriber.
func (t *Transport) Consume(producerID string, _ mediarouter.RTPCapabilities, paused bool) (mediarouter.Consumer, error) {
	producer, ok := t.router.lookupProducer(producerID)
	if !ok {
		return nil, fmt.Errorf("consume: unknown producer %s", producerID)
	}

	codecCapability := producer.codecCapability()
	localTrack, err := webrtc.NewTrackLocalStaticRTP(codecCapability, producerID, "sfu")
	if err != nil {
		return nil, err
	}
	sender, err := t.pc.AddTrack(localTrack)
	if err != nil {
		return nil, err
	}

	consumerID := t.router.worker.nextID("consumer")
	ot := newOutTrack(localTrack)
	if paused {
		ot.markMuted()
	}
	producer.relay.addOutTrack(consumerID, ot)

	c := &Consumer{
		id:       consumerID,
		kind:     producer.Kind(),
		producer: producer,
		sender:   sender,
	}
	c.paused.Store(paused)
	return c, nil
}

func (t *Transport) SetMaxIncomingBitrate(bps int) error { return nil }
func (t *Transport) SetMaxOutgoingBitrate(bps int) error { return nil }

// GetStats is a stub for the same reason as Producer.GetStats: pion
// exposes no equivalent transport-level bitrate counter.
func (t *Transport) GetStats() (mediarouter.Stats, error) {
	return mediarouter.Stats{}, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}
