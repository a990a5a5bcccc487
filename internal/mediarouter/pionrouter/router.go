package pionrouter

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/sfucore/sfu/internal/mediarouter"
)

type Router struct {
	worker *Worker
	api    *webrtc.API
	codecs mediarouter.RouterCodecOptions

	mu        sync.RWMutex
	producers map[string]*Producer
	closed    bool
}

func newRouter(w *Worker, codecs mediarouter.RouterCodecOptions) (*Router, error) {
	me := &webrtc.MediaEngine{}
	if err := registerCodecs(me, codecs); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(w.settingEngine))
	return &Router{
		worker:    w,
		api:       api,
		codecs:    codecs,
		producers: make(map[string]*Producer),
	}, nil
}

func registerCodecs(me *webrtc.MediaEngine, codecs mediarouter.RouterCodecOptions) error {
	for _, name := range codecs.AudioCodecs {
		if err := registerAudioCodec(me, name); err != nil {
			return err
		}
	}
	if len(codecs.AudioCodecs) == 0 {
		if err := me.RegisterDefaultCodecs(); err != nil {
			return err
		}
		return nil
	}
	for _, name := range codecs.VideoCodecs {
		if err := registerVideoCodec(me, name); err != nil {
			return err
		}
	}
	return nil
}

func registerAudioCodec(me *webrtc.MediaEngine, name string) error {
	return me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    "audio/" + name,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio)
}

func registerVideoCodec(me *webrtc.MediaEngine, name string) error {
	pt := webrtc.PayloadType(96)
	switch name {
	case "VP9":
		pt = 98
	case "H264":
		pt = 102
	}
	return me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  "video/" + name,
			ClockRate: 90000,
		},
		PayloadType: pt,
	}, webrtc.RTPCodecTypeVideo)
}

// RTPCapabilities is a plain JSON echo of the negotiated codec list; the
// client-side companion library is the only consumer that interprets it
// (spec.md §1) so the core treats it as opaque per §6.4.
func (r *Router) RTPCapabilities() mediarouter.RTPCapabilities {
	b, _ := json.Marshal(struct {
		AudioCodecs []string `json:"audioCodecs"`
		VideoCodecs []string `json:"videoCodecs"`
	}{r.codecs.AudioCodecs, r.codecs.VideoCodecs})
	return mediarouter.RTPCapabilities(b)
}

func (r *Router) CreateWebRtcTransport(opts mediarouter.TransportOptions) (mediarouter.Transport, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("router closed")
	}
	return newTransport(r, opts)
}

// CanConsume answers whether a producer exists and is not closed. Real
// codec-compatibility negotiation lives entirely in the (unimplemented,
// external) engine per spec.md §1; the core only needs a boolean gate.
func (r *Router) CanConsume(producerID string, _ mediarouter.RTPCapabilities) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[producerID]
	return ok && !p.isClosed()
}

func (r *Router) registerProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.ID()] = p
	r.mu.Unlock()
}

func (r *Router) unregisterProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) lookupProducer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	producers := make([]*Producer, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	r.producers = make(map[string]*Producer)
	r.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	return nil
}
