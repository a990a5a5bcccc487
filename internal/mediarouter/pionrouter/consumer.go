package pionrouter

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/sfucore/sfu/internal/mediarouter"
)

// Consumer is one downlink stream riding a producer's relay through a
// dedicated local track and RTPSender, generalized from the teacher's
// per-subscriber outTrack registration in app/sfu/relay_manager.go.
type Consumer struct {
	id       string
	kind     mediarouter.Kind
	producer *Producer
	sender   *webrtc.RTPSender

	paused atomic.Bool
	closed atomic.Bool
}

func (c *Consumer) ID() string             { return c.id }
func (c *Consumer) Kind() mediarouter.Kind { return c.kind }
func (c *Consumer) Paused() bool           { return c.paused.Load() }

func (c *Consumer) Pause() error {
	c.paused.Store(true)
	c.producer.relay.setState(c.id, trackStateMuted)
	return nil
}

func (c *Consumer) Resume() error {
	c.paused.Store(false)
	c.producer.relay.setState(c.id, trackStateOK)
	return nil
}

func (c *Consumer) RTPParameters() mediarouter.RTPParameters {
	return c.producer.rtpParameters
}

func (c *Consumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.producer.relay.removeOutTrack(c.id)
	if c.sender != nil {
		_ = c.sender.Stop()
	}
	return nil
}
