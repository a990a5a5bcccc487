package channel

import (
	"context"
	"testing"
	"time"

	"github.com/sfucore/sfu/internal/config"
	"github.com/sfucore/sfu/internal/session"
	"github.com/sfucore/sfu/internal/workerpool"
)

func testConfig() *config.Config {
	return &config.Config{
		ChannelSize: 2,
		Timeouts: config.Timeouts{
			Session:        time.Minute,
			Ping:           time.Minute,
			Recovery:       time.Second,
			Channel:        time.Hour,
			Authentication: time.Second,
			Request:        time.Second,
		},
	}
}

func TestCreateIsIdempotentByRemoteAddressAndIssuer(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testConfig(), &workerpool.Pool{})
	ctx := context.Background()

	c1, err := r.Create(ctx, "1.2.3.4", "issuer-a", CreateOptions{UseWebRtc: false})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c2, err := r.Create(ctx, "1.2.3.4", "issuer-a", CreateOptions{UseWebRtc: false})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c1 != c2 {
		t.Fatal("expected the same channel for the same (remoteAddress, issuer) pair")
	}

	c3, err := r.Create(ctx, "1.2.3.4", "issuer-b", CreateOptions{UseWebRtc: false})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c3 == c1 {
		t.Fatal("expected a distinct channel for a different issuer")
	}
}

func TestJoinEnforcesChannelSize(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testConfig(), &workerpool.Pool{})
	ctx := context.Background()

	c, err := r.Create(ctx, "1.2.3.4", "issuer-a", CreateOptions{UseWebRtc: false})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, _, err := r.Join(c.UUID(), "s1"); err != nil {
		t.Fatalf("join s1: %v", err)
	}
	if _, _, err := r.Join(c.UUID(), "s2"); err != nil {
		t.Fatalf("join s2: %v", err)
	}
	if _, _, err := r.Join(c.UUID(), "s3"); err != ErrOvercrowded {
		t.Fatalf("join s3: got %v, want ErrOvercrowded", err)
	}
}

func TestJoinReplacesExistingSessionID(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testConfig(), &workerpool.Pool{})
	ctx := context.Background()

	c, err := r.Create(ctx, "1.2.3.4", "issuer-a", CreateOptions{UseWebRtc: false})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := c.Join("s1", 2)
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	closed := make(chan session.CloseReason, 1)
	first.OnCloseHook(func(reason session.CloseReason) { closed <- reason })

	if _, err := c.Join("s1", 2); err != nil {
		t.Fatalf("second join: %v", err)
	}

	select {
	case reason := <-closed:
		if reason != session.ReasonReplaced {
			t.Errorf("close reason = %v, want REPLACED", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for prior session to close")
	}
	if c.Size() != 1 {
		t.Errorf("channel size = %d, want 1", c.Size())
	}
}

func TestJoinUnknownChannelReturnsNotFound(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testConfig(), &workerpool.Pool{})
	if _, _, err := r.Join("does-not-exist", "s1"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestCloseTearsDownAllSessions(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testConfig(), &workerpool.Pool{})
	ctx := context.Background()

	c, err := r.Create(ctx, "1.2.3.4", "issuer-a", CreateOptions{UseWebRtc: false})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s1, err := c.Join("s1", 2)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	closed := make(chan session.CloseReason, 1)
	s1.OnCloseHook(func(reason session.CloseReason) { closed <- reason })

	c.Close()

	select {
	case reason := <-closed:
		if reason != session.ReasonChannelClosed {
			t.Errorf("close reason = %v, want CHANNEL_CLOSED", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session close")
	}

	if _, ok := r.Lookup(c.UUID()); ok {
		t.Error("expected channel removed from registry after Close")
	}
}
