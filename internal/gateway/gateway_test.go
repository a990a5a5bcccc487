package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sfucore/sfu/internal/auth"
	"github.com/sfucore/sfu/internal/channel"
	"github.com/sfucore/sfu/internal/config"
	"github.com/sfucore/sfu/internal/link"
	"github.com/sfucore/sfu/internal/process"
	"github.com/sfucore/sfu/internal/workerpool"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testProcess(t *testing.T) *process.Process {
	t.Helper()
	cfg := &config.Config{
		AuthKey:     testKey,
		ChannelSize: 2,
		Timeouts: config.Timeouts{
			Session:        time.Second,
			Ping:           time.Hour,
			Recovery:       50 * time.Millisecond,
			Channel:        time.Hour,
			Authentication: 200 * time.Millisecond,
			Request:        time.Second,
		},
	}
	return process.New(cfg, &workerpool.Pool{})
}

// fakeLink is a link.Link test double that records the close code it
// received, independent of linktest.NewPipe's paired semantics.
type fakeLink struct {
	onFrame   func([]byte)
	onClose   func()
	sent      [][]byte
	closedAs  link.CloseCode
	wasClosed bool
}

func (l *fakeLink) Send(frame []byte) error {
	l.sent = append(l.sent, frame)
	return nil
}
func (l *fakeLink) OnFrame(fn func([]byte)) { l.onFrame = fn }
func (l *fakeLink) OnClose(fn func())       { l.onClose = fn }
func (l *fakeLink) Close(code link.CloseCode) error {
	l.wasClosed = true
	l.closedAs = code
	if l.onClose != nil {
		l.onClose()
	}
	return nil
}

func TestAuthenticateAcceptsValidJWT(t *testing.T) {
	t.Parallel()

	proc := testProcess(t)
	ch, err := proc.Channels.Create(context.Background(), "1.2.3.4", "issuer-a", channel.CreateOptions{UseWebRtc: false})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	gw := New(proc)
	l := &fakeLink{}
	gw.HandleConnection(l)

	token, err := auth.Sign(auth.Claims{
		ExpiresAt:   time.Now().Add(time.Minute),
		ChannelUUID: ch.UUID(),
		SessionID:   "sess-1",
	}, testKey, auth.AlgHS256)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	frame, _ := json.Marshal(map[string]string{"channelUUID": ch.UUID(), "jwt": token})
	l.onFrame(frame)

	if l.wasClosed {
		t.Fatalf("link closed unexpectedly with code %d", l.closedAs)
	}
	if len(l.sent) == 0 || len(l.sent[0]) != 0 {
		t.Fatalf("expected an empty ready frame, got %v", l.sent)
	}
	if ch.Size() != 1 {
		t.Errorf("channel size = %d, want 1", ch.Size())
	}
}

func TestAuthenticateAcceptsLegacyBareToken(t *testing.T) {
	t.Parallel()

	proc := testProcess(t)
	ch, err := proc.Channels.Create(context.Background(), "1.2.3.4", "issuer-a", channel.CreateOptions{UseWebRtc: false})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	gw := New(proc)
	l := &fakeLink{}
	gw.HandleConnection(l)

	token, err := auth.Sign(auth.Claims{
		ExpiresAt:   time.Now().Add(time.Minute),
		ChannelUUID: ch.UUID(),
		SessionID:   "sess-1",
	}, testKey, auth.AlgHS256)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	frame, _ := json.Marshal(token)
	l.onFrame(frame)

	if l.wasClosed {
		t.Fatalf("link closed unexpectedly with code %d", l.closedAs)
	}
}

func TestAuthenticateRejectsLegacyTokenOnKeyedChannel(t *testing.T) {
	t.Parallel()

	proc := testProcess(t)
	ch, err := proc.Channels.Create(context.Background(), "1.2.3.4", "issuer-a", channel.CreateOptions{
		UseWebRtc: false,
		Key:       []byte("per-channel-key-per-channel-key"),
	})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	gw := New(proc)
	l := &fakeLink{}
	gw.HandleConnection(l)

	token, err := auth.Sign(auth.Claims{
		ExpiresAt:   time.Now().Add(time.Minute),
		ChannelUUID: ch.UUID(),
		SessionID:   "sess-1",
	}, testKey, auth.AlgHS256)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	frame, _ := json.Marshal(token)
	l.onFrame(frame)

	if !l.wasClosed {
		t.Fatal("expected connection to be rejected")
	}
	if l.closedAs != link.CloseAuthenticationFailed {
		t.Errorf("close code = %d, want CloseAuthenticationFailed", l.closedAs)
	}
}

func TestAuthenticateRejectsWhenChannelFull(t *testing.T) {
	t.Parallel()

	proc := testProcess(t)
	ch, err := proc.Channels.Create(context.Background(), "1.2.3.4", "issuer-a", channel.CreateOptions{UseWebRtc: false})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if _, _, err := proc.Channels.Join(ch.UUID(), "s1"); err != nil {
		t.Fatalf("join s1: %v", err)
	}
	if _, _, err := proc.Channels.Join(ch.UUID(), "s2"); err != nil {
		t.Fatalf("join s2: %v", err)
	}

	gw := New(proc)
	l := &fakeLink{}
	gw.HandleConnection(l)

	token, err := auth.Sign(auth.Claims{
		ExpiresAt:   time.Now().Add(time.Minute),
		ChannelUUID: ch.UUID(),
		SessionID:   "s3",
	}, testKey, auth.AlgHS256)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	frame, _ := json.Marshal(map[string]string{"channelUUID": ch.UUID(), "jwt": token})
	l.onFrame(frame)

	if !l.wasClosed || l.closedAs != link.CloseChannelFull {
		t.Fatalf("expected CloseChannelFull, got closed=%v code=%d", l.wasClosed, l.closedAs)
	}
}

func TestAuthenticationDeadlineClosesIdleConnection(t *testing.T) {
	t.Parallel()

	proc := testProcess(t)
	gw := New(proc)
	l := &fakeLink{}
	gw.HandleConnection(l)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !l.wasClosed {
		time.Sleep(10 * time.Millisecond)
	}
	if !l.wasClosed {
		t.Fatal("expected the link to be closed after the authentication deadline")
	}
	if l.closedAs != link.CloseTimeout {
		t.Errorf("close code = %d, want CloseTimeout", l.closedAs)
	}
}
