package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sfucore/sfu/internal/mediarouter"
)

type fakeWorker struct {
	mu       sync.Mutex
	rssBytes uint64
	died     func(error)
	closed   atomic.Bool
}

func (w *fakeWorker) GetResourceUsage() (mediarouter.ResourceUsage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return mediarouter.ResourceUsage{ResidentMemoryBytes: w.rssBytes}, nil
}
func (w *fakeWorker) CreateRouter(mediarouter.RouterCodecOptions) (mediarouter.Router, error) {
	return nil, errors.New("not implemented")
}
func (w *fakeWorker) CreateWebRtcServer(mediarouter.WebRtcServerOptions) (mediarouter.WebRtcServer, error) {
	return nil, errors.New("not implemented")
}
func (w *fakeWorker) OnDied(fn func(error)) {
	w.mu.Lock()
	w.died = fn
	w.mu.Unlock()
}
func (w *fakeWorker) Close() error {
	w.closed.Store(true)
	return nil
}
func (w *fakeWorker) kill(cause error) {
	w.mu.Lock()
	died := w.died
	w.mu.Unlock()
	if died != nil {
		died(cause)
	}
}

func TestNewClampsToAtLeastOneWorker(t *testing.T) {
	t.Parallel()

	p, err := New(0, func() (mediarouter.Worker, error) { return &fakeWorker{}, nil })
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if p.Size() < 1 {
		t.Fatalf("size = %d, want at least 1", p.Size())
	}
}

func TestGetWorkerPicksLowestResidentMemory(t *testing.T) {
	t.Parallel()

	var built []*fakeWorker
	var mu sync.Mutex
	n := 0
	p, err := New(3, func() (mediarouter.Worker, error) {
		mu.Lock()
		n++
		rss := uint64(n * 100)
		mu.Unlock()
		w := &fakeWorker{rssBytes: rss}
		built = append(built, w)
		return w, nil
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// New clamps the pool to runtime.NumCPU.
	wantSize := 3
	if cpus := runtime.NumCPU(); cpus < wantSize {
		wantSize = cpus
	}
	if p.Size() != wantSize {
		t.Fatalf("size = %d, want %d", p.Size(), wantSize)
	}

	got, err := p.GetWorker(context.Background())
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if got != built[0] {
		t.Error("expected the worker with the lowest resident memory to be picked")
	}
}

func TestWorkerDeathTriggersRespawn(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var live []*fakeWorker
	p, err := New(1, func() (mediarouter.Worker, error) {
		w := &fakeWorker{}
		mu.Lock()
		live = append(live, w)
		mu.Unlock()
		return w, nil
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	mu.Lock()
	dying := live[0]
	mu.Unlock()
	dying.kill(errors.New("simulated crash"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Size() == 1 {
			mu.Lock()
			replaced := len(live) == 2
			mu.Unlock()
			if replaced {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker was never respawned after death")
}

func TestCloseStopsAllWorkers(t *testing.T) {
	t.Parallel()

	p, err := New(2, func() (mediarouter.Worker, error) { return &fakeWorker{}, nil })
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if p.Size() != 0 {
		t.Errorf("size = %d, want 0 after close", p.Size())
	}
}
