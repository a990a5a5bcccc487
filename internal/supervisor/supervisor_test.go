package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sfucore/sfu/internal/config"
	"github.com/sfucore/sfu/internal/mediarouter"
	"github.com/sfucore/sfu/internal/process"
	"github.com/sfucore/sfu/internal/workerpool"
)

type fakeWorker struct{}

func (fakeWorker) GetResourceUsage() (mediarouter.ResourceUsage, error) {
	return mediarouter.ResourceUsage{}, nil
}
func (fakeWorker) CreateRouter(mediarouter.RouterCodecOptions) (mediarouter.Router, error) {
	return nil, errors.New("not implemented")
}
func (fakeWorker) CreateWebRtcServer(mediarouter.WebRtcServerOptions) (mediarouter.WebRtcServer, error) {
	return nil, errors.New("not implemented")
}
func (fakeWorker) OnDied(func(error)) {}
func (fakeWorker) Close() error       { return nil }

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// TestRestartSignalRebuildsWorkerPool drives the SIGHUP restart path
// end-to-end and asserts GetWorker still succeeds afterwards: a pool
// that is Close()d by Stop and never rebuilt would fail this forever.
func TestRestartSignalRebuildsWorkerPool(t *testing.T) {
	cfg := &config.Config{AuthKey: []byte("0123456789abcdef0123456789abcdef")}
	newPool := func() (*workerpool.Pool, error) {
		return workerpool.New(1, func() (mediarouter.Worker, error) { return fakeWorker{}, nil })
	}
	pool, err := newPool()
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	proc := process.New(cfg, pool)

	port := freePort(t)
	newServer := func() *http.Server {
		return &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", port), Handler: http.NewServeMux()}
	}

	sup := New(proc, pool, newPool, newServer, Config{ShutdownTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sup.Run(ctx)
	}()

	waitReady(t, proc)

	if _, err := proc.Workers.GetWorker(context.Background()); err != nil {
		t.Fatalf("get worker before restart: %v", err)
	}

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("send SIGHUP: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		if _, err := proc.Workers.GetWorker(context.Background()); err == nil {
			cancel()
			wg.Wait()
			return
		} else {
			lastErr = err
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	wg.Wait()
	t.Fatalf("worker pool never recovered after restart signal: %v", lastErr)
}

func waitReady(t *testing.T, proc *process.Process) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if proc.Ready() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("supervisor never became ready")
}
