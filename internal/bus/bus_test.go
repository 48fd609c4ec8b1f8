package bus

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

func TestEnqueueWaitRoundTrip(t *testing.T) {
	b := New()
	b.RegisterHandler("echo", func(ctx context.Context, args any, h *Handle) (any, error) {
		return args, nil
	})
	b.StartWorkers(context.Background(), QueueScan, 1)

	h, err := b.Enqueue(QueueScan, "echo", "hello", EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	res, revoked, err := b.Wait(context.Background(), h)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if revoked {
		t.Fatalf("expected not revoked")
	}
	if res.Value != "hello" {
		t.Fatalf("got %v, want hello", res.Value)
	}
}

func TestEnqueueUnknownQueueErrors(t *testing.T) {
	b := New()
	if _, err := b.Enqueue("nonexistent", "whatever", nil, EnqueueOptions{}); err == nil {
		t.Fatalf("expected error enqueuing to an unstarted queue")
	}
}

func TestEnqueueUnknownTaskFailsTheJob(t *testing.T) {
	b := New()
	b.StartWorkers(context.Background(), QueueScan, 1)
	h, err := b.Enqueue(QueueScan, "no-such-task", nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	res, _, err := b.Wait(context.Background(), h)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Err == nil {
		t.Fatalf("expected a no-handler error in the result")
	}
}

func TestRevokeTerminateUnblocksWaiterAsRevoked(t *testing.T) {
	b := New()
	started := make(chan struct{})
	release := make(chan struct{})
	b.RegisterHandler("slow", func(ctx context.Context, args any, h *Handle) (any, error) {
		close(started)
		<-release
		return "done", nil
	})
	b.StartWorkers(context.Background(), QueueScan, 1)

	h, err := b.Enqueue(QueueScan, "slow", nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	b.Revoke(h, true, nil)

	res, revoked, err := b.Wait(context.Background(), h)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !revoked {
		t.Fatalf("expected revoked=true")
	}
	_ = res
	close(release)
}

func TestRevokeDeliversSignalToRunningHandler(t *testing.T) {
	b := New()
	signalSeen := make(chan os.Signal, 1)
	b.RegisterHandler("signalled", func(ctx context.Context, args any, h *Handle) (any, error) {
		sig := <-h.Signal()
		signalSeen <- sig
		return "stopped", nil
	})
	b.StartWorkers(context.Background(), QueuePlugin, 1)

	h, err := b.Enqueue(QueuePlugin, "signalled", nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	b.Revoke(h, false, os.Interrupt)

	select {
	case sig := <-signalSeen:
		if sig != os.Interrupt {
			t.Fatalf("got signal %v, want %v", sig, os.Interrupt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to observe the signal")
	}

	res, revoked, err := b.Wait(context.Background(), h)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !revoked {
		t.Fatalf("terminate=false revoke of a running handler should still report revoked")
	}
	if res.Value != "stopped" {
		t.Fatalf("got %v, want stopped", res.Value)
	}
}

func TestStateQueueShardsByKeySerialiseSameScan(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})
	b.RegisterHandler("record", func(ctx context.Context, args any, h *Handle) (any, error) {
		<-gate
		mu.Lock()
		order = append(order, args.(string))
		mu.Unlock()
		return nil, nil
	})
	b.StartWorkers(context.Background(), QueueState, 4)

	const n = 5
	handles := make([]*Handle, n)
	for i := 0; i < n; i++ {
		h, err := b.Enqueue(QueueState, "record", fmt.Sprintf("job-%d", i), EnqueueOptions{ShardKey: "scan-1"})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		handles[i] = h
	}
	close(gate)
	for _, h := range handles {
		if _, _, err := b.Wait(context.Background(), h); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("expected %d jobs to run, got %d", n, len(order))
	}
	for i, got := range order {
		if want := fmt.Sprintf("job-%d", i); got != want {
			t.Fatalf("job %d ran as %q, want %q (same-scan jobs out of order)", i, got, want)
		}
	}
}

func TestDoneTwiceFinishIsNoop(t *testing.T) {
	h := &Handle{doneCh: make(chan struct{}), signalCh: make(chan os.Signal, 1)}
	h.finish(Result{Value: "first"})
	h.finish(Result{Value: "second"})
	if h.result.Value != "first" {
		t.Fatalf("second finish overwrote the first: %v", h.result.Value)
	}
}
