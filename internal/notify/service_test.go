package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"dayspark/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) Send(_ context.Context, ownerID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, ownerID+":"+message)
	return nil
}

func TestDeliver(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	s := New(Config{RatePerSec: 100}, fs, logx.Nop())

	if err := s.Deliver(context.Background(), "u1", "time to check in"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(fs.sent) != 1 || fs.sent[0] != "u1:time to check in" {
		t.Fatalf("unexpected sends: %v", fs.sent)
	}
	h := s.History()
	if len(h) != 1 || h[0].Error != "" {
		t.Fatalf("unexpected history: %+v", h)
	}
}

func TestDeliverSendFailureRecorded(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{err: errors.New("gateway down")}
	s := New(Config{RatePerSec: 100}, fs, logx.Nop())

	if err := s.Deliver(context.Background(), "u1", "hi"); err == nil {
		t.Fatal("expected send error")
	}
	h := s.History()
	if len(h) != 1 || h[0].Error != "gateway down" {
		t.Fatalf("failure not recorded: %+v", h)
	}
}

func TestDeliverRateLimited(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	s := New(Config{RatePerSec: 1}, fs, logx.Nop())

	// Burst of 1, so the second immediate delivery is dropped.
	if err := s.Deliver(context.Background(), "u1", "a"); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}
	if err := s.Deliver(context.Background(), "u1", "b"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
	if len(fs.sent) != 1 {
		t.Fatalf("dropped delivery reached sender: %v", fs.sent)
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	s := New(Config{RatePerSec: 1000, HistorySize: 5}, fs, logx.Nop())

	for i := 0; i < 12; i++ {
		_ = s.Deliver(context.Background(), "u1", "m")
	}
	if got := len(s.History()); got != 5 {
		t.Fatalf("history len = %d, want 5", got)
	}
}
