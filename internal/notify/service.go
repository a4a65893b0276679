// Package notify delivers user-visible reminder messages. Delivery is
// fire-and-forget: a failure is logged and surfaced to the caller, never
// retried here.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dayspark/pkg/logx"
)

// ErrRateLimited marks a delivery dropped by the outbound rate limiter.
var ErrRateLimited = errors.New("notification rate limited")

// Sender is the actual delivery channel (push gateway, chat adapter, ...).
type Sender interface {
	Send(ctx context.Context, ownerID, message string) error
}

type Config struct {
	RatePerSec  int // outbound limit, default 5
	HistorySize int // bounded delivery log, default 300
}

// Notification is one delivery attempt kept in the bounded history.
type Notification struct {
	OwnerID string
	Message string
	At      time.Time
	Error   string
}

type Service struct {
	sender  Sender
	log     logx.Logger
	limiter *rate.Limiter
	histMax int

	mu      sync.Mutex
	history []Notification
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	histMax := cfg.HistorySize
	if histMax <= 0 {
		histMax = 300
	}
	return &Service{
		sender:  sender,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		histMax: histMax,
	}
}

// Deliver sends one message to the owner. Over-rate deliveries are dropped
// with ErrRateLimited rather than queued; the reminder that triggered them
// will fire again on its own schedule.
func (s *Service) Deliver(ctx context.Context, ownerID, message string) error {
	n := Notification{OwnerID: ownerID, Message: message, At: time.Now()}

	if !s.limiter.Allow() {
		n.Error = ErrRateLimited.Error()
		s.appendHistory(n)
		s.log.Warn("notification dropped by rate limit", logx.String("owner", ownerID))
		return ErrRateLimited
	}

	err := s.sender.Send(ctx, ownerID, message)
	if err != nil {
		n.Error = err.Error()
		s.log.Warn("notification send failed", logx.String("owner", ownerID), logx.Err(err))
	} else {
		s.log.Debug("notification sent", logx.String("owner", ownerID))
	}
	s.appendHistory(n)
	return err
}

// History returns a copy of the recent delivery log.
func (s *Service) History() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) appendHistory(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, n)
	if len(s.history) > s.histMax {
		s.history = s.history[len(s.history)-s.histMax:]
	}
}
