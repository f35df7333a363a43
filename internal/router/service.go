// Package router requests analysis for meetings as they finish recording.
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

const statusCompleted = "completed"

type Service struct {
	cfg     config.AnalysisConfig
	bus     *bus.Client
	logger  *slog.Logger
	sub     *nats.Subscription
	ready   atomic.Bool
	publish func(subject string, v any) error
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	statuses map[string]string
}

func NewService(parent context.Context, cfg config.AnalysisConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		logger:   logger.With(slog.String("component", "router")),
		publish:  busClient.PublishJSON,
		ctx:      ctx,
		cancel:   cancel,
		statuses: make(map[string]string),
	}
}

func (s *Service) enabled() bool {
	return s.cfg.Enabled && len(s.cfg.AutoKinds) > 0
}

func (s *Service) Start() error {
	if !s.enabled() {
		return nil
	}
	sub, err := bus.SubscribeJSON(s.bus, protocol.SubjectMeetingUpdated, func(_ string, msg protocol.MeetingUpdated) {
		s.handleUpdate(msg)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.ready.Store(true)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return !s.enabled() || s.ready.Load()
}

// handleUpdate fires once per observed transition into completed. Meetings
// first seen already completed are left alone.
func (s *Service) handleUpdate(msg protocol.MeetingUpdated) {
	if msg.MeetingID == "" || s.ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	previous, seen := s.statuses[msg.MeetingID]
	if msg.Kind == "deleted" {
		delete(s.statuses, msg.MeetingID)
	} else {
		s.statuses[msg.MeetingID] = msg.Status
	}
	s.mu.Unlock()

	if msg.Status != statusCompleted || !seen || previous == statusCompleted || msg.Kind == "deleted" {
		return
	}
	for _, kind := range s.cfg.AutoKinds {
		req := protocol.AnalysisRequest{
			MeetingID: msg.MeetingID,
			Kind:      kind,
			Timestamp: time.Now().UTC(),
		}
		if err := s.publish(protocol.SubjectAnalysisRequest, req); err != nil {
			s.logger.Warn("router failed to publish analysis request", slog.String("meeting_id", msg.MeetingID), slog.String("kind", kind), slogError(err))
			continue
		}
		s.logger.Debug("analysis requested", slog.String("meeting_id", msg.MeetingID), slog.String("kind", kind))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
