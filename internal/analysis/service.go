package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/meeting"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/nats-io/nats.go"
)

var ErrDisabled = errors.New("analysis disabled")

// Store is the slice of the meeting store the service writes to.
type Store interface {
	Get(id string) (meeting.Meeting, bool)
	SetSummary(ctx context.Context, id, summary string) (meeting.Meeting, error)
	SetNotes(ctx context.Context, id, notes string) (meeting.Meeting, error)
	SetActionItems(ctx context.Context, id string, items []meeting.ActionItem) (meeting.Meeting, error)
	RecordAnalysisFailure(ctx context.Context, id string, cause error) (meeting.Meeting, error)
}

// Service runs analysis for bus requests and direct calls and records the
// outcome on the meeting.
type Service struct {
	cfg    config.AnalysisConfig
	bus    *bus.Client
	client *Client
	store  Store
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.AnalysisConfig, busClient *bus.Client, client *Client, store Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		client: client,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "analysis-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.bus != nil {
		sub, err := bus.SubscribeJSON(s.bus, protocol.SubjectAnalysisRequest, func(_ string, req protocol.AnalysisRequest) {
			s.handleRequest(req)
		})
		if err != nil {
			return fmt.Errorf("subscribe analysis requests: %w", err)
		}
		s.sub = sub
	}
	s.ready.Store(true)
	return nil
}

func (s *Service) Close() {
	s.ready.Store(false)
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

func (s *Service) Enabled() bool {
	return s.cfg.Enabled
}

func (s *Service) handleRequest(req protocol.AnalysisRequest) {
	kind := Kind(req.Kind)
	if !kind.Valid() {
		s.logger.Warn("unknown analysis kind", slog.String("kind", req.Kind), slog.String("meeting_id", req.MeetingID))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Analyze(s.ctx, req.MeetingID, kind); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("analysis request failed", slog.String("meeting_id", req.MeetingID), slog.String("kind", req.Kind), slogError(err))
		}
	}()
}

// Analyze runs kind against the meeting and writes the outcome. Failures are
// recorded on the meeting, leaving transcript and handwriting untouched.
func (s *Service) Analyze(ctx context.Context, meetingID string, kind Kind) (meeting.Meeting, error) {
	if !s.cfg.Enabled {
		return meeting.Meeting{}, ErrDisabled
	}
	if !kind.Valid() {
		return meeting.Meeting{}, fmt.Errorf("unknown analysis kind %q", kind)
	}
	m, ok := s.store.Get(meetingID)
	if !ok {
		return meeting.Meeting{}, fmt.Errorf("%w: %s", store.ErrNotFound, meetingID)
	}

	start := time.Now()
	in := InputFromMeeting(m)
	updated, err := s.run(ctx, kind, in)
	if err != nil {
		if ctx.Err() != nil {
			return meeting.Meeting{}, err
		}
		if _, recErr := s.store.RecordAnalysisFailure(ctx, meetingID, err); recErr != nil {
			s.logger.Warn("record analysis failure", slog.String("meeting_id", meetingID), slogError(recErr))
		}
		s.publish(protocol.SubjectAnalysisFailed, protocol.AnalysisResult{
			MeetingID: meetingID,
			Kind:      string(kind),
			Error:     errorKind(err) + ": " + err.Error(),
			Retryable: Retryable(err),
			Timestamp: time.Now().UTC(),
		})
		return meeting.Meeting{}, err
	}

	s.publish(protocol.SubjectAnalysisDone, protocol.AnalysisResult{
		MeetingID: meetingID,
		Kind:      string(kind),
		Timestamp: time.Now().UTC(),
	})
	s.logger.Info("analysis complete", slog.String("meeting_id", meetingID), slog.String("kind", string(kind)), slog.Duration("latency", time.Since(start)))
	return updated, nil
}

func (s *Service) run(ctx context.Context, kind Kind, in Input) (meeting.Meeting, error) {
	switch kind {
	case KindSummary:
		text, err := s.client.Summarize(ctx, in)
		if err != nil {
			return meeting.Meeting{}, err
		}
		return s.store.SetSummary(ctx, in.MeetingID, text)
	case KindNotes:
		text, err := s.client.Notes(ctx, in)
		if err != nil {
			return meeting.Meeting{}, err
		}
		return s.store.SetNotes(ctx, in.MeetingID, text)
	default:
		items, err := s.client.ActionItems(ctx, in)
		if err != nil {
			return meeting.Meeting{}, err
		}
		return s.store.SetActionItems(ctx, in.MeetingID, items)
	}
}

func (s *Service) publish(subject string, msg protocol.AnalysisResult) {
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish analysis result", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
