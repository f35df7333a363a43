// Package runtime assembles the scribe node and serves its HTTP API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/analysis"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/ink"
	"github.com/loqalabs/loqa-scribe/internal/ink/scheduler"
	"github.com/loqalabs/loqa-scribe/internal/meeting"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/router"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	events     *eventstore.Store
	store      *store.Store
	sessions   *session.Manager
	analysis   *analysis.Service
	router     *router.Service
	registry   *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the node until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.build(ctx); err != nil {
		r.teardown()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	api := &API{
		Store:    r.store,
		Sessions: r.sessions,
		Analysis: r.analysis,
		Registry: r.registry,
		Journal:  r.events,
		Sources:  r.openSource,
		Logger:   r.logger.With(slog.String("component", "http-api")),
	}
	api.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.mirrorMeetings(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.Int("meetings", len(r.store.List())))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.teardown()
	r.wg.Wait()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slogError(err))
		}
	}()
}

func (r *Runtime) build(ctx context.Context) error {
	var err error
	if r.natsServer, err = natsserver.Start(r.cfg.Bus, r.cfg.Identity(), r.logger); err != nil {
		return err
	}
	if r.bus, err = bus.Connect(ctx, r.cfg.Bus, r.logger); err != nil {
		return err
	}
	if r.events, err = eventstore.Open(ctx, r.cfg.Store, r.logger); err != nil {
		return err
	}

	formatter := transcript.NewFormatter(transcript.PolicyFromConfig(r.cfg.Formatter))
	r.store, err = store.Open(ctx, r.events, store.Options{
		Key:         r.cfg.Store.SnapshotKey,
		SeedOnEmpty: r.cfg.Store.SeedOnEmpty,
		Renderer:    formatter,
		Journal:     r.events,
		Logger:      r.logger,
	})
	if err != nil {
		return fmt.Errorf("open meeting store: %w", err)
	}

	tc := r.cfg.Transcription
	advanced, err := stt.NewAdvanced(tc, r.logger)
	if err != nil {
		return err
	}
	fallback, err := stt.NewFallback(tc, r.logger)
	if err != nil {
		return err
	}
	newEngine := func(speakers stt.SpeakerResolver) (*stt.Engine, error) {
		return stt.NewEngine(stt.EngineOptions{
			Locale:   tc.Locale,
			Advanced: advanced,
			Fallback: fallback,
			Speakers: speakers,
			Logger:   r.logger,
		})
	}

	recognizer, err := ink.NewRecognizer(r.cfg.Ink)
	if err != nil {
		return err
	}
	inkService, err := ink.NewService(recognizer, ink.OptionsFromConfig(r.cfg.Ink), r.logger)
	if err != nil {
		return err
	}

	r.sessions, err = session.NewManager(ctx, session.Options{
		Store:          r.store,
		Bus:            r.bus,
		NewEngine:      newEngine,
		Ink:            inkService,
		InkOptions:     scheduler.OptionsFromConfig(r.cfg.Ink),
		DefaultSpeaker: tc.DefaultSpeaker,
		AudioFormat: meeting.AudioFormat{
			SampleRate: r.cfg.Audio.SampleRate,
			Channels:   r.cfg.Audio.Channels,
			BitDepth:   16,
		},
		Logger: r.logger,
	})
	if err != nil {
		return err
	}

	generator, err := analysis.NewGenerator(r.cfg.Analysis)
	if err != nil {
		return err
	}
	r.analysis = analysis.NewService(ctx, r.cfg.Analysis, r.bus, analysis.NewClient(generator, r.cfg.Analysis), r.store, r.logger)
	if err := r.analysis.Start(); err != nil {
		return err
	}
	r.router = router.NewService(ctx, r.cfg.Analysis, r.bus, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start analysis router: %w", err)
	}

	probe := capability.Probe{
		Locale:   tc.Locale,
		Advanced: advanced,
		Fallback: fallback,
		Ink:      recognizer,
		Analysis: r.cfg.Analysis,
		Logger:   r.logger,
	}
	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, probe.Run(ctx), r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	return nil
}

// teardown releases components in reverse start order.
func (r *Runtime) teardown() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.analysis != nil {
		r.analysis.Close()
	}
	if r.sessions != nil {
		r.sessions.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

func (r *Runtime) openSource(meetingID string, req SourceRequest) (audio.Source, error) {
	switch req.Source {
	case "", "bus":
		return audio.NewBusSource(r.bus, meetingID, r.logger), nil
	case "wav":
		if req.Path == "" {
			return nil, errors.New("wav source requires a path")
		}
		return audio.NewWavSource(req.Path, r.cfg.Audio.FrameDurationMS, true), nil
	default:
		return nil, fmt.Errorf("unknown audio source %q", req.Source)
	}
}

// mirrorMeetings republishes store events on the bus for remote observers.
func (r *Runtime) mirrorMeetings(ctx context.Context) {
	events, unsubscribe := r.store.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Kind == store.EventReloaded {
				continue
			}
			if err := r.bus.PublishJSON(protocol.SubjectMeetingUpdated, meetingUpdated(evt)); err != nil {
				r.logger.Warn("publish meeting update failed", slogError(err))
			}
		}
	}
}

func meetingUpdated(evt store.Event) protocol.MeetingUpdated {
	return protocol.MeetingUpdated{
		MeetingID: evt.Meeting.ID,
		Kind:      string(evt.Kind),
		Status:    string(evt.Meeting.Status),
		UpdatedAt: evt.Meeting.UpdatedAt,
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	if !r.events.Persistent() {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("prune activity journal failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.componentsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) componentsHealthy() bool {
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.analysis != nil && !r.analysis.Healthy() {
		return false
	}
	if r.router != nil && !r.router.Healthy() {
		return false
	}
	return r.registry == nil || r.registry.Healthy()
}
