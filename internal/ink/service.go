package ink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoTextFound           = errors.New("no text found")
	ErrImageConversionFailed = errors.New("image conversion failed")
	ErrRecognitionFailed     = errors.New("text recognition failed")
	ErrNoDataFound           = errors.New("no drawing data")
)

type ServiceOptions struct {
	ConfidenceFloor float64
	Languages       []string
	CacheSize       int
	Render          RenderOptions
}

func OptionsFromConfig(cfg config.InkConfig) ServiceOptions {
	render := DefaultRenderOptions()
	render.Scale = cfg.RenderScale
	render.MinDimension = cfg.MinDimension
	return ServiceOptions{
		ConfidenceFloor: cfg.ConfidenceFloor,
		Languages:       cfg.Languages,
		CacheSize:       cfg.CacheSize,
		Render:          render,
	}
}

// Service recognizes text in drawings and caches results by stroke
// fingerprint.
type Service struct {
	recognizer TextRecognizer
	opts       ServiceOptions
	log        *slog.Logger
	cache      *lru.Cache[string, string]

	mu        sync.Mutex
	byDrawing map[string]map[string]struct{}
	byKey     map[string]map[string]struct{}

	tracer       trace.Tracer
	recognitions metric.Int64Counter
	cacheHits    metric.Int64Counter
}

func NewService(recognizer TextRecognizer, opts ServiceOptions, logger *slog.Logger) (*Service, error) {
	if recognizer == nil {
		return nil, errors.New("ink recognizer is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	s := &Service{
		recognizer: recognizer,
		opts:       opts,
		log:        logger.With(slog.String("component", "ink-service")),
		byDrawing:  make(map[string]map[string]struct{}),
		byKey:      make(map[string]map[string]struct{}),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-scribe/ink"),
	}
	cache, err := lru.NewWithEvict[string, string](opts.CacheSize, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create ink cache: %w", err)
	}
	s.cache = cache

	meter := otel.Meter("github.com/loqalabs/loqa-scribe/ink")
	if c, err := meter.Int64Counter("scribe.ink.recognitions", metric.WithDescription("Recognizer invocations")); err == nil {
		s.recognitions = c
	}
	if c, err := meter.Int64Counter("scribe.ink.cache_hits", metric.WithDescription("Recognitions served from cache")); err == nil {
		s.cacheHits = c
	}
	return s, nil
}

// Recognize returns the text in d. An empty drawing yields "" without
// engaging the recognizer. Unless bypassCache is set a cached result for the
// same strokes is returned; forced runs refresh the cache entry.
func (s *Service) Recognize(ctx context.Context, d Drawing, bypassCache bool) (string, error) {
	if d.IsEmpty() {
		return "", nil
	}
	key := d.Fingerprint()
	if !bypassCache {
		if text, ok := s.cache.Get(key); ok {
			s.index(d.ID, key)
			if s.cacheHits != nil {
				s.cacheHits.Add(ctx, 1)
			}
			return text, nil
		}
	}

	obs, err := s.observe(ctx, d, bypassCache)
	if err != nil {
		return "", err
	}
	text := joinText(obs)
	s.cache.Add(key, text)
	s.index(d.ID, key)
	return text, nil
}

// RecognizeRegion recognizes the strokes intersecting r. It never reads or
// writes the cache.
func (s *Service) RecognizeRegion(ctx context.Context, d Drawing, r Rect) (string, error) {
	sub := d.Within(r)
	if sub.IsEmpty() {
		return "", nil
	}
	obs, err := s.observe(ctx, sub, true)
	if err != nil {
		return "", err
	}
	return joinText(obs), nil
}

// ExtractElements returns every candidate above the confidence floor.
func (s *Service) ExtractElements(ctx context.Context, d Drawing) ([]TextElement, error) {
	if d.IsEmpty() {
		return nil, nil
	}
	obs, err := s.observe(ctx, d, true)
	if err != nil {
		return nil, err
	}
	elements := make([]TextElement, 0, len(obs))
	for _, o := range obs {
		elements = append(elements, TextElement{Text: o.Text, Confidence: o.Confidence, Bounds: o.Bounds})
	}
	return elements, nil
}

func (s *Service) observe(ctx context.Context, d Drawing, forced bool) ([]Observation, error) {
	ctx, span := s.tracer.Start(ctx, "ink.recognize", trace.WithAttributes(
		attribute.String("drawing.id", d.ID),
		attribute.Int("drawing.strokes", len(d.Strokes)),
		attribute.Bool("forced", forced),
	))
	defer span.End()

	img, err := Rasterize(d, s.opts.Render)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if s.recognitions != nil {
		s.recognitions.Add(ctx, 1, metric.WithAttributes(attribute.String("recognizer", s.recognizer.Name())))
	}
	raw, err := s.recognizer.Recognize(ctx, img, Options{
		Accurate:           true,
		LanguageCorrection: true,
		Languages:          s.opts.Languages,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrRecognitionFailed, err)
	}
	if len(raw) == 0 {
		return nil, ErrNoTextFound
	}
	kept := make([]Observation, 0, len(raw))
	for _, o := range raw {
		if o.Confidence < s.opts.ConfidenceFloor {
			continue
		}
		if strings.TrimSpace(o.Text) == "" {
			continue
		}
		kept = append(kept, o)
	}
	span.SetAttributes(attribute.Int("candidates", len(raw)), attribute.Int("kept", len(kept)))
	if len(kept) < len(raw) {
		s.log.Debug("dropped low confidence candidates",
			slog.String("drawing_id", d.ID),
			slog.Int("dropped", len(raw)-len(kept)),
			slog.Float64("floor", s.opts.ConfidenceFloor))
	}
	return kept, nil
}

func joinText(obs []Observation) string {
	parts := make([]string, 0, len(obs))
	for _, o := range obs {
		parts = append(parts, strings.TrimSpace(o.Text))
	}
	return strings.Join(parts, " ")
}

// InvalidateDrawing drops every cache entry produced for drawingID.
func (s *Service) InvalidateDrawing(drawingID string) {
	s.mu.Lock()
	keys := s.byDrawing[drawingID]
	delete(s.byDrawing, drawingID)
	s.mu.Unlock()

	for key := range keys {
		s.cache.Remove(key)
	}
}

// Purge empties the cache.
func (s *Service) Purge() {
	s.cache.Purge()
	s.mu.Lock()
	s.byDrawing = make(map[string]map[string]struct{})
	s.byKey = make(map[string]map[string]struct{})
	s.mu.Unlock()
}

// Cached reports whether strokes identical to d have a cached result.
func (s *Service) Cached(d Drawing) bool {
	return s.cache.Contains(d.Fingerprint())
}

func (s *Service) index(drawingID, key string) {
	if drawingID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.byDrawing[drawingID]
	if keys == nil {
		keys = make(map[string]struct{})
		s.byDrawing[drawingID] = keys
	}
	keys[key] = struct{}{}
	owners := s.byKey[key]
	if owners == nil {
		owners = make(map[string]struct{})
		s.byKey[key] = owners
	}
	owners[drawingID] = struct{}{}
}

func (s *Service) onEvict(key string, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.byKey[key] {
		if keys := s.byDrawing[id]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(s.byDrawing, id)
			}
		}
	}
	delete(s.byKey, key)
}
