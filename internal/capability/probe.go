package capability

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/ink"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

const (
	NameSTTAdvanced = "stt.advanced"
	NameSTTFallback = "stt.fallback"
	NameInk         = "ink.recognition"
	NameAnalysis    = "analysis"
)

// Probe checks which recognizers are usable on this node.
type Probe struct {
	Locale   string
	Advanced stt.AdvancedTranscriber
	Fallback stt.Transcriber
	Ink      ink.TextRecognizer
	Analysis config.AnalysisConfig
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Run returns the capabilities that passed their checks. The advanced
// transcriber is listed only when it supports the configured locale.
func (p Probe) Run(ctx context.Context) []Capability {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var caps []Capability
	if p.Advanced != nil {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		ok, err := p.Advanced.SupportsLocale(probeCtx, p.Locale)
		cancel()
		switch {
		case err != nil:
			log.Warn("advanced transcriber probe failed", slog.String("recognizer", p.Advanced.Name()), slogError(err))
		case !ok:
			log.Info("advanced transcriber does not support locale", slog.String("recognizer", p.Advanced.Name()), slog.String("locale", p.Locale))
		default:
			caps = append(caps, transcriberCapability(NameSTTAdvanced, "advanced", p.Advanced, p.Locale))
		}
	}
	if p.Fallback != nil {
		caps = append(caps, transcriberCapability(NameSTTFallback, "fallback", p.Fallback, p.Locale))
	}
	if p.Ink != nil {
		caps = append(caps, Capability{Name: NameInk, Attributes: map[string]string{"recognizer": p.Ink.Name()}})
	}
	if p.Analysis.Enabled {
		caps = append(caps, Capability{Name: NameAnalysis, Tier: p.Analysis.Mode, Attributes: map[string]string{"model": p.Analysis.Model}})
	}
	return caps
}

func transcriberCapability(name, tier string, t stt.Transcriber, locale string) Capability {
	f := t.Format()
	return Capability{
		Name: name,
		Tier: tier,
		Attributes: map[string]string{
			"recognizer":  t.Name(),
			"locale":      locale,
			"sample_rate": strconv.Itoa(f.SampleRate),
			"channels":    strconv.Itoa(f.Channels),
		},
	}
}
