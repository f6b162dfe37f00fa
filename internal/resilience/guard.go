package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/genai"
	"github.com/BTreeMap/ConsultPipe/internal/locale"
	"github.com/BTreeMap/ConsultPipe/internal/models"
)

// DefaultTimeout bounds every provider call.
const DefaultTimeout = 8 * time.Second

// Provider is the LLM completion collaborator. *genai.Client satisfies it.
type Provider interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Classify(ctx context.Context, system, user string) (genai.Classification, error)
}

// Request is one reply-generation call. Fallback, when set, replaces the
// keyword-matched canned reply.
type Request struct {
	System   string
	User     string
	Lang     string
	Fallback string
}

// Opts holds configuration for the Guard.
type Opts struct {
	Breaker *Breaker
	Timeout time.Duration
	Catalog *locale.Catalog
}

// Option defines a configuration option for the Guard.
type Option func(*Opts)

// WithBreaker injects a breaker, e.g. one with a fake clock.
func WithBreaker(b *Breaker) Option {
	return func(o *Opts) { o.Breaker = b }
}

// WithTimeout sets the hard per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithCatalog sets the catalog the canned fallbacks are rendered from.
func WithCatalog(c *locale.Catalog) Option {
	return func(o *Opts) { o.Catalog = c }
}

// Guard is the only path to the provider. Provider failures never escape it from Reply;
// Classify reports them as ErrProviderUnavailable so the classifier can fail closed.
type Guard struct {
	provider Provider
	breaker  *Breaker
	timeout  time.Duration
	catalog  *locale.Catalog
}

// NewGuard wraps provider. A nil provider is allowed: every call then falls back.
func NewGuard(provider Provider, opts ...Option) *Guard {
	cfg := Opts{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewBreaker(DefaultFailureThreshold, DefaultCooldown)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = locale.MustDefault()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Guard{provider: provider, breaker: cfg.Breaker, timeout: cfg.Timeout, catalog: cfg.Catalog}
}

// Breaker exposes the underlying breaker for status reporting.
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

// Reply returns provider text, or a canned fallback when the breaker is open, the call
// fails, times out or comes back empty. The result is never empty.
func (g *Guard) Reply(ctx context.Context, req Request) string {
	if g.provider == nil {
		return g.Fallback(req)
	}
	if !g.breaker.Allow() {
		slog.Debug("Guard.Reply: breaker open, serving fallback")
		return g.Fallback(req)
	}

	text, err := call(ctx, g.timeout, func(cctx context.Context) (string, error) {
		return g.provider.Complete(cctx, req.System, req.User)
	})
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		g.breaker.RecordFailure()
		slog.Warn("Guard.Reply: provider call failed, serving fallback", "error", err)
		return g.Fallback(req)
	}
	g.breaker.RecordSuccess()
	return text
}

// Classify runs a structured classification through the breaker. Malformed output is a
// provider answer, so it does not count as a breaker failure.
func (g *Guard) Classify(ctx context.Context, system, user string) (genai.Classification, error) {
	if g.provider == nil || !g.breaker.Allow() {
		return genai.Classification{}, fmt.Errorf("%w: breaker open or provider not configured", models.ErrProviderUnavailable)
	}
	out, err := call(ctx, g.timeout, func(cctx context.Context) (genai.Classification, error) {
		return g.provider.Classify(cctx, system, user)
	})
	switch {
	case err == nil, errors.Is(err, models.ErrMalformedClassification):
		g.breaker.RecordSuccess()
	default:
		g.breaker.RecordFailure()
		if !errors.Is(err, models.ErrProviderUnavailable) {
			err = fmt.Errorf("%w: %w", models.ErrProviderUnavailable, err)
		}
	}
	return out, err
}

type result[T any] struct {
	val T
	err error
}

// call runs fn with a deadline and stops waiting when it passes even if fn ignores ctx.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(cctx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-cctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", models.ErrProviderUnavailable, cctx.Err())
	}
}

var fallbackKeywords = []struct {
	key      string
	keywords []string
}{
	{"fallback_cost", []string{"cost", "prezz", "price", "precio", "prix", "tarif", "preis", "kosten", "quanto", "how much", "cuánto", "cuanto", "combien", "wie viel", "€"}},
	{"fallback_booking", []string{"prenot", "appuntament", "book", "appointment", "cita", "reserv", "rendez", "termin", "slot", "orari", "schedule"}},
	{"fallback_about", []string{"chi sei", "who are you", "quién eres", "quien eres", "qui es-tu", "qui êtes", "wer bist", "wer sind sie"}},
}

// Fallback picks a canned reply by simple keyword heuristics on the user prompt.
func (g *Guard) Fallback(req Request) string {
	if req.Fallback != "" {
		return req.Fallback
	}
	text := strings.ToLower(req.User)
	key := "fallback_generic"
	for _, fk := range fallbackKeywords {
		if containsAny(text, fk.keywords) {
			key = fk.key
			break
		}
	}
	return g.catalog.Render(key, req.Lang, nil)
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
