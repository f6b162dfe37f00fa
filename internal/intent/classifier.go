// Package intent classifies utterances into booking-journey intents.
//
// Classification runs a prioritised regex pass first, then contextual slot-fill hints
// for the current state, and only then asks the LLM for a structured
// {intent, confidence} answer. Provider answers are cached per (utterance, lang).
package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/genai"
	"github.com/BTreeMap/ConsultPipe/internal/locale"
	"github.com/BTreeMap/ConsultPipe/internal/models"
	"golang.org/x/sync/singleflight"
)

// Confidence assigned to deterministic matches.
const (
	RegexConfidence = 0.9
	HintConfidence  = 0.8
)

// Source records which stage produced a classification.
type Source string

const (
	SourceRegex    Source = "regex"
	SourceHint     Source = "hint"
	SourceLLM      Source = "llm"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Result is the classifier output for one utterance.
type Result struct {
	Intent     models.Intent
	Confidence float64
	// Candidates lists every intent the regex pass found, highest priority first.
	Candidates []models.Intent
	Source     Source
}

// Input is what the classifier sees of a turn.
type Input struct {
	Utterance     string
	Lang          string
	State         models.State
	HasAttachment bool
}

// LLM is the structured classification call, normally the resilience guard.
type LLM interface {
	Classify(ctx context.Context, system, user string) (genai.Classification, error)
}

// Opts holds configuration for the Classifier.
type Opts struct {
	CacheTTL  time.Duration
	CacheSize int
	Catalog   *locale.Catalog
}

// Option defines a configuration option for the Classifier.
type Option func(*Opts)

// WithCacheTTL sets how long provider classifications are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.CacheTTL = ttl }
}

// WithCacheSize caps the number of cached classifications.
func WithCacheSize(n int) Option {
	return func(o *Opts) { o.CacheSize = n }
}

// WithCatalog sets the services/channels catalog used by contextual hints.
func WithCatalog(c *locale.Catalog) Option {
	return func(o *Opts) { o.Catalog = c }
}

// Classifier is safe for concurrent use. Its cache is shared by all turns.
type Classifier struct {
	rules   []compiledRule
	llm     LLM
	catalog *locale.Catalog
	cache   *Cache
	group   singleflight.Group
}

// NewClassifier builds a classifier. llm may be nil, in which case unmatched
// utterances fail closed to CLARIFY.
func NewClassifier(llm LLM, opts ...Option) *Classifier {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = locale.MustDefault()
	}
	return &Classifier{
		rules:   compiled,
		llm:     llm,
		catalog: cfg.Catalog,
		cache:   NewCache(cfg.CacheTTL, cfg.CacheSize),
	}
}

// Match runs the regex pass and returns every present intent ordered by priority.
func (c *Classifier) Match(utterance string) []models.Intent {
	text := normalize(utterance)
	if text == "" {
		return nil
	}
	var present []models.Intent
	seen := make(map[models.Intent]bool)
	for _, r := range c.rules {
		if seen[r.intent] || !r.re.MatchString(text) {
			continue
		}
		seen[r.intent] = true
		present = append(present, r.intent)
	}
	return present
}

// Classify never fails: every error path degrades to CLARIFY with zero confidence.
func (c *Classifier) Classify(ctx context.Context, in Input) Result {
	text := normalize(in.Utterance)

	if in.HasAttachment && in.State == models.StateAskPayment {
		return Result{Intent: models.IntentAskPayment, Confidence: HintConfidence, Source: SourceHint}
	}
	if text == "" {
		return Result{Intent: models.IntentClarify, Confidence: 0, Source: SourceFallback}
	}
	if candidates := c.Match(text); len(candidates) > 0 {
		return Result{Intent: candidates[0], Confidence: RegexConfidence, Candidates: candidates, Source: SourceRegex}
	}
	if hinted, ok := c.hint(text, in); ok {
		return Result{Intent: hinted, Confidence: HintConfidence, Source: SourceHint}
	}
	return c.classifyLLM(ctx, text, in.Lang)
}

var (
	slotChoicePattern = regexp.MustCompile(`^(?:il |la |the |el |le |der |die |das )?(?:n\.?|nr\.?|#)?\s*[1-9]\p{L}*[.)]?$|(?:^|\D)([01]?\d|2[0-3])[:.h]([0-5]\d)(?:\D|$)|^(?:primo|prima|secondo|seconda|terzo|terza|first|second|third|primero|primera|segundo|segunda|tercero|tercera|premier|premi[eè]re|deuxi[eè]me|troisi[eè]me|erste[rns]?|zweite[rns]?|dritte[rns]?)\b`)
)

// hint applies state-specific readings of utterances the regex pass cannot place.
func (c *Classifier) hint(text string, in Input) (models.Intent, bool) {
	switch in.State {
	case models.StateAskName:
		if _, ok := ExtractName(text, true); ok {
			return models.IntentAskName, true
		}
	case models.StateAskService, models.StateAskClarification:
		if _, ok := c.catalog.MatchService(text, in.Lang); ok {
			return models.IntentAskService, true
		}
	case models.StateAskChannel:
		if _, ok := c.catalog.MatchChannel(text); ok {
			return models.IntentAskChannel, true
		}
	case models.StateAskSlot:
		if slotChoicePattern.MatchString(text) {
			return models.IntentAskSlot, true
		}
	}
	return "", false
}

func cacheKey(text, lang string) string {
	return lang + "\x00" + text
}

func (c *Classifier) classifyLLM(ctx context.Context, text, lang string) Result {
	if c.llm == nil {
		return Result{Intent: models.IntentClarify, Confidence: 0, Source: SourceFallback}
	}
	key := cacheKey(text, lang)
	if cached, ok := c.cache.Get(key); ok {
		cached.Source = SourceCache
		return cached
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		raw, err := c.llm.Classify(ctx, classifySystemPrompt, fmt.Sprintf("Language: %s\nMessage: %s", lang, text))
		if err != nil {
			return Result{}, err
		}
		res := fromProvider(raw)
		c.cache.Put(key, res)
		return res, nil
	})
	if err != nil {
		if errors.Is(err, models.ErrMalformedClassification) {
			slog.Warn("Classifier.Classify: malformed provider output, failing closed", "error", err)
		} else {
			slog.Warn("Classifier.Classify: provider unavailable, failing closed", "error", err)
		}
		return Result{Intent: models.IntentClarify, Confidence: 0, Source: SourceFallback}
	}
	res := v.(Result)
	slog.Debug("Classifier.Classify: provider classification", "intent", res.Intent, "confidence", res.Confidence, "shared", shared)
	return res
}

// fromProvider maps a raw provider answer into the vocabulary. Unknown labels become
// UNKNOWN; ABUSE is decided by the guardrail, not the provider.
func fromProvider(raw genai.Classification) Result {
	in, ok := models.ParseIntent(raw.Intent)
	if !ok || in == models.IntentAbuse {
		in = models.IntentUnknown
	}
	conf := raw.Confidence
	if conf < 0 || math.IsNaN(conf) {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return Result{Intent: in, Confidence: conf, Source: SourceLLM}
}

var classifySystemPrompt = strings.TrimSpace(`
You classify one message sent to the booking assistant of a professional consulting firm.
Answer with a JSON object {"intent": <label>, "confidence": <number between 0 and 1>} and nothing else.
Labels:
GREET: a greeting or small talk.
ASK_NAME: the user states their name.
ASK_SERVICE: the user asks which services exist or describes the problem they need help with.
PROPOSE_CONSULT: the user wants a consultation.
ASK_CHANNEL: the user chooses how to meet (video, phone, office).
ASK_SLOT: the user asks about availability or picks a date or time.
ASK_PAYMENT: the user asks about cost or talks about paying.
CONFIRM: the user agrees or says yes.
ROUTE_ACTIVE: the user refers to a case already open with the firm.
CLARIFY: the user did not understand or the message is unclear.
WHO_ARE_YOU: the user asks who or what the assistant is.
UNKNOWN: none of the above.
The message can be in Italian, English, Spanish, French or German.`)
