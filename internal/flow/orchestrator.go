// Package flow runs one conversation turn: it loads the participant's context, screens
// and classifies the utterance, validates the transition, dispatches the skill,
// applies the loop guard and persists the result.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/ConsultPipe/internal/intent"
	"github.com/BTreeMap/ConsultPipe/internal/lang"
	"github.com/BTreeMap/ConsultPipe/internal/locale"
	"github.com/BTreeMap/ConsultPipe/internal/models"
	"github.com/google/uuid"
)

// Turn warnings surfaced alongside a normal reply.
const (
	WarningPersistenceRead  = "persistence_read_failed"
	WarningPersistenceWrite = "persistence_write_failed"
	WarningSkillFailed      = "skill_failed"
	WarningTruncated        = "utterance_truncated"
)

// Classifier is the intent classification stage.
type Classifier interface {
	Classify(ctx context.Context, in intent.Input) intent.Result
}

// TurnResult is what a transport gets back for one turn.
type TurnResult struct {
	TurnID     string        `json:"turn_id"`
	Reply      string        `json:"reply"`
	Intent     models.Intent `json:"intent"`
	Confidence float64       `json:"confidence"`
	State      models.State  `json:"state"`
	Lang       string        `json:"lang"`
	Escalated  bool          `json:"escalated"`
	Warnings   []string      `json:"warnings,omitempty"`
}

// Opts holds configuration for the Orchestrator.
type Opts struct {
	Detector     *lang.Detector
	LoopGuard    *LoopGuard
	Catalog      *locale.Catalog
	HistoryLimit int
}

// Option defines a configuration option for the Orchestrator.
type Option func(*Opts)

// WithDetector sets the language detector.
func WithDetector(d *lang.Detector) Option {
	return func(o *Opts) { o.Detector = d }
}

// WithLoopGuard sets the loop guard.
func WithLoopGuard(g *LoopGuard) Option {
	return func(o *Opts) { o.LoopGuard = g }
}

// WithCatalog sets the catalog used for orchestrator-level replies.
func WithCatalog(c *locale.Catalog) Option {
	return func(o *Opts) { o.Catalog = c }
}

// WithHistoryLimit sets how many history entries are kept.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// Orchestrator composes the pipeline. It holds no per-participant state of its own,
// so turns of different participants run fully in parallel.
type Orchestrator struct {
	contexts     *ContextManager
	classifier   Classifier
	executor     *Executor
	detector     *lang.Detector
	loopGuard    *LoopGuard
	historyLimit int
}

// NewOrchestrator wires the pipeline stages together.
func NewOrchestrator(contexts *ContextManager, classifier Classifier, executor *Executor, opts ...Option) *Orchestrator {
	cfg := Opts{HistoryLimit: models.DefaultHistoryLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = locale.MustDefault()
	}
	if cfg.Detector == nil {
		cfg.Detector = lang.NewDetector(cfg.Catalog.DefaultLang, cfg.Catalog.Languages()...)
	}
	if cfg.LoopGuard == nil {
		cfg.LoopGuard = NewLoopGuard(cfg.Catalog, 0, 0)
	}
	return &Orchestrator{
		contexts:     contexts,
		classifier:   classifier,
		executor:     executor,
		detector:     cfg.Detector,
		loopGuard:    cfg.LoopGuard,
		historyLimit: cfg.HistoryLimit,
	}
}

// HandleTurn runs one turn. It fails only for an unusable identifier; every other
// failure degrades to a safe reply with a warning.
func (o *Orchestrator) HandleTurn(ctx context.Context, req models.TurnRequest) (TurnResult, error) {
	if req.ID == "" {
		return TurnResult{}, models.ErrEmptyIdentifier
	}
	if len(req.ID) > models.MaxIdentifierLength {
		return TurnResult{}, models.ErrIdentifierTooLong
	}

	res := TurnResult{TurnID: uuid.NewString()}
	utterance := req.Utterance
	if len(utterance) > models.MaxUtteranceLength {
		utterance = truncateUTF8(utterance, models.MaxUtteranceLength)
		res.Warnings = append(res.Warnings, WarningTruncated)
	}

	unlock := o.contexts.Lock(req.ID)
	defer unlock()

	conv, err := o.contexts.Load(ctx, req.ID)
	if err != nil {
		res.Warnings = append(res.Warnings, WarningPersistenceRead)
	}
	turnLang := o.resolveLang(conv, utterance, req.LangHint)
	conv.TurnCount++
	if req.Channel != "" {
		conv.Channel = req.Channel
	}
	priorClarify := conv.ClarifyCount
	logger := slog.With("turn_id", res.TurnID, "participantID", conv.ID)

	var reply string
	screening := o.executor.Screen(conv, utterance, turnLang)
	switch {
	case screening.Handled:
		res.Intent = models.IntentAbuse
		reply = screening.Reply
	case o.loopGuard.WantsHuman(conv, utterance):
		res.Intent = models.IntentUnknown
		reply = o.escalate(conv, o.loopGuard.Handoff(turnLang), &res)
	default:
		cls := o.classifier.Classify(ctx, intent.Input{
			Utterance:     utterance,
			Lang:          turnLang,
			State:         conv.State,
			HasAttachment: len(req.Attachments) > 0,
		})
		v := Validate(conv, cls.Intent, cls.Confidence)
		if v.Note == NoteInvalidTransition {
			res.Warnings = append(res.Warnings, string(NoteInvalidTransition))
		}
		logger.Debug("Orchestrator.HandleTurn: classified", "intent", cls.Intent, "confidence", cls.Confidence, "source", cls.Source, "effective", v.Intent, "note", v.Note, "state", conv.State)

		exec := o.executor.Execute(ctx, ExecInput{
			Conv:        conv,
			Validation:  v,
			Utterance:   utterance,
			Lang:        turnLang,
			Attachments: req.Attachments,
		})
		switch {
		case exec.Err == nil:
		case errors.Is(exec.Err, models.ErrInvalidTransition):
			logger.Warn("Orchestrator.HandleTurn: state kept", "error", exec.Err)
		default:
			res.Warnings = append(res.Warnings, WarningSkillFailed)
		}
		res.Intent = v.Intent
		res.Confidence = cls.Confidence
		reply = exec.Reply

		verdict := o.loopGuard.Check(conv, priorClarify, v.Intent, reply, turnLang)
		switch {
		case verdict.Escalate:
			reply = o.escalate(conv, verdict, &res)
		case verdict.Recommend:
			reply = reply + "\n\n" + verdict.Message
			conv.SetSlotBool(models.SlotHandoffOffered, true)
		}
	}

	now := time.Now()
	conv.AppendHistory(models.RoleUser, utterance, now)
	conv.AppendHistory(models.RoleAssistant, reply, now)
	conv.TrimHistory(o.historyLimit)

	if err := o.contexts.Save(ctx, conv); err != nil {
		res.Warnings = append(res.Warnings, WarningPersistenceWrite)
	}

	res.Reply = reply
	res.State = conv.State
	res.Lang = turnLang
	logger.Info("Orchestrator.HandleTurn: turn complete", "intent", res.Intent, "state", res.State, "lang", res.Lang, "escalated", res.Escalated)
	return res, nil
}

func (o *Orchestrator) escalate(conv *models.ConversationContext, v Verdict, res *TurnResult) string {
	slog.Warn("Orchestrator.HandleTurn: escalating to human", "participantID", conv.ID, "reason", v.Reason)
	conv.ClarifyCount = 0
	conv.SetSlotBool(models.SlotHandoffRequested, true)
	res.Escalated = true
	return v.Message
}

// resolveLang returns the language for this turn. The context language is set once,
// from a supported transport hint or a confident detection; otherwise the default is
// used for this turn only and detection is retried on the next one.
func (o *Orchestrator) resolveLang(conv *models.ConversationContext, utterance, hint string) string {
	if conv.Lang != "" {
		return conv.Lang
	}
	if l, ok := o.detector.Normalize(hint); ok {
		conv.Lang = l
		return l
	}
	if l, confident := o.detector.Detect(utterance); confident {
		conv.Lang = l
		return l
	}
	return o.detector.Default()
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
