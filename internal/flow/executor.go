package flow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/BTreeMap/ConsultPipe/internal/booking"
	"github.com/BTreeMap/ConsultPipe/internal/guardrail"
	"github.com/BTreeMap/ConsultPipe/internal/locale"
	"github.com/BTreeMap/ConsultPipe/internal/models"
	"github.com/BTreeMap/ConsultPipe/internal/payment"
	"github.com/BTreeMap/ConsultPipe/internal/resilience"
)

// Deps are the collaborators the skill handlers may call.
type Deps struct {
	Catalog  *locale.Catalog
	Replier  Replier
	Calendar booking.Service
	Verifier payment.Verifier
	Filter   *guardrail.Filter
}

// Executor screens utterances, dispatches validated intents through the static
// registry and advances the state.
type Executor struct {
	skills   *skills
	filter   *guardrail.Filter
	registry map[models.Intent]SkillFunc
}

// NewExecutor builds an executor. Missing collaborators get in-process defaults.
func NewExecutor(d Deps) *Executor {
	if d.Catalog == nil {
		d.Catalog = locale.MustDefault()
	}
	if d.Replier == nil {
		d.Replier = resilience.NewGuard(nil, resilience.WithCatalog(d.Catalog))
	}
	if d.Calendar == nil {
		d.Calendar = booking.NewCalendar()
	}
	if d.Verifier == nil {
		d.Verifier = payment.NewAttachmentVerifier()
	}
	if d.Filter == nil {
		d.Filter = guardrail.NewFilter()
	}
	s := &skills{catalog: d.Catalog, replier: d.Replier, calendar: d.Calendar, verifier: d.Verifier}
	return &Executor{skills: s, filter: d.Filter, registry: newRegistry(s)}
}

// newRegistry is the complete intent to handler mapping. ABUSE has no handler: it is
// answered by Screen before dispatch.
func newRegistry(s *skills) map[models.Intent]SkillFunc {
	return map[models.Intent]SkillFunc{
		models.IntentGreet:          s.greet,
		models.IntentAskName:        s.askName,
		models.IntentAskService:     s.askService,
		models.IntentProposeConsult: s.proposeConsult,
		models.IntentAskChannel:     s.askChannel,
		models.IntentAskSlot:        s.askSlot,
		models.IntentAskPayment:     s.askPayment,
		models.IntentConfirm:        s.confirm,
		models.IntentRouteActive:    s.routeActive,
		models.IntentClarify:        s.clarify,
		models.IntentWhoAreYou:      s.whoAreYou,
		models.IntentUnknown:        s.unknown,
	}
}

// Screening is the outcome of the pre-dispatch guard.
type Screening struct {
	Handled  bool
	Reply    string
	Category guardrail.Category
}

// Screen runs before classification. Closed sessions get the closing reply again; an
// abusive utterance gets a warning the first time and closes the session the second.
// No handler runs for a handled screening.
func (e *Executor) Screen(conv *models.ConversationContext, utterance, lang string) Screening {
	if conv.SlotBool(models.SlotSessionClosed) {
		return Screening{Handled: true, Reply: e.skills.render("abuse_closing", lang, nil)}
	}
	verdict := e.filter.Check(utterance)
	if !verdict.Flagged {
		return Screening{}
	}
	count := conv.SlotInt(models.SlotAbuseCount) + 1
	conv.SetSlotInt(models.SlotAbuseCount, count)
	slog.Warn("Executor.Screen: abusive utterance", "participantID", conv.ID, "category", verdict.Category, "count", count)
	if count >= 2 {
		conv.SetSlotBool(models.SlotSessionClosed, true)
		return Screening{Handled: true, Reply: e.skills.render("abuse_closing", lang, nil), Category: verdict.Category}
	}
	return Screening{Handled: true, Reply: e.skills.render("abuse_warning", lang, nil), Category: verdict.Category}
}

// ExecInput is one dispatch.
type ExecInput struct {
	Conv        *models.ConversationContext
	Validation  Validation
	Utterance   string
	Lang        string
	Attachments []models.Attachment
}

// ExecResult reports the reply and what happened to the state.
type ExecResult struct {
	Reply     string
	From      models.State
	Next      models.State
	Committed bool
	Err       error
}

// Execute never returns an empty reply. A failing or panicking handler yields the
// fallback reply, and a rejected transition re-asks the current state's question; both
// leave the context untouched apart from the clarify counter.
func (e *Executor) Execute(ctx context.Context, in ExecInput) ExecResult {
	conv := in.Conv
	effective := in.Validation.Intent
	res := ExecResult{From: conv.State, Next: conv.State}

	if effective == models.IntentClarify {
		conv.ClarifyCount++
	} else {
		conv.ClarifyCount = 0
	}

	handler, ok := e.registry[effective]
	if !ok {
		handler = e.skills.unknown
	}

	work := conv.Clone()
	out, err := runSkill(ctx, handler, &SkillInput{
		Conv:        work,
		Utterance:   in.Utterance,
		Lang:        in.Lang,
		Attachments: in.Attachments,
		Intent:      effective,
		From:        conv.State,
	})
	if err == nil && strings.TrimSpace(out.Reply) == "" {
		err = fmt.Errorf("skill %s returned an empty reply", effective)
	}
	if err != nil {
		slog.Error("Executor.Execute: skill failed, serving fallback", "error", err, "intent", effective, "participantID", conv.ID)
		res.Err = err
		res.Reply = e.skills.replier.Fallback(resilience.Request{User: in.Utterance, Lang: in.Lang})
		return res
	}

	next := canonicalNext(res.From, effective, work)
	if !reachable(res.From, effective, next) && !in.Validation.Overridden() {
		res.Err = fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, res.From, next)
		slog.Warn("Executor.Execute: transition rejected, keeping state", "participantID", conv.ID, "intent", effective, "from", res.From, "to", next)
		res.Reply = e.skills.reprompt(conv, res.From, in.Lang)
		return res
	}

	*conv = *work
	conv.State = next
	res.Next = next
	res.Committed = true
	if stage, ok := models.StageFor(effective, next); ok {
		conv.Stage = stage
	}
	res.Reply = out.Reply
	return res
}

// reachable reports whether next can follow from in one legal step, or in two when the
// intent's own state sits in between (CONFIRMED -> ASK_SERVICE -> PROPOSE_CONSULT).
func reachable(from models.State, in models.Intent, next models.State) bool {
	if next == from || models.IsLegalTransition(from, next) || isDetour(from, next) {
		return true
	}
	via, ok := models.TargetState(from, in)
	return ok && via != from && models.IsLegalTransition(from, via) && models.IsLegalTransition(via, next)
}

// runSkill converts a handler panic into an error.
func runSkill(ctx context.Context, fn SkillFunc, in *SkillInput) (out SkillResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Executor.runSkill: panic in skill", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("skill panic: %v", r)
		}
	}()
	return fn(ctx, in)
}

// canonicalNext derives the state after a successful handler from the intent and the
// slots the handler wrote.
func canonicalNext(from models.State, in models.Intent, conv *models.ConversationContext) models.State {
	hasService := conv.Slot(models.SlotService) != ""
	hasChannel := conv.Slot(models.SlotChannel) != ""
	hasChosen := conv.Slot(models.SlotChosenSlot) != ""
	paid := conv.SlotBool(models.SlotPaymentVerified)

	switch in {
	case models.IntentGreet:
		if midJourney(from) {
			return from
		}
		if conv.Name == "" {
			return models.StateAskName
		}
		return models.StateAskService
	case models.IntentAskName:
		if conv.Name == "" {
			return models.StateAskName
		}
		return models.StateAskService
	case models.IntentAskService:
		if hasService {
			return models.StateProposeConsult
		}
		return models.StateAskService
	case models.IntentProposeConsult:
		if !hasService {
			return models.StateAskService
		}
		return models.StateProposeConsult
	case models.IntentAskChannel:
		if hasService && hasChannel {
			return models.StateAskSlot
		}
		if hasService {
			return models.StateAskChannel
		}
		return from
	case models.IntentAskSlot:
		switch {
		case hasChosen:
			return models.StateAskPayment
		case !hasService:
			return from
		case !hasChannel:
			return models.StateAskChannel
		default:
			return models.StateAskSlot
		}
	case models.IntentAskPayment:
		if paid {
			return models.StateConfirmed
		}
		if conv.SlotBool(models.SlotAwaitingPayment) {
			return models.StateAskPayment
		}
		return from
	case models.IntentConfirm:
		switch from {
		case models.StateProposeConsult, models.StateAskChannel:
			if hasChannel {
				return models.StateAskSlot
			}
			return models.StateAskChannel
		case models.StateAskSlot:
			if hasChosen {
				return models.StateAskPayment
			}
			return models.StateAskSlot
		case models.StateAskPayment:
			if paid {
				return models.StateConfirmed
			}
			return models.StateAskPayment
		}
		return from
	case models.IntentRouteActive:
		return models.StateRouteActive
	case models.IntentClarify:
		if from == models.StateInitial || from == models.StateGreeting {
			return models.StateAskClarification
		}
		return from
	default:
		return from
	}
}

// isDetour allows the clarification detour out of the entry states.
func isDetour(from, to models.State) bool {
	return to == models.StateAskClarification && (from == models.StateInitial || from == models.StateGreeting)
}
