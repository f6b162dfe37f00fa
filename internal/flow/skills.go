package flow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/booking"
	"github.com/BTreeMap/ConsultPipe/internal/intent"
	"github.com/BTreeMap/ConsultPipe/internal/locale"
	"github.com/BTreeMap/ConsultPipe/internal/models"
	"github.com/BTreeMap/ConsultPipe/internal/payment"
	"github.com/BTreeMap/ConsultPipe/internal/resilience"
)

// SkillInput is what a handler sees of the turn. Conv is a working copy that the
// Executor adopts only when the handler succeeds.
type SkillInput struct {
	Conv        *models.ConversationContext
	Utterance   string
	Lang        string
	Attachments []models.Attachment
	Intent      models.Intent
	// From is the state at the start of the turn.
	From models.State
}

// SkillResult is a handler's output.
type SkillResult struct {
	Reply string
}

// SkillFunc handles one validated intent. Handlers write slots and the name but never
// the state; the Executor derives the next state afterwards.
type SkillFunc func(ctx context.Context, in *SkillInput) (SkillResult, error)

// Replier is the resilience-wrapped LLM reply path.
type Replier interface {
	Reply(ctx context.Context, req resilience.Request) string
	Fallback(req resilience.Request) string
}

// skills holds the collaborators shared by all handlers.
type skills struct {
	catalog  *locale.Catalog
	replier  Replier
	calendar booking.Service
	verifier payment.Verifier
}

func (s *skills) render(key, lang string, vars map[string]string) string {
	return s.catalog.Render(key, lang, vars)
}

// vars collects the template variables derivable from the context.
func (s *skills) vars(conv *models.ConversationContext, lang string) map[string]string {
	v := map[string]string{
		"name":     conv.Name,
		"services": s.catalog.ServiceList(lang),
		"channels": s.catalog.ChannelList(lang),
	}
	if id := conv.Slot(models.SlotService); id != "" {
		v["service"] = s.catalog.ServiceName(id, lang)
	}
	if id := conv.Slot(models.SlotChannel); id != "" {
		v["channel"] = s.catalog.ChannelName(id, lang)
	}
	if chosen := booking.DecodeSlots(conv.Slot(models.SlotChosenSlot)); len(chosen) > 0 {
		v["slot"] = booking.FormatSlot(chosen[0], lang)
	}
	if candidates := booking.DecodeSlots(conv.Slot(models.SlotCandidateSlots)); len(candidates) > 0 {
		v["slots"] = booking.FormatList(candidates, lang)
	}
	return v
}

func (s *skills) greet(ctx context.Context, in *SkillInput) (SkillResult, error) {
	if midJourney(in.From) {
		return SkillResult{Reply: s.reprompt(in.Conv, in.From, in.Lang)}, nil
	}
	if in.Conv.Name != "" {
		return SkillResult{Reply: s.render("greeting_known", in.Lang, s.vars(in.Conv, in.Lang))}, nil
	}
	return SkillResult{Reply: s.render("greeting_ask_name", in.Lang, nil)}, nil
}

func (s *skills) askName(ctx context.Context, in *SkillInput) (SkillResult, error) {
	name, ok := intent.ExtractName(in.Utterance, in.From == models.StateAskName)
	if !ok {
		if in.Conv.Name == "" {
			return SkillResult{Reply: s.render("ask_name_again", in.Lang, nil)}, nil
		}
	} else {
		in.Conv.Name = name
	}
	return SkillResult{Reply: s.render("ask_service", in.Lang, s.vars(in.Conv, in.Lang))}, nil
}

func (s *skills) askService(ctx context.Context, in *SkillInput) (SkillResult, error) {
	if in.From == models.StateConfirmed || in.From == models.StateRouteActive {
		clearBooking(in.Conv)
	}
	if svc, ok := s.catalog.MatchService(in.Utterance, in.Lang); ok {
		in.Conv.SetSlot(models.SlotService, svc.ID)
		return SkillResult{Reply: s.render("propose_consult", in.Lang, s.vars(in.Conv, in.Lang))}, nil
	}
	if in.Conv.Slot(models.SlotService) != "" && in.From == models.StateProposeConsult {
		return SkillResult{Reply: s.render("propose_consult", in.Lang, s.vars(in.Conv, in.Lang))}, nil
	}

	vars := s.vars(in.Conv, in.Lang)
	reply := s.replier.Reply(ctx, resilience.Request{
		System:   s.systemPrompt(in.Lang, "The user described a need that does not obviously match one of the services. In two sentences, say whether it fits one of the services and ask which service they need."),
		User:     in.Utterance,
		Lang:     in.Lang,
		Fallback: s.render("service_not_offered", in.Lang, vars),
	})
	return SkillResult{Reply: reply}, nil
}

func (s *skills) proposeConsult(ctx context.Context, in *SkillInput) (SkillResult, error) {
	if svc, ok := s.catalog.MatchService(in.Utterance, in.Lang); ok {
		in.Conv.SetSlot(models.SlotService, svc.ID)
	}
	if in.Conv.Slot(models.SlotService) == "" {
		return SkillResult{Reply: s.render("ask_service_plain", in.Lang, s.vars(in.Conv, in.Lang))}, nil
	}
	return SkillResult{Reply: s.render("propose_consult", in.Lang, s.vars(in.Conv, in.Lang))}, nil
}

func (s *skills) askChannel(ctx context.Context, in *SkillInput) (SkillResult, error) {
	if ch, ok := s.catalog.MatchChannel(in.Utterance); ok {
		in.Conv.SetSlot(models.SlotChannel, ch)
	}
	if in.Conv.Slot(models.SlotService) == "" {
		return SkillResult{Reply: s.render("ask_service_plain", in.Lang, s.vars(in.Conv, in.Lang))}, nil
	}
	if in.Conv.Slot(models.SlotChannel) == "" {
		return SkillResult{Reply: s.render("ask_channel", in.Lang, s.vars(in.Conv, in.Lang))}, nil
	}
	return SkillResult{Reply: s.offerSlots(ctx, in)}, nil
}

// offerSlots lists free slots into the context. A calendar failure yields the no-slots
// reply and leaves the candidates empty so the next turn retries.
func (s *skills) offerSlots(ctx context.Context, in *SkillInput) string {
	slots, err := s.calendar.ListSlots(ctx)
	if err != nil || len(slots) == 0 {
		if err != nil {
			slog.Warn("Skills.offerSlots: calendar unavailable", "error", err, "participantID", in.Conv.ID)
		}
		in.Conv.ClearSlot(models.SlotCandidateSlots)
		return s.render("no_slots", in.Lang, nil)
	}
	in.Conv.SetSlot(models.SlotCandidateSlots, booking.EncodeSlots(slots))
	return s.render("list_slots", in.Lang, s.vars(in.Conv, in.Lang))
}

func (s *skills) askSlot(ctx context.Context, in *SkillInput) (SkillResult, error) {
	conv := in.Conv
	if conv.Slot(models.SlotService) == "" {
		return SkillResult{Reply: s.render("ask_service_plain", in.Lang, s.vars(conv, in.Lang))}, nil
	}
	if conv.Slot(models.SlotChannel) == "" {
		if ch, ok := s.catalog.MatchChannel(in.Utterance); ok {
			conv.SetSlot(models.SlotChannel, ch)
		} else {
			return SkillResult{Reply: s.render("ask_channel", in.Lang, s.vars(conv, in.Lang))}, nil
		}
	}
	candidates := booking.DecodeSlots(conv.Slot(models.SlotCandidateSlots))
	if len(candidates) == 0 {
		return SkillResult{Reply: s.offerSlots(ctx, in)}, nil
	}
	chosen, ok := chooseSlot(in.Utterance, candidates)
	if !ok {
		return SkillResult{Reply: s.render("slot_not_understood", in.Lang, s.vars(conv, in.Lang))}, nil
	}
	conv.SetSlot(models.SlotChosenSlot, chosen.Format(time.RFC3339))
	conv.SetSlotBool(models.SlotAwaitingPayment, true)
	return SkillResult{Reply: s.render("ask_payment", in.Lang, s.vars(conv, in.Lang))}, nil
}

func (s *skills) askPayment(ctx context.Context, in *SkillInput) (SkillResult, error) {
	conv := in.Conv
	if conv.SlotBool(models.SlotPaymentVerified) {
		return SkillResult{Reply: s.render("already_confirmed", in.Lang, s.vars(conv, in.Lang))}, nil
	}
	awaiting := conv.SlotBool(models.SlotAwaitingPayment) || in.From == models.StateAskPayment
	if !awaiting {
		return SkillResult{Reply: s.render("cost_info", in.Lang, s.vars(conv, in.Lang))}, nil
	}
	if len(in.Attachments) == 0 {
		return SkillResult{Reply: s.render("payment_waiting", in.Lang, s.vars(conv, in.Lang))}, nil
	}

	att := in.Attachments[0]
	res, err := s.verifier.Verify(ctx, payment.Receipt{
		ParticipantID: conv.ID,
		URL:           att.URL,
		ContentType:   att.ContentType,
		Text:          in.Utterance,
	})
	if err != nil {
		slog.Warn("Skills.askPayment: verification unavailable", "error", err, "participantID", conv.ID)
		return SkillResult{Reply: s.render("payment_waiting", in.Lang, s.vars(conv, in.Lang))}, nil
	}
	if !res.Valid {
		slog.Info("Skills.askPayment: receipt rejected", "participantID", conv.ID, "reason", res.Reason)
		return SkillResult{Reply: s.render("payment_invalid", in.Lang, nil)}, nil
	}

	conv.SetSlotBool(models.SlotPaymentVerified, true)
	conv.ClearSlot(models.SlotAwaitingPayment)
	vars := s.vars(conv, in.Lang)

	chosen := booking.DecodeSlots(conv.Slot(models.SlotChosenSlot))
	if len(chosen) == 0 {
		conv.SetSlotBool(models.SlotBookingPending, true)
		return SkillResult{Reply: s.render("confirmed_pending", in.Lang, vars)}, nil
	}
	if err := s.calendar.Book(ctx, conv.ID, conv.Name, chosen[0]); err != nil {
		slog.Warn("Skills.askPayment: booking failed, marking pending", "error", err, "participantID", conv.ID)
		conv.SetSlotBool(models.SlotBookingPending, true)
		return SkillResult{Reply: s.render("confirmed_pending", in.Lang, vars)}, nil
	}
	conv.ClearSlot(models.SlotBookingPending)
	return SkillResult{Reply: s.render("confirmed", in.Lang, vars)}, nil
}

// confirm runs the step a "yes" accepts in the current state.
func (s *skills) confirm(ctx context.Context, in *SkillInput) (SkillResult, error) {
	switch in.From {
	case models.StateProposeConsult, models.StateAskChannel:
		return s.askChannel(ctx, in)
	case models.StateAskSlot:
		return s.askSlot(ctx, in)
	case models.StateAskPayment:
		return s.askPayment(ctx, in)
	case models.StateConfirmed:
		return SkillResult{Reply: s.render("already_confirmed", in.Lang, s.vars(in.Conv, in.Lang))}, nil
	default:
		return SkillResult{Reply: s.reprompt(in.Conv, in.From, in.Lang)}, nil
	}
}

func (s *skills) routeActive(ctx context.Context, in *SkillInput) (SkillResult, error) {
	return SkillResult{Reply: s.render("route_active", in.Lang, s.vars(in.Conv, in.Lang))}, nil
}

// clarify rotates through increasingly explicit clarification prompts.
func (s *skills) clarify(ctx context.Context, in *SkillInput) (SkillResult, error) {
	n := in.Conv.ClarifyCount
	if n < 1 {
		n = 1
	}
	if n > 3 {
		n = 3
	}
	return SkillResult{Reply: s.render(fmt.Sprintf("clarify_%d", n), in.Lang, nil)}, nil
}

func (s *skills) whoAreYou(ctx context.Context, in *SkillInput) (SkillResult, error) {
	reply := s.replier.Reply(ctx, resilience.Request{
		System:   s.systemPrompt(in.Lang, "The user asks who or what you are. Introduce yourself in two sentences as the firm's virtual assistant and offer to book a consultation."),
		User:     in.Utterance,
		Lang:     in.Lang,
		Fallback: s.render("who_are_you", in.Lang, nil),
	})
	return SkillResult{Reply: reply}, nil
}

func (s *skills) unknown(ctx context.Context, in *SkillInput) (SkillResult, error) {
	switch in.From {
	case models.StateInitial, models.StateGreeting, models.StateAskService, models.StateAskClarification:
		return SkillResult{Reply: s.render("service_not_offered", in.Lang, s.vars(in.Conv, in.Lang))}, nil
	default:
		return SkillResult{Reply: s.reprompt(in.Conv, in.From, in.Lang)}, nil
	}
}

// reprompt repeats the question the conversation is waiting on in state st.
func (s *skills) reprompt(conv *models.ConversationContext, st models.State, lang string) string {
	vars := s.vars(conv, lang)
	switch st {
	case models.StateInitial, models.StateGreeting:
		if conv.Name != "" {
			return s.render("greeting_known", lang, vars)
		}
		return s.render("greeting_ask_name", lang, vars)
	case models.StateAskName:
		return s.render("ask_name_again", lang, vars)
	case models.StateProposeConsult:
		if vars["service"] == "" {
			return s.render("ask_service_plain", lang, vars)
		}
		return s.render("propose_consult", lang, vars)
	case models.StateAskChannel:
		return s.render("ask_channel", lang, vars)
	case models.StateAskSlot:
		if vars["slots"] == "" {
			return s.render("ask_channel", lang, vars)
		}
		return s.render("slot_not_understood", lang, vars)
	case models.StateAskPayment:
		return s.render("payment_waiting", lang, vars)
	case models.StateConfirmed:
		return s.render("already_confirmed", lang, vars)
	case models.StateRouteActive:
		return s.render("route_active", lang, vars)
	default:
		return s.render("ask_service_plain", lang, vars)
	}
}

func (s *skills) systemPrompt(lang, task string) string {
	return fmt.Sprintf("You are the virtual assistant of %s, a professional consulting firm. Services: %s. "+
		"An initial consultation lasts %d minutes and costs %s. Reply in the language with ISO code %q, briefly and politely. %s",
		s.catalog.Business, s.catalog.ServiceList("en"), s.catalog.Consultation.DurationMinutes, s.catalog.Consultation.Price, lang, task)
}

// midJourney reports whether a greeting should not restart the conversation.
func midJourney(st models.State) bool {
	switch st {
	case models.StateInitial, models.StateGreeting, models.StateConfirmed, models.StateRouteActive, models.StateAskClarification:
		return false
	default:
		return true
	}
}

// clearBooking forgets the previous booking so the participant can book again.
func clearBooking(conv *models.ConversationContext) {
	for _, k := range []string{
		models.SlotService, models.SlotChannel, models.SlotCandidateSlots, models.SlotChosenSlot,
		models.SlotAwaitingPayment, models.SlotPaymentVerified, models.SlotBookingPending,
	} {
		conv.ClearSlot(k)
	}
}

var (
	slotTimePattern   = regexp.MustCompile(`(?:^|\D)([01]?\d|2[0-3])(?:[:.h]([0-5]\d))?(?:\D|$)`)
	slotNumberPattern = regexp.MustCompile(`^\D{0,12}?([1-9])\D{0,3}$`)
	ordinals          = map[string]int{
		"primo": 1, "prima": 1, "first": 1, "primero": 1, "primera": 1, "premier": 1, "première": 1, "premiere": 1, "erste": 1, "ersten": 1, "erster": 1,
		"secondo": 2, "seconda": 2, "second": 2, "segundo": 2, "segunda": 2, "deuxième": 2, "deuxieme": 2, "zweite": 2, "zweiten": 2, "zweiter": 2,
		"terzo": 3, "terza": 3, "third": 3, "tercero": 3, "tercera": 3, "troisième": 3, "troisieme": 3, "dritte": 3, "dritten": 3, "dritter": 3,
	}
)

// chooseSlot reads a participant's pick from a numbered list: an index ("2"), an ordinal
// ("il secondo") or a clock time ("10:00").
func chooseSlot(utterance string, candidates []time.Time) (time.Time, bool) {
	text := strings.ToLower(strings.TrimSpace(utterance))
	for _, w := range strings.FieldsFunc(text, func(r rune) bool { return r == ' ' || r == ',' || r == '.' || r == '!' }) {
		if n, ok := ordinals[w]; ok && n <= len(candidates) {
			return candidates[n-1], true
		}
	}
	if m := slotNumberPattern.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n >= 1 && n <= len(candidates) {
			return candidates[n-1], true
		}
	}
	for _, m := range slotTimePattern.FindAllStringSubmatch(text, -1) {
		hour, _ := strconv.Atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		} else if len(m[1]) < 2 && hour <= len(candidates) {
			continue // a bare single digit is an index, handled above
		}
		for _, c := range candidates {
			if c.Hour() == hour && c.Minute() == minute {
				return c, true
			}
		}
	}
	return time.Time{}, false
}
