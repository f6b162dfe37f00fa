package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/booking"
	"github.com/BTreeMap/ConsultPipe/internal/locale"
	"github.com/BTreeMap/ConsultPipe/internal/models"
	"github.com/BTreeMap/ConsultPipe/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubReplier records LLM reply requests and answers with a fixed text.
type stubReplier struct {
	text  string
	calls int
}

func (r *stubReplier) Reply(_ context.Context, req resilience.Request) string {
	r.calls++
	if r.text == "" {
		return r.Fallback(req)
	}
	return r.text
}

func (r *stubReplier) Fallback(req resilience.Request) string {
	if req.Fallback != "" {
		return req.Fallback
	}
	return "fallback"
}

// failingCalendar fails every call.
type failingCalendar struct{}

func (failingCalendar) ListSlots(context.Context) ([]time.Time, error) {
	return nil, errors.New("calendar down")
}

func (failingCalendar) Book(context.Context, string, string, time.Time) error {
	return errors.New("calendar down")
}

func newTestExecutor() (*Executor, *stubReplier) {
	r := &stubReplier{}
	return NewExecutor(Deps{Replier: r, Calendar: booking.NewCalendar()}), r
}

func exec(e *Executor, conv *models.ConversationContext, in models.Intent, utterance string) ExecResult {
	return e.Execute(context.Background(), ExecInput{
		Conv:       conv,
		Validation: Validate(conv, in, 0.9),
		Utterance:  utterance,
		Lang:       "it",
	})
}

func TestRegistryCoversVocabulary(t *testing.T) {
	e, _ := newTestExecutor()
	for _, in := range models.AllIntents {
		_, ok := e.registry[in]
		if in == models.IntentAbuse {
			assert.False(t, ok, "ABUSE is answered by Screen")
			continue
		}
		assert.True(t, ok, "missing handler for %s", in)
	}
}

func TestScreenWarnsThenCloses(t *testing.T) {
	e, _ := newTestExecutor()
	cat := locale.MustDefault()
	conv := convAt(models.StateAskService)

	s := e.Screen(conv, "vaffanculo", "it")
	require.True(t, s.Handled)
	assert.Equal(t, cat.Render("abuse_warning", "it", nil), s.Reply)
	assert.Equal(t, 1, conv.SlotInt(models.SlotAbuseCount))
	assert.False(t, conv.SlotBool(models.SlotSessionClosed))

	s = e.Screen(conv, "sei un idiota", "it")
	require.True(t, s.Handled)
	assert.Equal(t, cat.Render("abuse_closing", "it", nil), s.Reply)
	assert.True(t, conv.SlotBool(models.SlotSessionClosed))

	s = e.Screen(conv, "ciao, scusa", "it")
	assert.True(t, s.Handled, "closed sessions stay closed")
	assert.Equal(t, cat.Render("abuse_closing", "it", nil), s.Reply)
	assert.Equal(t, models.StateAskService, conv.State)
}

func TestScreenPassesCleanUtterances(t *testing.T) {
	e, _ := newTestExecutor()
	conv := convAt(models.StateInitial)
	s := e.Screen(conv, "buongiorno, vorrei informazioni", "it")
	assert.False(t, s.Handled)
	assert.Zero(t, conv.SlotInt(models.SlotAbuseCount))
}

func TestExecuteFailingSkillKeepsContext(t *testing.T) {
	for name, skill := range map[string]SkillFunc{
		"error": func(_ context.Context, in *SkillInput) (SkillResult, error) {
			in.Conv.SetSlot(models.SlotService, "tax")
			return SkillResult{}, errors.New("boom")
		},
		"panic": func(_ context.Context, in *SkillInput) (SkillResult, error) {
			in.Conv.Name = "Changed"
			panic("kaboom")
		},
		"empty reply": func(_ context.Context, in *SkillInput) (SkillResult, error) {
			in.Conv.SetSlot(models.SlotChannel, "video")
			return SkillResult{Reply: "   "}, nil
		},
	} {
		t.Run(name, func(t *testing.T) {
			e, _ := newTestExecutor()
			e.registry[models.IntentAskService] = skill
			conv := convAt(models.StateAskService)
			conv.Name = "Mario"

			res := exec(e, conv, models.IntentAskService, "qualcosa")
			assert.Error(t, res.Err)
			assert.False(t, res.Committed)
			assert.Equal(t, "fallback", res.Reply)
			assert.Equal(t, models.StateAskService, conv.State)
			assert.Equal(t, "Mario", conv.Name)
			assert.Empty(t, conv.Slot(models.SlotService))
			assert.Empty(t, conv.Slot(models.SlotChannel))
		})
	}
}

func TestExecuteClarifyCounter(t *testing.T) {
	e, _ := newTestExecutor()
	cat := locale.MustDefault()
	conv := convAt(models.StateAskService)

	for i := 1; i <= 3; i++ {
		res := exec(e, conv, models.IntentClarify, "boh")
		assert.Equal(t, i, conv.ClarifyCount)
		assert.Equal(t, cat.Render("clarify_"+string(rune('0'+i)), "it", nil), res.Reply)
		assert.Equal(t, models.StateAskService, conv.State)
	}
	exec(e, conv, models.IntentWhoAreYou, "chi sei?")
	assert.Zero(t, conv.ClarifyCount)
}

func TestExecuteClarifyDetourFromEntry(t *testing.T) {
	e, _ := newTestExecutor()
	conv := convAt(models.StateInitial)
	res := exec(e, conv, models.IntentClarify, "boh")
	assert.True(t, res.Committed)
	assert.Equal(t, models.StateAskClarification, conv.State)
}

func TestExecuteCanonicalTransitions(t *testing.T) {
	e, _ := newTestExecutor()

	conv := convAt(models.StateInitial)
	exec(e, conv, models.IntentGreet, "ciao")
	assert.Equal(t, models.StateAskName, conv.State)
	assert.Equal(t, models.StageOnboarding, conv.Stage)

	exec(e, conv, models.IntentAskName, "Giulia")
	assert.Equal(t, "Giulia", conv.Name)
	assert.Equal(t, models.StateAskService, conv.State)

	exec(e, conv, models.IntentAskService, "ho bisogno di aiuto per un divorzio")
	assert.Equal(t, "family", conv.Slot(models.SlotService))
	assert.Equal(t, models.StateProposeConsult, conv.State)

	exec(e, conv, models.IntentConfirm, "sì")
	assert.Equal(t, models.StateAskChannel, conv.State)

	exec(e, conv, models.IntentAskChannel, "al telefono")
	assert.Equal(t, "phone", conv.Slot(models.SlotChannel))
	assert.Equal(t, models.StateAskSlot, conv.State)
	assert.NotEmpty(t, conv.Slot(models.SlotCandidateSlots))

	exec(e, conv, models.IntentAskSlot, "il primo")
	assert.NotEmpty(t, conv.Slot(models.SlotChosenSlot))
	assert.Equal(t, models.StateAskPayment, conv.State)
}

func TestExecuteInvalidWalkKeepsState(t *testing.T) {
	e, _ := newTestExecutor()
	conv := convAt(models.StateAskName)
	conv.Name = "Mario"

	res := exec(e, conv, models.IntentRouteActive, "la mia pratica")
	assert.ErrorIs(t, res.Err, models.ErrInvalidTransition)
	assert.False(t, res.Committed)
	assert.Equal(t, models.StateAskName, conv.State)
	assert.NotEmpty(t, res.Reply)
}

func TestExecuteRejectedWalkDiscardsSkillWrites(t *testing.T) {
	e, _ := newTestExecutor()
	cat := locale.MustDefault()
	e.registry[models.IntentRouteActive] = func(_ context.Context, in *SkillInput) (SkillResult, error) {
		in.Conv.SetSlot(models.SlotService, "tax")
		in.Conv.Name = "Changed"
		return SkillResult{Reply: "your case is with us"}, nil
	}
	conv := convAt(models.StateAskName)

	res := exec(e, conv, models.IntentRouteActive, "la mia pratica")
	require.ErrorIs(t, res.Err, models.ErrInvalidTransition)
	assert.Equal(t, models.StateAskName, conv.State)
	assert.Empty(t, conv.Slot(models.SlotService))
	assert.Empty(t, conv.Name)
	assert.Equal(t, cat.Render("ask_name_again", "it", nil), res.Reply)
}

func TestExecuteRebookingFromConfirmed(t *testing.T) {
	for _, from := range []models.State{models.StateConfirmed, models.StateRouteActive} {
		t.Run(string(from), func(t *testing.T) {
			e, _ := newTestExecutor()
			conv := convAt(from)
			conv.Name = "Mario"
			conv.SetSlot(models.SlotService, "family")
			conv.SetSlot(models.SlotChannel, "video")
			conv.SetSlot(models.SlotChosenSlot, "2026-10-20T10:00:00Z")
			conv.SetSlotBool(models.SlotPaymentVerified, true)

			res := exec(e, conv, models.IntentAskService, "mi serve anche aiuto con le tasse")
			require.NoError(t, res.Err)
			assert.True(t, res.Committed)
			assert.Equal(t, models.StateProposeConsult, conv.State)
			assert.Equal(t, "tax", conv.Slot(models.SlotService))
			assert.Empty(t, conv.Slot(models.SlotChannel))
			assert.Empty(t, conv.Slot(models.SlotChosenSlot))
			assert.False(t, conv.SlotBool(models.SlotPaymentVerified))

			exec(e, conv, models.IntentConfirm, "sì")
			assert.Equal(t, models.StateAskChannel, conv.State)
		})
	}
}

func TestExecuteActiveOverrideCommitsRouteActive(t *testing.T) {
	e, _ := newTestExecutor()
	conv := convAt(models.StateAskSlot)
	conv.ClientType = models.ClientTypeActive

	res := exec(e, conv, models.IntentGreet, "ciao")
	assert.NoError(t, res.Err)
	assert.Equal(t, models.StateRouteActive, conv.State)
	assert.Equal(t, models.StageActiveClient, conv.Stage)
}

func TestExecuteCalendarFailureOffersNoSlots(t *testing.T) {
	r := &stubReplier{}
	e := NewExecutor(Deps{Replier: r, Calendar: failingCalendar{}})
	cat := locale.MustDefault()
	conv := convAt(models.StateAskChannel)
	conv.SetSlot(models.SlotService, "tax")

	res := exec(e, conv, models.IntentAskChannel, "videochiamata")
	assert.Equal(t, cat.Render("no_slots", "it", nil), res.Reply)
	assert.Empty(t, conv.Slot(models.SlotCandidateSlots))
	assert.Equal(t, models.StateAskSlot, conv.State)
}

func TestExecutePaymentWithBookingFailureIsPending(t *testing.T) {
	e := NewExecutor(Deps{Replier: &stubReplier{}, Calendar: failingCalendar{}})
	conv := convAt(models.StateAskPayment)
	conv.Name = "Mario"
	conv.SetSlot(models.SlotService, "tax")
	conv.SetSlot(models.SlotChannel, "video")
	conv.SetSlot(models.SlotChosenSlot, "2025-10-23T10:00:00Z")
	conv.SetSlotBool(models.SlotAwaitingPayment, true)

	res := e.Execute(context.Background(), ExecInput{
		Conv:        conv,
		Validation:  Validate(conv, models.IntentAskPayment, 0.8),
		Lang:        "it",
		Attachments: []models.Attachment{{URL: "https://example.test/r.pdf", ContentType: "application/pdf"}},
	})
	assert.NoError(t, res.Err)
	assert.Equal(t, models.StateConfirmed, conv.State)
	assert.True(t, conv.SlotBool(models.SlotPaymentVerified))
	assert.True(t, conv.SlotBool(models.SlotBookingPending))
}

func TestExecuteRejectsInvalidReceipt(t *testing.T) {
	e, _ := newTestExecutor()
	cat := locale.MustDefault()
	conv := convAt(models.StateAskPayment)
	conv.SetSlot(models.SlotService, "tax")
	conv.SetSlotBool(models.SlotAwaitingPayment, true)

	res := e.Execute(context.Background(), ExecInput{
		Conv:        conv,
		Validation:  Validate(conv, models.IntentAskPayment, 0.8),
		Lang:        "it",
		Attachments: []models.Attachment{{URL: "https://example.test/a.mp3", ContentType: "audio/mpeg"}},
	})
	assert.Equal(t, cat.Render("payment_invalid", "it", nil), res.Reply)
	assert.Equal(t, models.StateAskPayment, conv.State)
	assert.False(t, conv.SlotBool(models.SlotPaymentVerified))
}

func TestWhoAreYouUsesReplier(t *testing.T) {
	e, r := newTestExecutor()
	r.text = "Sono l'assistente virtuale."
	conv := convAt(models.StateAskService)
	res := exec(e, conv, models.IntentWhoAreYou, "chi sei?")
	assert.Equal(t, "Sono l'assistente virtuale.", res.Reply)
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, models.StateAskService, conv.State)
}

func TestChooseSlot(t *testing.T) {
	day := time.Date(2025, 10, 23, 0, 0, 0, 0, time.UTC)
	candidates := []time.Time{day.Add(9 * time.Hour), day.Add(10 * time.Hour), day.Add(14*time.Hour + 30*time.Minute)}
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"2", 1, true},
		{"il secondo", 1, true},
		{"the third one", 2, true},
		{"alle 14:30", 2, true},
		{"10.00 va bene", 1, true},
		{"7", 0, false},
		{"non so", 0, false},
	}
	for _, tt := range tests {
		got, ok := chooseSlot(tt.in, candidates)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.True(t, got.Equal(candidates[tt.want]), tt.in)
		}
	}
}
