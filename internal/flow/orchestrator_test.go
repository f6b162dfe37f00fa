package flow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/ConsultPipe/internal/booking"
	"github.com/BTreeMap/ConsultPipe/internal/genai"
	"github.com/BTreeMap/ConsultPipe/internal/intent"
	"github.com/BTreeMap/ConsultPipe/internal/locale"
	"github.com/BTreeMap/ConsultPipe/internal/models"
	"github.com/BTreeMap/ConsultPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type harness struct {
	orch     *Orchestrator
	store    store.ContextStore
	calendar *booking.Calendar
	catalog  *locale.Catalog
}

func newHarness(t *testing.T, st store.ContextStore) *harness {
	t.Helper()
	cat := locale.MustDefault()
	cal := booking.NewCalendar()
	exe := NewExecutor(Deps{Catalog: cat, Replier: &stubReplier{}, Calendar: cal})
	orch := NewOrchestrator(NewContextManager(st), intent.NewClassifier(nil, intent.WithCatalog(cat)), exe, WithCatalog(cat))
	return &harness{orch: orch, store: st, calendar: cal, catalog: cat}
}

func (h *harness) seed(t *testing.T, conv *models.ConversationContext) {
	t.Helper()
	require.NoError(t, h.store.PutContext(context.Background(), conv))
}

func (h *harness) turn(t *testing.T, req models.TurnRequest) TurnResult {
	t.Helper()
	res, err := h.orch.HandleTurn(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Reply)
	return res
}

func (h *harness) load(t *testing.T, id string) *models.ConversationContext {
	t.Helper()
	conv, err := h.store.GetContext(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, conv)
	return conv
}

func TestHandleTurnRejectsBadIdentifier(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	_, err := h.orch.HandleTurn(context.Background(), models.TurnRequest{Utterance: "ciao"})
	assert.ErrorIs(t, err, models.ErrEmptyIdentifier)
	_, err = h.orch.HandleTurn(context.Background(), models.TurnRequest{ID: strings.Repeat("x", models.MaxIdentifierLength+1)})
	assert.ErrorIs(t, err, models.ErrIdentifierTooLong)
}

func TestFirstContactGreeting(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	res := h.turn(t, models.TurnRequest{ID: "+39100", Utterance: "ciao"})

	assert.Equal(t, models.IntentGreet, res.Intent)
	assert.Equal(t, models.StateAskName, res.State)
	assert.Equal(t, "it", res.Lang)
	assert.Equal(t, h.catalog.Render("greeting_ask_name", "it", nil), res.Reply)
	assert.NotEmpty(t, res.TurnID)

	conv := h.load(t, "+39100")
	assert.Equal(t, "it", conv.Lang)
	assert.Empty(t, conv.Name)
	assert.Equal(t, 1, conv.TurnCount)
	require.Len(t, conv.History, 2)
	assert.Equal(t, models.RoleUser, conv.History[0].Role)
	assert.Equal(t, models.RoleAssistant, conv.History[1].Role)
}

func TestNameCapture(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	conv := models.NewConversationContext("+39101")
	conv.Lang = "it"
	conv.State = models.StateAskName
	h.seed(t, conv)

	res := h.turn(t, models.TurnRequest{ID: "+39101", Utterance: "Mi chiamo Mario"})
	assert.Equal(t, models.StateAskService, res.State)
	assert.Equal(t, "Mario", h.load(t, "+39101").Name)
}

func TestActiveClientRouting(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	conv := models.NewConversationContext("+39102")
	conv.Lang = "it"
	conv.Name = "Paola"
	conv.ClientType = models.ClientTypeActive
	h.seed(t, conv)

	res := h.turn(t, models.TurnRequest{ID: "+39102", Utterance: "quanto costa?"})
	assert.Equal(t, models.IntentRouteActive, res.Intent)
	assert.Equal(t, models.StateRouteActive, res.State)
	want := (&skills{catalog: h.catalog}).vars(conv, "it")
	assert.Equal(t, h.catalog.Render("route_active", "it", want), res.Reply)
}

func TestClarifyLoopEscalates(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	conv := models.NewConversationContext("+39103")
	conv.Lang = "it"
	conv.Name = "Marco"
	conv.State = models.StateAskService
	h.seed(t, conv)

	for i, u := range []string{"xkcd qwerty", "zzzz blorp", "asdf ghjk"} {
		res := h.turn(t, models.TurnRequest{ID: "+39103", Utterance: u})
		assert.Equal(t, models.IntentClarify, res.Intent)
		assert.Zero(t, res.Confidence)
		assert.False(t, res.Escalated)
		assert.Equal(t, h.catalog.Render(fmt.Sprintf("clarify_%d", i+1), "it", nil), res.Reply)
		assert.Equal(t, models.StateAskService, res.State)
	}
	assert.Equal(t, 3, h.load(t, "+39103").ClarifyCount)

	res := h.turn(t, models.TurnRequest{ID: "+39103", Utterance: "vorrei informazioni sul divorzio"})
	assert.True(t, res.Escalated)
	assert.Equal(t, h.catalog.Render("handoff", "it", nil), res.Reply)
	// The handoff replaces the reply only; the service turn still moved the state.
	assert.Equal(t, models.StateProposeConsult, res.State)

	after := h.load(t, "+39103")
	assert.Equal(t, models.StateProposeConsult, after.State)
	assert.Equal(t, "family", after.Slot(models.SlotService))
	assert.Zero(t, after.ClarifyCount)
	assert.True(t, after.SlotBool(models.SlotHandoffRequested))
}

// unknownLLM answers every classification with a confident UNKNOWN.
type unknownLLM struct{}

func (unknownLLM) Classify(context.Context, string, string) (genai.Classification, error) {
	return genai.Classification{Intent: "UNKNOWN", Confidence: 0.9}, nil
}

func TestConfidentUnknownLoopEscalates(t *testing.T) {
	cat := locale.MustDefault()
	exe := NewExecutor(Deps{Catalog: cat, Replier: &stubReplier{}, Calendar: booking.NewCalendar()})
	st := store.NewInMemoryStore()
	orch := NewOrchestrator(NewContextManager(st), intent.NewClassifier(unknownLLM{}, intent.WithCatalog(cat)), exe, WithCatalog(cat))
	h := &harness{orch: orch, store: st, catalog: cat}

	conv := models.NewConversationContext("+39109")
	conv.Lang = "it"
	conv.Name = "Marco"
	conv.State = models.StateAskService
	h.seed(t, conv)

	first := h.turn(t, models.TurnRequest{ID: "+39109", Utterance: "xkcd qwerty"})
	assert.Equal(t, models.IntentUnknown, first.Intent)
	assert.False(t, first.Escalated)
	assert.Zero(t, h.load(t, "+39109").ClarifyCount)

	second := h.turn(t, models.TurnRequest{ID: "+39109", Utterance: "zzzz blorp"})
	assert.Equal(t, models.IntentUnknown, second.Intent)
	assert.True(t, second.Escalated)
	assert.Equal(t, cat.Render("handoff", "it", nil), second.Reply)
	assert.Equal(t, models.StateAskService, second.State)
	assert.True(t, h.load(t, "+39109").SlotBool(models.SlotHandoffRequested))
}

func TestExplicitHumanRequestAfterOffer(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	conv := models.NewConversationContext("+39104")
	conv.Lang = "it"
	conv.State = models.StateAskChannel
	conv.SetSlotBool(models.SlotHandoffOffered, true)
	h.seed(t, conv)

	res := h.turn(t, models.TurnRequest{ID: "+39104", Utterance: "voglio parlare con un operatore"})
	assert.True(t, res.Escalated)
	assert.Equal(t, models.StateAskChannel, res.State)
	assert.True(t, h.load(t, "+39104").SlotBool(models.SlotHandoffRequested))
}

func TestAbuseWarningThenClosing(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	id := "+39105"
	h.turn(t, models.TurnRequest{ID: id, Utterance: "buongiorno"})

	res := h.turn(t, models.TurnRequest{ID: id, Utterance: "sei uno stronzo"})
	assert.Equal(t, models.IntentAbuse, res.Intent)
	assert.Equal(t, h.catalog.Render("abuse_warning", "it", nil), res.Reply)
	assert.Equal(t, models.StateAskName, res.State)

	res = h.turn(t, models.TurnRequest{ID: id, Utterance: "vaffanculo"})
	assert.Equal(t, h.catalog.Render("abuse_closing", "it", nil), res.Reply)

	res = h.turn(t, models.TurnRequest{ID: id, Utterance: "mi chiamo Mario"})
	assert.Equal(t, h.catalog.Render("abuse_closing", "it", nil), res.Reply)
	assert.Empty(t, h.load(t, id).Name)
}

func TestLanguageIsSetOnce(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	id := "+39106"

	res := h.turn(t, models.TurnRequest{ID: id, Utterance: "12345"})
	assert.Equal(t, "it", res.Lang, "default language when undetectable")
	assert.Empty(t, h.load(t, id).Lang, "an unconfident detection is not stored")

	res = h.turn(t, models.TurnRequest{ID: id, Utterance: "hola", LangHint: "es-419"})
	assert.Equal(t, "es", res.Lang)

	res = h.turn(t, models.TurnRequest{ID: id, Utterance: "hello, my name is John"})
	assert.Equal(t, "es", res.Lang)
	assert.Equal(t, "es", h.load(t, id).Lang)
}

func TestTruncatesLongUtterance(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	res := h.turn(t, models.TurnRequest{ID: "+39107", Utterance: strings.Repeat("parola ", 800)})
	assert.Contains(t, res.Warnings, WarningTruncated)
	conv := h.load(t, "+39107")
	assert.LessOrEqual(t, len(conv.History[0].Content), models.MaxUtteranceLength)
}

func TestTruncateUTF8(t *testing.T) {
	s := "àèìòù"
	got := truncateUTF8(s, 3)
	assert.Equal(t, "à", got)
	assert.Equal(t, s, truncateUTF8(s, 100))
}

func TestPersistenceFailuresDegrade(t *testing.T) {
	st := &brokenStore{failGet: true, failPut: true}
	h := newHarness(t, st)
	res := h.turn(t, models.TurnRequest{ID: "+39108", Utterance: "ciao"})
	assert.Contains(t, res.Warnings, WarningPersistenceRead)
	assert.Contains(t, res.Warnings, WarningPersistenceWrite)
	assert.Equal(t, models.StateAskName, res.State)
	assert.Equal(t, 1, st.puts)
}

func TestFullBookingJourney(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	id := "+44700"
	say := func(utterance string, attachments ...models.Attachment) TurnResult {
		return h.turn(t, models.TurnRequest{ID: id, Utterance: utterance, LangHint: "en", Channel: models.ChannelWhatsApp, Attachments: attachments})
	}

	assert.Equal(t, models.StateAskName, say("Hello").State)
	assert.Equal(t, models.StateAskService, say("Anna").State)
	assert.Equal(t, models.StateProposeConsult, say("I need help with my divorce").State)
	assert.Equal(t, models.StateAskChannel, say("yes").State)

	res := say("video call please")
	assert.Equal(t, models.StateAskSlot, res.State)
	assert.Contains(t, res.Reply, "1)")

	assert.Equal(t, models.StateAskPayment, say("2").State)

	res = say("", models.Attachment{URL: "https://media.example.test/receipt.jpg", ContentType: "image/jpeg"})
	assert.Equal(t, models.IntentAskPayment, res.Intent)
	assert.Equal(t, models.StateConfirmed, res.State)
	assert.Empty(t, res.Warnings)

	conv := h.load(t, id)
	assert.Equal(t, "Anna", conv.Name)
	assert.Equal(t, "en", conv.Lang)
	assert.Equal(t, models.ChannelWhatsApp, conv.Channel)
	assert.Equal(t, "family", conv.Slot(models.SlotService))
	assert.Equal(t, "video", conv.Slot(models.SlotChannel))
	assert.True(t, conv.SlotBool(models.SlotPaymentVerified))
	assert.Equal(t, models.StageBooked, conv.Stage)
	assert.Equal(t, 7, conv.TurnCount)

	bookings := h.calendar.Bookings()
	require.Len(t, bookings, 1)
	assert.Equal(t, id, bookings[0].ParticipantID)
}

func TestRebookingAfterConfirmation(t *testing.T) {
	h := newHarness(t, store.NewInMemoryStore())
	id := "+44701"
	say := func(utterance string, attachments ...models.Attachment) TurnResult {
		return h.turn(t, models.TurnRequest{ID: id, Utterance: utterance, LangHint: "en", Channel: models.ChannelWhatsApp, Attachments: attachments})
	}
	for _, u := range []string{"Hello", "Anna", "I need help with my divorce", "yes", "video call please", "2"} {
		say(u)
	}
	require.Equal(t, models.StateConfirmed, say("", models.Attachment{URL: "https://media.example.test/receipt.jpg", ContentType: "image/jpeg"}).State)

	res := say("I also need a lawyer for my tax return")
	assert.Equal(t, models.IntentAskService, res.Intent)
	assert.Equal(t, models.StateProposeConsult, res.State)
	assert.Empty(t, res.Warnings)

	conv := h.load(t, id)
	assert.Equal(t, "tax", conv.Slot(models.SlotService))
	assert.Empty(t, conv.Slot(models.SlotChannel))
	assert.Empty(t, conv.Slot(models.SlotChosenSlot))
	assert.False(t, conv.SlotBool(models.SlotPaymentVerified))

	res = say("yes")
	assert.Equal(t, models.StateAskChannel, res.State)
	assert.NotEqual(t, h.catalog.Render("already_confirmed", "en", nil), res.Reply)

	assert.Equal(t, models.StateAskSlot, say("phone").State)
	assert.Len(t, h.calendar.Bookings(), 1)
}

func TestParallelTurns(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, store.NewInMemoryStore())
	const participants, turns = 8, 5
	var wg sync.WaitGroup
	for p := 0; p < participants; p++ {
		for i := 0; i < turns; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := h.orch.HandleTurn(context.Background(), models.TurnRequest{ID: id, Utterance: "ciao"})
				assert.NoError(t, err)
			}(fmt.Sprintf("+3930%d", p))
		}
	}
	wg.Wait()

	for p := 0; p < participants; p++ {
		conv := h.load(t, fmt.Sprintf("+3930%d", p))
		assert.Equal(t, turns, conv.TurnCount, "turns of one participant must not be lost")
		assert.Len(t, conv.History, 2*turns)
	}
	assert.Zero(t, h.orch.contexts.locks.size())
}

func TestTurnsSurviveSQLite(t *testing.T) {
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "turns.db")))
	require.NoError(t, err)
	defer st.Close()

	h := newHarness(t, st)
	h.turn(t, models.TurnRequest{ID: "+39109", Utterance: "ciao"})
	h.turn(t, models.TurnRequest{ID: "+39109", Utterance: "mi chiamo Sara"})

	conv := h.load(t, "+39109")
	assert.Equal(t, "Sara", conv.Name)
	assert.Equal(t, models.StateAskService, conv.State)
	assert.Equal(t, "it", conv.Lang)
	assert.Len(t, conv.History, 4)
}
