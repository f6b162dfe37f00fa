package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/flow"
	"github.com/BTreeMap/ConsultPipe/internal/models"
	"github.com/BTreeMap/ConsultPipe/internal/store"
	"github.com/BTreeMap/ConsultPipe/internal/testutil"
	"github.com/BTreeMap/ConsultPipe/internal/twiliowhatsapp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*Server
	st     *store.InMemoryStore
	twilio *twiliowhatsapp.MockClient
}

// newTestServer creates a server on an in-memory store with the Twilio mock client
// and no LLM provider.
func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	st := store.NewInMemoryStore()
	s, err := NewServer(st, nil, opts...)
	require.NoError(t, err)
	mock := twiliowhatsapp.NewMockClient()
	s.AttachTwilio(mock)
	return &testServer{Server: s, st: st, twilio: mock}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rr, req)
	return rr
}

type turnResponse struct {
	Status string          `json:"status"`
	Result flow.TurnResult `json:"result"`
}

func TestTurnHandler(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/turns", models.TurnRequest{ID: "+393331112222", Utterance: "ciao"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "turn")

	var resp turnResponse
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	assert.Equal(t, string(models.APIStatusOK), resp.Status)
	assert.Equal(t, models.IntentGreet, resp.Result.Intent)
	assert.Equal(t, models.StateAskName, resp.Result.State)
	assert.NotEmpty(t, resp.Result.Reply)

	conv, err := ts.st.GetContext(context.Background(), "+393331112222")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, models.ChannelAPI, conv.Channel)
}

func TestTurnHandlerRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"invalid JSON", httptest.NewRequest(http.MethodPost, "/turns", strings.NewReader("{")), http.StatusBadRequest},
		{"missing id", testutil.CreateHTTPRequest(t, http.MethodPost, "/turns", models.TurnRequest{Utterance: "ciao"}), http.StatusBadRequest},
		{"unknown channel", testutil.CreateHTTPRequest(t, http.MethodPost, "/turns", models.TurnRequest{ID: "+39333", Utterance: "ciao", Channel: "fax"}), http.StatusBadRequest},
		{"wrong method", httptest.NewRequest(http.MethodGet, "/turns", nil), http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(tt.req)
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
		})
	}
}

func TestContextAdminRoutes(t *testing.T) {
	ts := newTestServer(t)
	id := "+393334445555"

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/contexts/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing context")
	testutil.AssertJSONResponse(t, rr, models.APIStatusError)

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPut, "/contexts/"+id+"/client-type", models.ClientTypeUpdate{ClientType: "vip"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid client type")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPut, "/contexts/"+id+"/client-type", models.ClientTypeUpdate{ClientType: models.ClientTypeActive}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "mark active")

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/contexts/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get context")
	var got struct {
		Result models.ConversationContext `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &got)
	assert.Equal(t, models.ClientTypeActive, got.Result.ClientType)
	assert.Equal(t, models.StateInitial, got.Result.State)

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/contexts", nil))
	body := testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
	assert.EqualValues(t, 1, body["result"].(map[string]interface{})["count"])

	rr = ts.do(httptest.NewRequest(http.MethodDelete, "/contexts/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete")
	rr = ts.do(httptest.NewRequest(http.MethodDelete, "/contexts/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "delete twice")
}

func TestActiveClientMarkedBeforeFirstMessage(t *testing.T) {
	ts := newTestServer(t)
	id := "+393335556666"
	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodPut, "/contexts/"+id+"/client-type", models.ClientTypeUpdate{ClientType: models.ClientTypeActive}))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/turns", models.TurnRequest{ID: id, Utterance: "quanto costa la consulenza?"}))
	require.Equal(t, http.StatusOK, rr.Code)
	var resp turnResponse
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	assert.Equal(t, models.StateRouteActive, resp.Result.State)
}

func TestBreakerStatusAndHealth(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/status/breaker", nil))
	body := testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
	assert.Equal(t, "CLOSED", body["result"].(map[string]interface{})["state"])

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	var health map[string]interface{}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &health)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, []interface{}{"twilio"}, health["transports"])
}

func TestTwilioMessagingWebhookQueuesReply(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts.respHandler.Start(ctx, ts.Server.twilio)
	defer ts.Server.twilio.Stop()

	form := url.Values{"MessageSid": {"SM100"}, "From": {"whatsapp:+393331112222"}, "Body": {"ciao"}}
	rr := ts.do(testutil.CreateFormRequest(t, "/webhooks/twilio/messaging", form))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "messaging webhook")
	assert.Contains(t, rr.Body.String(), "<Response")

	sender := store.NewOutboxSender(ts.st, ts.respHandler.Deliver, time.Second)
	require.Eventually(t, func() bool {
		sender.Poll(ctx)
		return len(ts.twilio.Sent()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	sent := ts.twilio.Sent()[0]
	assert.Equal(t, "whatsapp:+393331112222", sent.To)
	assert.NotEmpty(t, sent.Body)

	rr = ts.do(testutil.CreateFormRequest(t, "/webhooks/twilio/messaging", url.Values{"Body": {"ciao"}}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing From")
}

func TestTwilioMessagingWebhookWithoutTwilio(t *testing.T) {
	s, err := NewServer(store.NewInMemoryStore(), nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	form := url.Values{"From": {"whatsapp:+393331112222"}, "Body": {"ciao"}}
	s.Handler().ServeHTTP(rr, testutil.CreateFormRequest(t, "/webhooks/twilio/messaging", form))
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "no twilio")
}

func TestTwilioVoiceWebhook(t *testing.T) {
	ts := newTestServer(t)
	caller := "+393337778888"

	rr := ts.do(testutil.CreateFormRequest(t, "/webhooks/twilio/voice", url.Values{"From": {caller}, "CallSid": {"CA1"}}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "call start")
	assert.Equal(t, "application/xml", rr.Header().Get("Content-Type"))
	doc := rr.Body.String()
	assert.Contains(t, doc, "<Gather")
	assert.Contains(t, doc, `language="it-IT"`)
	assert.Contains(t, doc, `action="/webhooks/twilio/voice"`)

	rr = ts.do(testutil.CreateFormRequest(t, "/webhooks/twilio/voice", url.Values{"From": {caller}, "SpeechResult": {"Mi chiamo Luca"}}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "name turn")
	assert.Contains(t, rr.Body.String(), "<Gather")

	conv, err := ts.st.GetContext(context.Background(), caller)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "Luca", conv.Name)
	assert.Equal(t, models.ChannelVoice, conv.Channel)
	assert.Equal(t, models.StateAskService, conv.State)
}

func TestTwilioVoiceWebhookHangsUpClosedSession(t *testing.T) {
	ts := newTestServer(t)
	conv := models.NewConversationContext("+393339990000")
	conv.Lang = "en"
	conv.SetSlotBool(models.SlotSessionClosed, true)
	testutil.SeedContext(t, ts.st, conv)

	rr := ts.do(testutil.CreateFormRequest(t, "/webhooks/twilio/voice", url.Values{"From": {"+393339990000"}, "SpeechResult": {"hello"}}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "closed session")
	doc := rr.Body.String()
	assert.Contains(t, doc, "<Hangup")
	assert.NotContains(t, doc, "<Gather")
	assert.Contains(t, doc, `language="en-US"`)
}

func TestTwilioVoiceWebhookRejectsBadCaller(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(testutil.CreateFormRequest(t, "/webhooks/twilio/voice", url.Values{"From": {"anonymous"}}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "anonymous caller")
}

// twilioSignature computes X-Twilio-Signature: base64(HMAC-SHA1(url + sorted key/value pairs)).
func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k + form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestWebhookSignatureValidation(t *testing.T) {
	ts := newTestServer(t, WithPublicURL("https://consult.example.com/"), WithWebhookAuthToken("secret-token"))
	form := url.Values{"From": {"+393331234567"}, "SpeechResult": {"ciao"}}

	rr := ts.do(testutil.CreateFormRequest(t, "/webhooks/twilio/voice", form))
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "unsigned request")

	req := testutil.CreateFormRequest(t, "/webhooks/twilio/voice", form)
	req.Header.Set("X-Twilio-Signature", twilioSignature("secret-token", "https://consult.example.com/webhooks/twilio/voice", form))
	rr = ts.do(req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "signed request")

	// The JSON API is not a webhook and is never signature-checked
	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/turns", models.TurnRequest{ID: "+39333", Utterance: "ciao"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "turn API")
}

func TestNewServerOptions(t *testing.T) {
	_, err := NewServer(store.NewInMemoryStore(), nil, WithDefaultLang("xx"))
	assert.Error(t, err)

	_, err = NewServer(store.NewInMemoryStore(), nil, WithCatalogPath("/does/not/exist.yaml"))
	assert.Error(t, err)

	s, err := NewServer(store.NewInMemoryStore(), nil,
		WithDefaultLang("en"),
		WithAddr(":9999"),
		WithBreaker(5, time.Minute),
		WithClassifyCacheTTL(time.Minute),
		WithProviderTimeout(time.Second),
		WithPaymentMedia("application/pdf"),
	)
	require.NoError(t, err)
	assert.Equal(t, ":9999", s.opts.Addr)
	assert.Equal(t, 5, s.guard.Breaker().Status().Threshold)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/turns", models.TurnRequest{ID: "+39444", Utterance: "12345"}))
	var resp turnResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "en", resp.Result.Lang)
}

func TestWriteJSONResponseFallsBackOnEncodeFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONResponse(rec, http.StatusOK, models.Success(map[string]interface{}{"bad": make(chan int)}))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body models.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(models.APIStatusError), body.Status)
	assert.Equal(t, "Internal server error", body.Message)
}

func TestWriteTwiMLResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	writeTwiMLResponse(rec, `<Response><Message>ciao</Message></Response>`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Equal(t, `<Response><Message>ciao</Message></Response>`, rec.Body.String())
}
