package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/models"
	"github.com/BTreeMap/ConsultPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service over the Twilio REST API for WhatsApp and SMS.
// Inbound messages arrive through WebhookHandler.
type TwilioService struct {
	client    twiliowhatsapp.Sender
	receipts  chan models.Receipt
	responses chan models.InboundMessage
	mu        sync.RWMutex
	stopped   bool
}

// NewTwilioService creates a TwilioService sending through client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient keeps the whatsapp: prefix and canonicalizes the
// number to E.164.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	id, err := ParticipantID(recipient)
	if err != nil {
		return "", err
	}
	canonical := id
	if twiliowhatsapp.IsWhatsApp(recipient) {
		canonical = twiliowhatsapp.WhatsAppPrefix + id
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op; inbound traffic arrives through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels. Further sends fail with ErrServiceStopped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	return nil
}

// SendMessage sends a message via Twilio and emits a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}
	s.emitReceipt(models.NewReceipt(canonicalTo, models.MessageStatusSent))
	return nil
}

// Receipts returns the channel of sent receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel of inbound messages received by the webhook.
func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.responses
}

// Deliver queues an inbound message for the response handler. It returns false when
// the service is stopped or the queue stays full past DefaultChannelTimeout.
func (s *TwilioService) Deliver(msg models.InboundMessage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.From)
		return false
	}
	select {
	case s.responses <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.From, "message_id", msg.MessageID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", msg.From)
		return false
	}
}

func (s *TwilioService) emitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
	}
}

// WebhookHandler accepts Twilio messaging webhooks. The turn runs asynchronously, so
// the webhook is acknowledged with an empty TwiML response and the reply goes out
// through the REST API.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	msg, err := ParseTwilioMessage(r.PostForm)
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: rejected webhook", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.Deliver(msg) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	doc, err := twiliowhatsapp.MessagingReply("")
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, doc)
}

// ParseTwilioMessage converts a Twilio messaging webhook form into an inbound message.
// Media items become attachments; a message with neither text nor media is rejected.
func ParseTwilioMessage(form url.Values) (models.InboundMessage, error) {
	from := form.Get("From")
	if from == "" {
		return models.InboundMessage{}, fmt.Errorf("missing From")
	}
	channel := models.ChannelSMS
	if twiliowhatsapp.IsWhatsApp(from) {
		channel = models.ChannelWhatsApp
	}
	msg := models.InboundMessage{
		MessageID: form.Get("MessageSid"),
		From:      from,
		Body:      form.Get("Body"),
		Channel:   channel,
		Time:      time.Now().Unix(),
	}
	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	for i := 0; i < numMedia; i++ {
		mediaURL := form.Get(fmt.Sprintf("MediaUrl%d", i))
		if mediaURL == "" {
			continue
		}
		msg.Attachments = append(msg.Attachments, models.Attachment{
			URL:         mediaURL,
			ContentType: form.Get(fmt.Sprintf("MediaContentType%d", i)),
		})
	}
	if msg.Body == "" && len(msg.Attachments) == 0 {
		return models.InboundMessage{}, fmt.Errorf("message has no body and no media")
	}
	return msg, nil
}

// ParseTwilioVoice converts a Twilio voice webhook form into an inbound message. The
// speech result is the utterance; the first request of a call carries none.
func ParseTwilioVoice(form url.Values) (models.InboundMessage, error) {
	from := form.Get("From")
	if from == "" {
		return models.InboundMessage{}, fmt.Errorf("missing From")
	}
	return models.InboundMessage{
		From:    from,
		Body:    form.Get("SpeechResult"),
		Channel: models.ChannelVoice,
		Time:    time.Now().Unix(),
	}, nil
}
