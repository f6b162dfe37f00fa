package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/models"
	"github.com/BTreeMap/ConsultPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// whatsappMediaScheme prefixes attachment URLs of media received over whatsmeow. The
// media itself stays on WhatsApp's servers; the reference is enough to verify a receipt.
const whatsappMediaScheme = "whatsapp-media:"

// WhatsAppService implements Service using the whatsmeow client.
type WhatsAppService struct {
	client    whatsapp.WhatsAppSender
	waClient  *whatsapp.Client // set when events can be subscribed to
	receipts  chan models.Receipt
	responses chan models.InboundMessage
	mu        sync.RWMutex
	stopped   bool
}

// NewWhatsAppService creates a WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient returns the bare phone number whatsmeow addresses.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	id, err := ParticipantID(recipient)
	if err != nil {
		return "", err
	}
	return id[1:], nil
}

// Start subscribes to whatsmeow events. Without a real client it does nothing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no event source, skipping subscription")
		return nil
	}
	wa := s.waClient.GetClient()
	id := wa.AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			if msg, ok := inboundFromEvent(v); ok {
				s.emitResponse(msg)
			}
		case *events.Receipt:
			if r, ok := receiptFromEvent(v); ok {
				s.emitReceipt(r)
			}
		}
	})
	go func() {
		<-ctx.Done()
		wa.RemoveEventHandler(id)
		slog.Debug("WhatsAppService event handler removed")
	}()
	slog.Info("WhatsAppService.Start: subscribed to WhatsApp events")
	return nil
}

// Stop closes the event channels.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonicalTo)
		return err
	}
	s.emitReceipt(models.NewReceipt(canonicalTo, models.MessageStatusSent))
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns a channel of inbound messages.
func (s *WhatsAppService) Responses() <-chan models.InboundMessage {
	return s.responses
}

func (s *WhatsAppService) emitResponse(msg models.InboundMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.responses <- msg:
		slog.Debug("WhatsAppService inbound message forwarded", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}

func (s *WhatsAppService) emitReceipt(r models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService receipts channel blocked, dropping receipt", "to", r.To)
	}
}

// inboundFromEvent converts a direct message into an inbound message. Text, images and
// documents are accepted; images and documents become attachments with their caption
// as the utterance. Own messages, group chats and other media are ignored.
func inboundFromEvent(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundMessage{}, false
	}
	msg := models.InboundMessage{
		MessageID: string(evt.Info.ID),
		From:      "+" + evt.Info.Sender.User,
		Channel:   models.ChannelWhatsApp,
		Time:      evt.Info.Timestamp.Unix(),
	}
	m := evt.Message
	switch {
	case m.GetConversation() != "":
		msg.Body = m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		msg.Body = m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		msg.Body = img.GetCaption()
		msg.Attachments = []models.Attachment{{URL: whatsappMediaScheme + string(evt.Info.ID), ContentType: img.GetMimetype()}}
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		msg.Body = doc.GetCaption()
		msg.Attachments = []models.Attachment{{URL: whatsappMediaScheme + string(evt.Info.ID), ContentType: doc.GetMimetype()}}
	default:
		slog.Debug("WhatsAppService ignoring unsupported message", "from", evt.Info.Sender.String())
		return models.InboundMessage{}, false
	}
	return msg, true
}

func receiptFromEvent(evt *events.Receipt) (models.Receipt, bool) {
	var status models.MessageStatus
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case types.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return models.Receipt{}, false
	}
	return models.Receipt{To: "+" + evt.MessageSource.Sender.User, Status: status, Time: evt.Timestamp.Unix()}, true
}
