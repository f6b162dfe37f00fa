package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/models"
	"github.com/BTreeMap/ConsultPipe/internal/twiliowhatsapp"
)

const (
	// DefaultChannelBufferSize is the buffer of the receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds a blocked send on those channels.
	DefaultChannelTimeout = 1 * time.Second
)

var (
	ErrServiceStopped   = errors.New("messaging service stopped")
	ErrNoService        = errors.New("no messaging service for channel")
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient and returns the form the
	// service sends to.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., event subscription).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of delivery receipts.
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound participant messages.
	Responses() <-chan models.InboundMessage
}

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// ParticipantID maps a transport address ("whatsapp:+39 333...", "+39333...") onto the
// E.164 participant identifier used as the context key.
func ParticipantID(addr string) (string, error) {
	if strings.TrimSpace(addr) == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidRecipient)
	}
	bare := addr
	if twiliowhatsapp.IsWhatsApp(bare) {
		bare = bare[len(twiliowhatsapp.WhatsAppPrefix):]
	}
	digits := phoneNumberRegex.ReplaceAllString(bare, "")
	if len(digits) < 6 {
		return "", fmt.Errorf("%w: %q has fewer than 6 digits", ErrInvalidRecipient, addr)
	}
	return "+" + digits, nil
}

// Address is the transport address a reply on channel ch is sent to.
func Address(ch models.Channel, participantID string) string {
	if ch == models.ChannelWhatsApp {
		return twiliowhatsapp.WhatsAppPrefix + participantID
	}
	return participantID
}
