// Package models defines the core data structures for ConsultPipe.
//
// It includes the conversation context, the booking-journey state machine, inbound
// message envelopes and the API response types shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxUtteranceLength defines the maximum accepted length of one inbound utterance.
	MaxUtteranceLength = 4096
	// MaxIdentifierLength defines the maximum accepted length of a participant identifier.
	MaxIdentifierLength = 128
)

// Error variables for better error handling and testability
var (
	ErrEmptyIdentifier         = errors.New("identifier cannot be empty")
	ErrIdentifierTooLong       = errors.New("identifier exceeds maximum length")
	ErrUtteranceTooLong        = errors.New("utterance exceeds maximum length")
	ErrContextNotFound         = errors.New("conversation context not found")
	ErrProviderUnavailable     = errors.New("provider unavailable")
	ErrPersistenceUnavailable  = errors.New("persistence unavailable")
	ErrMalformedClassification = errors.New("malformed classification")
	ErrInvalidTransition       = errors.New("invalid state transition")
	ErrInvalidState            = errors.New("invalid state")
	ErrInvalidClientType       = errors.New("invalid client type")
)

// Channel identifies the transport a turn arrived on.
type Channel string

const (
	// ChannelWhatsApp is a WhatsApp chat (Twilio or whatsmeow).
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelSMS is a plain SMS conversation.
	ChannelSMS Channel = "sms"
	// ChannelVoice is a phone call with speech recognition.
	ChannelVoice Channel = "voice"
	// ChannelAPI is the JSON turn endpoint.
	ChannelAPI Channel = "api"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelWhatsApp, ChannelSMS, ChannelVoice, ChannelAPI:
		return true
	default:
		return false
	}
}

// Attachment is a media item sent alongside an utterance, such as a payment receipt.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// InboundMessage is a message received from a transport, before it becomes a turn.
type InboundMessage struct {
	MessageID   string       `json:"message_id"`
	From        string       `json:"from"`
	Body        string       `json:"body"`
	Channel     Channel      `json:"channel"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Time        int64        `json:"time"`
}

// Validate checks that the inbound message can be turned into a turn.
func (m InboundMessage) Validate() error {
	if m.From == "" {
		return ErrEmptyIdentifier
	}
	if len(m.From) > MaxIdentifierLength {
		return ErrIdentifierTooLong
	}
	if len(m.Body) > MaxUtteranceLength {
		return ErrUtteranceTooLong
	}
	return nil
}

// MessageStatus represents the delivery status of an outbound reply.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records the delivery status of one outbound reply.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// NewReceipt stamps a receipt with the current time.
func NewReceipt(to string, status MessageStatus) Receipt {
	return Receipt{To: to, Status: status, Time: time.Now().Unix()}
}

// TurnRequest is the JSON payload accepted by the turn endpoint.
type TurnRequest struct {
	ID          string       `json:"id"`
	Utterance   string       `json:"utterance"`
	Channel     Channel      `json:"channel,omitempty"`
	LangHint    string       `json:"lang_hint,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ClientTypeUpdate is the payload for changing a participant's client type.
type ClientTypeUpdate struct {
	ClientType ClientType `json:"client_type"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates an inbound message was queued for asynchronous processing.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Accepted creates a response for messages queued for asynchronous handling.
func Accepted() APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusAccepted).
		Build()
}
