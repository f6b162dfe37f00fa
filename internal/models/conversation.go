package models

import (
	"strconv"
	"time"
)

// ClientType distinguishes prospects from clients with an existing case.
type ClientType string

const (
	ClientTypeNew    ClientType = "new"
	ClientTypeActive ClientType = "active"
)

// IsValid reports whether c is a known client type.
func (c ClientType) IsValid() bool {
	return c == ClientTypeNew || c == ClientTypeActive
}

// Well-known slot keys. Values are opaque strings owned by the skill that writes them.
const (
	SlotService          = "service"
	SlotChannel          = "channel"
	SlotCandidateSlots   = "candidate_slots"
	SlotChosenSlot       = "chosen_slot"
	SlotAwaitingPayment  = "awaiting_payment"
	SlotPaymentVerified  = "payment_verified"
	SlotBookingPending   = "booking_pending"
	SlotAbuseCount       = "abuse_count"
	SlotSessionClosed    = "session_closed"
	SlotHandoffRequested = "handoff_requested"
	SlotHandoffOffered   = "handoff_offered"
)

// Roles used in history entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultHistoryLimit is the number of history entries kept after trimming.
const DefaultHistoryLimit = 50

// HistoryEntry is one message in a conversation history.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationContext is the persisted state of one participant's conversation.
type ConversationContext struct {
	ID           string            `json:"id"`
	Lang         string            `json:"lang,omitempty"`
	Name         string            `json:"name,omitempty"`
	ClientType   ClientType        `json:"client_type"`
	State        State             `json:"state"`
	Stage        Stage             `json:"stage,omitempty"`
	Slots        map[string]string `json:"slots,omitempty"`
	History      []HistoryEntry    `json:"history,omitempty"`
	ClarifyCount int               `json:"clarify_count"`
	TurnCount    int               `json:"turn_count"`
	Channel      Channel           `json:"channel,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewConversationContext creates the context for a first-time participant.
func NewConversationContext(id string) *ConversationContext {
	now := time.Now()
	return &ConversationContext{
		ID:         id,
		ClientType: ClientTypeNew,
		State:      StateInitial,
		Slots:      make(map[string]string),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy so callers can hand out snapshots.
func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Slots = make(map[string]string, len(c.Slots))
	for k, v := range c.Slots {
		out.Slots[k] = v
	}
	if c.History != nil {
		out.History = make([]HistoryEntry, len(c.History))
		copy(out.History, c.History)
	}
	return &out
}

// Normalize repairs fields that would violate context invariants after decoding.
func (c *ConversationContext) Normalize() {
	if c.Slots == nil {
		c.Slots = make(map[string]string)
	}
	if !c.State.IsValid() {
		c.State = StateInitial
	}
	if !c.ClientType.IsValid() {
		c.ClientType = ClientTypeNew
	}
}

// IsActiveClient reports whether the participant already has an open case.
func (c *ConversationContext) IsActiveClient() bool {
	return c.ClientType == ClientTypeActive
}

// Slot returns the slot value or "" when unset.
func (c *ConversationContext) Slot(key string) string {
	if c.Slots == nil {
		return ""
	}
	return c.Slots[key]
}

// SetSlot stores a slot value, allocating the bag if needed.
func (c *ConversationContext) SetSlot(key, value string) {
	if c.Slots == nil {
		c.Slots = make(map[string]string)
	}
	c.Slots[key] = value
}

// ClearSlot removes a slot.
func (c *ConversationContext) ClearSlot(key string) {
	delete(c.Slots, key)
}

// SlotBool interprets a slot written with SetSlotBool.
func (c *ConversationContext) SlotBool(key string) bool {
	v, err := strconv.ParseBool(c.Slot(key))
	return err == nil && v
}

// SetSlotBool stores a boolean slot.
func (c *ConversationContext) SetSlotBool(key string, v bool) {
	c.SetSlot(key, strconv.FormatBool(v))
}

// SlotInt interprets a numeric slot; malformed values read as 0.
func (c *ConversationContext) SlotInt(key string) int {
	n, err := strconv.Atoi(c.Slot(key))
	if err != nil {
		return 0
	}
	return n
}

// SetSlotInt stores a numeric slot.
func (c *ConversationContext) SetSlotInt(key string, n int) {
	c.SetSlot(key, strconv.Itoa(n))
}

// AppendHistory adds one entry to the end of the history.
func (c *ConversationContext) AppendHistory(role, content string, at time.Time) {
	c.History = append(c.History, HistoryEntry{Role: role, Content: content, Timestamp: at})
}

// TrimHistory keeps only the most recent limit entries.
func (c *ConversationContext) TrimHistory(limit int) {
	if limit <= 0 || len(c.History) <= limit {
		return
	}
	trimmed := make([]HistoryEntry, limit)
	copy(trimmed, c.History[len(c.History)-limit:])
	c.History = trimmed
}

// LastAssistantReply returns the most recent assistant message, if any.
func (c *ConversationContext) LastAssistantReply() (string, bool) {
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Role == RoleAssistant {
			return c.History[i].Content, true
		}
	}
	return "", false
}
