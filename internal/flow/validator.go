package flow

import (
	"github.com/BTreeMap/ConsultPipe/internal/models"
)

// LowConfidenceThreshold is the confidence below which any intent becomes CLARIFY.
const LowConfidenceThreshold = 0.35

// Note tags a validation decision for telemetry.
type Note string

const (
	NoteLowConfidence     Note = "low_confidence"
	NoteActiveClient      Note = "active_client_override"
	NoteKnownName         Note = "known_name_redirect"
	NoteInvalidTransition Note = "invalid_transition"
)

// Validation is the validator output. Intent is the effective intent.
type Validation struct {
	Intent   models.Intent
	Original models.Intent
	Note     Note
}

// Overridden reports whether the active-client rule forced the intent.
func (v Validation) Overridden() bool {
	return v.Note == NoteActiveClient
}

// Validate applies the active-client override, confidence gating, the known-name
// redirect and the transition table check. The active-client override outranks every
// other rule, low confidence included. It reads conv and never mutates it.
// An illegal transition keeps the intent and only tags the result.
func Validate(conv *models.ConversationContext, in models.Intent, confidence float64) Validation {
	v := Validation{Intent: in, Original: in}

	if conv.IsActiveClient() {
		v.Intent = models.IntentRouteActive
		v.Note = NoteActiveClient
		return v
	}
	if confidence < LowConfidenceThreshold {
		v.Intent = models.IntentClarify
		v.Note = NoteLowConfidence
		return v
	}
	if in == models.IntentAskName && conv.Name != "" {
		v.Intent = models.IntentAskService
		v.Note = NoteKnownName
		return v
	}
	if target, ok := models.TargetState(conv.State, in); ok && !models.IsLegalTransition(conv.State, target) {
		v.Note = NoteInvalidTransition
	}
	return v
}
