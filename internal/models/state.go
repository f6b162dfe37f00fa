// Package models defines state management structures for ConsultPipe conversations.
package models

import "strings"

// State is a position in the consultation-booking journey.
type State string

const (
	StateInitial          State = "INITIAL"
	StateGreeting         State = "GREETING"
	StateAskName          State = "ASK_NAME"
	StateAskService       State = "ASK_SERVICE"
	StateProposeConsult   State = "PROPOSE_CONSULT"
	StateAskChannel       State = "ASK_CHANNEL"
	StateAskSlot          State = "ASK_SLOT"
	StateAskPayment       State = "ASK_PAYMENT"
	StateConfirmed        State = "CONFIRMED"
	StateRouteActive      State = "ROUTE_ACTIVE"
	StateAskClarification State = "ASK_CLARIFICATION"
)

// AllStates lists every member of the state enumeration in journey order.
var AllStates = []State{
	StateInitial, StateGreeting, StateAskName, StateAskService, StateProposeConsult,
	StateAskChannel, StateAskSlot, StateAskPayment, StateConfirmed, StateRouteActive,
	StateAskClarification,
}

// IsValid reports whether s is a member of the state enumeration.
func (s State) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// ParseState converts a persisted or user-supplied value into a State.
func ParseState(v string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", ErrInvalidState
	}
	return s, nil
}

// Intent is the classified purpose of one utterance.
type Intent string

const (
	IntentGreet          Intent = "GREET"
	IntentAskName        Intent = "ASK_NAME"
	IntentAskService     Intent = "ASK_SERVICE"
	IntentProposeConsult Intent = "PROPOSE_CONSULT"
	IntentAskChannel     Intent = "ASK_CHANNEL"
	IntentAskSlot        Intent = "ASK_SLOT"
	IntentAskPayment     Intent = "ASK_PAYMENT"
	IntentConfirm        Intent = "CONFIRM"
	IntentRouteActive    Intent = "ROUTE_ACTIVE"
	IntentClarify        Intent = "CLARIFY"
	IntentWhoAreYou      Intent = "WHO_ARE_YOU"
	IntentUnknown        Intent = "UNKNOWN"
	IntentAbuse          Intent = "ABUSE"
)

// AllIntents lists the full intent vocabulary.
var AllIntents = []Intent{
	IntentGreet, IntentAskName, IntentAskService, IntentProposeConsult, IntentAskChannel,
	IntentAskSlot, IntentAskPayment, IntentConfirm, IntentRouteActive, IntentClarify,
	IntentWhoAreYou, IntentUnknown, IntentAbuse,
}

var intentAliases = map[string]Intent{
	"REQUEST_SERVICE": IntentAskService,
	"ASK_COST":        IntentAskPayment,
}

// ParseIntent normalises a label (including the REQUEST_SERVICE and ASK_COST aliases).
// The second return value is false for labels outside the vocabulary.
func ParseIntent(label string) (Intent, bool) {
	v := strings.ToUpper(strings.TrimSpace(label))
	v = strings.ReplaceAll(v, "-", "_")
	v = strings.ReplaceAll(v, " ", "_")
	if alias, ok := intentAliases[v]; ok {
		return alias, true
	}
	for _, known := range AllIntents {
		if Intent(v) == known {
			return known, true
		}
	}
	return IntentUnknown, false
}

// transitionTable maps each state to the states it may legally move to.
// Self-transitions are implied and not listed.
var transitionTable = map[State][]State{
	StateInitial:          {StateAskName, StateAskService, StateRouteActive},
	StateGreeting:         {StateAskName, StateAskService, StateRouteActive},
	StateAskName:          {StateAskService},
	StateAskService:       {StateProposeConsult},
	StateProposeConsult:   {StateAskChannel, StateAskSlot},
	StateAskChannel:       {StateAskSlot},
	StateAskSlot:          {StateAskPayment},
	StateAskPayment:       {StateConfirmed},
	StateConfirmed:        {StateAskService, StateRouteActive},
	StateRouteActive:      {StateAskService, StateConfirmed},
	StateAskClarification: {StateAskName, StateAskService, StateProposeConsult, StateRouteActive},
}

// entryGroup folds INITIAL and GREETING into one group for lookups.
func entryGroup(s State) bool {
	return s == StateInitial || s == StateGreeting
}

// IsLegalTransition reports whether from→to is an edge of the transition table.
// Self-transitions are always legal, as are moves inside the INITIAL/GREETING group.
func IsLegalTransition(from, to State) bool {
	if from == to {
		return true
	}
	if entryGroup(from) && entryGroup(to) {
		return true
	}
	for _, next := range transitionTable[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LegalNextStates returns a copy of the table entry for s.
func LegalNextStates(s State) []State {
	next := transitionTable[s]
	out := make([]State, len(next))
	copy(out, next)
	return out
}

// IsAdvancing reports whether the intent moves the conversation along the journey.
// CLARIFY, WHO_ARE_YOU, UNKNOWN and ABUSE never move it and are legal from any state.
func (i Intent) IsAdvancing() bool {
	switch i {
	case IntentClarify, IntentWhoAreYou, IntentUnknown, IntentAbuse, "":
		return false
	default:
		return true
	}
}

// TargetState returns the journey step an advancing intent asks for from the given state.
// The boolean is false for non-advancing intents.
func TargetState(current State, i Intent) (State, bool) {
	switch i {
	case IntentGreet:
		return StateGreeting, true
	case IntentAskName:
		return StateAskName, true
	case IntentAskService:
		return StateAskService, true
	case IntentProposeConsult:
		return StateProposeConsult, true
	case IntentAskChannel:
		return StateAskChannel, true
	case IntentAskSlot:
		return StateAskSlot, true
	case IntentAskPayment:
		return StateAskPayment, true
	case IntentRouteActive:
		return StateRouteActive, true
	case IntentConfirm:
		return AffirmativeSuccessor(current), true
	default:
		return "", false
	}
}

// AffirmativeSuccessor is where a "yes" moves the conversation from s.
func AffirmativeSuccessor(s State) State {
	switch s {
	case StateProposeConsult:
		return StateAskChannel
	case StateAskChannel:
		return StateAskSlot
	case StateAskSlot:
		return StateAskPayment
	default:
		return StateConfirmed
	}
}

// Stage is a coarse, informational progress marker.
type Stage string

const (
	StageOnboarding   Stage = "onboarding"
	StageDiscovery    Stage = "discovery"
	StageScheduling   Stage = "scheduling"
	StagePayment      Stage = "payment"
	StageBooked       Stage = "booked"
	StageActiveClient Stage = "active_client"
)

// StageFor derives the stage for an intent that produced state next.
// The boolean is false when the intent leaves the stage unchanged.
func StageFor(i Intent, next State) (Stage, bool) {
	switch i {
	case IntentGreet, IntentAskName:
		return StageOnboarding, true
	case IntentAskService, IntentProposeConsult, IntentWhoAreYou:
		return StageDiscovery, true
	case IntentAskChannel, IntentAskSlot:
		return StageScheduling, true
	case IntentAskPayment:
		return StagePayment, true
	case IntentConfirm:
		if next == StateConfirmed {
			return StageBooked, true
		}
		return "", false
	case IntentRouteActive:
		return StageActiveClient, true
	default:
		return "", false
	}
}
