package flow

import (
	"regexp"

	"github.com/BTreeMap/ConsultPipe/internal/locale"
	"github.com/BTreeMap/ConsultPipe/internal/models"
)

// Loop guard defaults.
const (
	DefaultClarifyThreshold = 3
	DefaultLongConversation = 40
)

// Escalation reasons.
const (
	ReasonClarifyLoop      = "clarify_loop"
	ReasonRepeatedReply    = "repeated_reply"
	ReasonLongConversation = "long_conversation"
	ReasonHumanRequested   = "human_requested"
)

// Verdict is the loop guard decision for a turn. Escalate replaces the reply with
// Message; Recommend appends Message to the reply.
type Verdict struct {
	Escalate  bool
	Recommend bool
	Reason    string
	Message   string
}

// LoopGuard detects stuck conversations and hands them to a human.
type LoopGuard struct {
	catalog          *locale.Catalog
	clarifyThreshold int
	longConversation int
}

// NewLoopGuard creates a guard. Non-positive thresholds select the defaults.
func NewLoopGuard(catalog *locale.Catalog, clarifyThreshold, longConversation int) *LoopGuard {
	if catalog == nil {
		catalog = locale.MustDefault()
	}
	if clarifyThreshold <= 0 {
		clarifyThreshold = DefaultClarifyThreshold
	}
	if longConversation <= 0 {
		longConversation = DefaultLongConversation
	}
	return &LoopGuard{catalog: catalog, clarifyThreshold: clarifyThreshold, longConversation: longConversation}
}

// Check evaluates the triggers against the context as it stands after the executor ran
// and before the new reply is appended to history. priorClarify is the clarify counter
// at the start of the turn, so a conversation that already reached the threshold
// escalates whatever the classifier said this time. Check never changes the state.
func (g *LoopGuard) Check(conv *models.ConversationContext, priorClarify int, in models.Intent, reply, lang string) Verdict {
	if priorClarify >= g.clarifyThreshold || conv.ClarifyCount > g.clarifyThreshold {
		return g.escalate(ReasonClarifyLoop, lang)
	}
	if last, ok := conv.LastAssistantReply(); ok && last == reply {
		return g.escalate(ReasonRepeatedReply, lang)
	}
	if conv.TurnCount > g.longConversation && !conv.SlotBool(models.SlotHandoffOffered) {
		return Verdict{Recommend: true, Reason: ReasonLongConversation, Message: g.catalog.Render("handoff_offer", lang, nil)}
	}
	return Verdict{}
}

var humanRequest = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:operator[ei]?|operador|op[ée]rateur|mitarbeiter(?:in)?|agente|human[oa]?|umano|persona reale|real person|parlare con qualcuno|talk to someone|hablar con alguien|parler [àa] quelqu'un|mit einem menschen)(?:$|[^\p{L}])`)

// WantsHuman reports an explicit request for a human once a handoff was offered.
func (g *LoopGuard) WantsHuman(conv *models.ConversationContext, utterance string) bool {
	return conv.SlotBool(models.SlotHandoffOffered) && humanRequest.MatchString(utterance)
}

// Handoff returns the escalation verdict for an explicit request.
func (g *LoopGuard) Handoff(lang string) Verdict {
	return g.escalate(ReasonHumanRequested, lang)
}

func (g *LoopGuard) escalate(reason, lang string) Verdict {
	return Verdict{Escalate: true, Reason: reason, Message: g.catalog.Render("handoff", lang, nil)}
}
