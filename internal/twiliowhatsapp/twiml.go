package twiliowhatsapp

import (
	"fmt"

	"github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

// voiceLanguages maps catalog languages onto Twilio speech locales.
var voiceLanguages = map[string]string{
	"it": "it-IT",
	"en": "en-US",
	"es": "es-ES",
	"fr": "fr-FR",
	"de": "de-DE",
}

// VoiceLanguage returns the Twilio locale for a catalog language, defaulting to it-IT.
func VoiceLanguage(lang string) string {
	if l, ok := voiceLanguages[lang]; ok {
		return l
	}
	return voiceLanguages["it"]
}

// MessagingReply renders a messaging TwiML document. An empty body renders an empty
// <Response/>, which acknowledges the webhook without replying.
func MessagingReply(body string) (string, error) {
	var verbs []twiml.Element
	if body != "" {
		verbs = append(verbs, &twiml.MessagingMessage{Body: body})
	}
	doc, err := twiml.Messages(verbs)
	if err != nil {
		return "", fmt.Errorf("failed to render messaging TwiML: %w", err)
	}
	return doc, nil
}

// VoiceReply speaks the reply and gathers the caller's next utterance as speech. The
// gather posts back to action. When the caller says nothing the call ends with noInput,
// or is redirected to action again when noInput is empty.
func VoiceReply(say, noInput, lang, action string) (string, error) {
	locale := VoiceLanguage(lang)
	gather := &twiml.VoiceGather{
		Input:         "speech",
		Action:        action,
		Method:        "POST",
		Language:      locale,
		SpeechTimeout: "auto",
		InnerElements: []twiml.Element{
			&twiml.VoiceSay{Message: say, Language: locale},
		},
	}
	verbs := []twiml.Element{gather}
	if noInput != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: noInput, Language: locale}, &twiml.VoiceHangup{})
	} else {
		verbs = append(verbs, &twiml.VoiceRedirect{Url: action, Method: "POST"})
	}
	doc, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("failed to render voice TwiML: %w", err)
	}
	return doc, nil
}

// VoiceHangup speaks a final message and ends the call.
func VoiceHangup(say, lang string) (string, error) {
	locale := VoiceLanguage(lang)
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: say, Language: locale},
		&twiml.VoiceHangup{},
	})
	if err != nil {
		return "", fmt.Errorf("failed to render voice TwiML: %w", err)
	}
	return doc, nil
}

// SignatureValidator checks the X-Twilio-Signature header of webhook requests.
type SignatureValidator struct {
	validator client.RequestValidator
}

// NewSignatureValidator creates a validator for the account's auth token.
func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{validator: client.NewRequestValidator(authToken)}
}

// Valid reports whether signature matches the full request URL and form parameters.
func (v *SignatureValidator) Valid(url string, params map[string]string, signature string) bool {
	return v.validator.Validate(url, params, signature)
}
