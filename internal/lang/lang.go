// Package lang detects the language of an utterance.
//
// Detection scores each supported language by common words and characteristic
// letters. It is deliberately cheap: it runs on every first turn and must never
// block on a provider.
package lang

import (
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

// DefaultLanguage is used when nothing else is configured.
const DefaultLanguage = "it"

var vocabulary = map[string][]string{
	"it": {
		"ciao", "buongiorno", "buonasera", "salve", "grazie", "prego", "sono", "mi", "chiamo",
		"vorrei", "voglio", "quanto", "costa", "come", "che", "non", "per", "una", "il", "della",
		"sì", "si", "va", "bene", "perfetto", "consulenza", "appuntamento", "aiuto", "ho",
		"bisogno", "chi", "sei", "pagamento", "grazie", "volevo", "sapere", "quando", "posso",
	},
	"en": {
		"hi", "hello", "hey", "thanks", "thank", "you", "i", "i'm", "my", "name", "is", "am", "the",
		"want", "would", "like", "how", "much", "does", "cost", "what", "who", "are", "yes",
		"please", "need", "help", "appointment", "consultation", "book", "can", "with", "and",
		"good", "morning", "evening", "payment",
	},
	"es": {
		"hola", "buenos", "buenas", "días", "gracias", "llamo", "me", "quiero", "quisiera",
		"cuánto", "cuanto", "cuesta", "cómo", "qué", "que", "necesito", "ayuda", "cita",
		"consulta", "sí", "vale", "por", "favor", "eres", "quién", "pago", "el", "los", "una",
		"tengo", "puedo",
	},
	"fr": {
		"bonjour", "bonsoir", "salut", "merci", "je", "m'appelle", "appelle", "suis", "voudrais",
		"veux", "combien", "coûte", "coute", "comment", "quoi", "besoin", "aide", "rendez-vous",
		"rendez", "consultation", "oui", "s'il", "plaît", "vous", "êtes", "qui", "paiement",
		"le", "les", "une", "est", "avec",
	},
	"de": {
		"hallo", "guten", "tag", "morgen", "danke", "ich", "heiße", "heisse", "bin", "möchte",
		"mochte", "will", "wie", "viel", "kostet", "was", "brauche", "hilfe", "termin",
		"beratung", "ja", "bitte", "sie", "wer", "sind", "zahlung", "der", "die", "das", "und",
		"ein", "eine", "mit",
	},
}

// letterHints are characters that strongly suggest one language.
var letterHints = map[rune]string{
	'ñ': "es", '¿': "es", '¡': "es",
	'ß': "de", 'ä': "de", 'ö': "de", 'ü': "de",
	'ç': "fr", 'œ': "fr", 'ê': "fr", 'â': "fr", 'î': "fr", 'ô': "fr", 'û': "fr",
	'ò': "it", 'ù': "it", 'ì': "it",
}

// Detector maps utterances and channel hints onto the supported languages.
type Detector struct {
	supported   []string
	tags        []language.Tag
	matcher     language.Matcher
	defaultLang string
	words       map[string]map[string]bool
}

// NewDetector creates a detector for the given languages. The default language is
// always included and listed first so the matcher prefers it on ties.
func NewDetector(defaultLang string, supported ...string) *Detector {
	if defaultLang == "" {
		defaultLang = DefaultLanguage
	}
	langs := []string{defaultLang}
	for _, l := range supported {
		if l != defaultLang {
			langs = append(langs, l)
		}
	}
	if len(supported) == 0 {
		for l := range vocabulary {
			if l != defaultLang {
				langs = append(langs, l)
			}
		}
	}

	tags := make([]language.Tag, 0, len(langs))
	for _, l := range langs {
		tags = append(tags, language.Make(l))
	}

	words := make(map[string]map[string]bool, len(langs))
	for _, l := range langs {
		set := make(map[string]bool, len(vocabulary[l]))
		for _, w := range vocabulary[l] {
			set[w] = true
		}
		words[l] = set
	}

	return &Detector{
		supported:   langs,
		tags:        tags,
		matcher:     language.NewMatcher(tags),
		defaultLang: defaultLang,
		words:       words,
	}
}

// Default returns the fallback language.
func (d *Detector) Default() string {
	return d.defaultLang
}

// Supported reports whether lang is one of the detector's languages.
func (d *Detector) Supported(lang string) bool {
	for _, l := range d.supported {
		if l == lang {
			return true
		}
	}
	return false
}

// Normalize maps a BCP 47 hint such as "it-IT", "en_US" or "es-419" onto a supported
// base language. The boolean is false when the hint does not match any of them.
func (d *Detector) Normalize(hint string) (string, bool) {
	hint = strings.TrimSpace(strings.ReplaceAll(hint, "_", "-"))
	if hint == "" {
		return "", false
	}
	tag, err := language.Parse(hint)
	if err != nil {
		return "", false
	}
	_, idx, conf := d.matcher.Match(tag)
	if conf < language.High {
		return "", false
	}
	return d.supported[idx], true
}

// Detect returns the most likely language of text. confident is false when no
// language scored or two languages tied, in which case the default is returned.
func (d *Detector) Detect(text string) (lang string, confident bool) {
	scores := make(map[string]int, len(d.supported))
	for _, r := range strings.ToLower(text) {
		if l, ok := letterHints[r]; ok && d.Supported(l) {
			scores[l] += 2
		}
	}
	for _, token := range tokenize(text) {
		for _, l := range d.supported {
			if d.words[l][token] {
				scores[l]++
			}
		}
	}

	best, bestScore, runnerUp := "", 0, 0
	// Supported order keeps the result deterministic.
	for _, l := range d.supported {
		s := scores[l]
		switch {
		case s > bestScore:
			runnerUp = bestScore
			best, bestScore = l, s
		case s > runnerUp:
			runnerUp = s
		}
	}
	if bestScore == 0 || bestScore == runnerUp {
		slog.Debug("Detector.Detect: no confident language", "scores", scores)
		return d.defaultLang, false
	}
	return best, true
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}
