// Package guardrail screens utterances for hostile, inappropriate or spam content.
package guardrail

import (
	"regexp"
	"strings"
)

// Category classifies why an utterance was flagged.
type Category string

const (
	CategoryNone          Category = ""
	CategoryHostile       Category = "hostile"
	CategoryInappropriate Category = "inappropriate"
	CategorySpam          Category = "spam"
)

// Verdict is the outcome of screening one utterance.
type Verdict struct {
	Flagged  bool
	Category Category
	Match    string
}

type rule struct {
	category Category
	re       *regexp.Regexp
	// context, when set, must also match for the rule to flag.
	context *regexp.Regexp
}

// patterns are case-insensitive and grouped by category; each covers the supported languages.
// Words that also name the firm's own matters (tax on crypto gains or lottery winnings,
// same-sex unions, revenge porn) are not listed on their own: they flag only inside
// solicitation phrases or together with promotion, see contextual.
var patterns = map[Category][]string{
	CategoryHostile: {
		// it
		`\b(vaffanculo|fanculo|stronz[oaie]|coglion[eia]|idiot[ae]|cretin[oaie]|deficiente|bastard[oaie]|pezzo di merda|ti ammazzo|vi ammazzo)\b`,
		// en
		`\b(fuck(ing)? you|fuck off|asshole|bitch|idiot|moron|stupid bot|shut up|kill you|piece of shit|bastard)\b`,
		// es
		`\b(hijo de puta|gilipollas|cabr[oó]n|pendejo|imb[eé]cil|idiota|vete a la mierda|te voy a matar)\b`,
		// fr
		`\b(connard|connasse|salope|encul\w*|ta gueule|va te faire foutre|je vais te tuer|abruti)\b`,
		// de
		`\b(arschloch|wichser|hurensohn|fick dich|halt die fresse|idiot|ich bringe dich um|vollidiot)\b`,
	},
	CategoryInappropriate: {
		`\b(send (me )?nudes|nudes pls|sex ?chat|sexting con me|escort)\b`,
		`\b((mandami|inviami) (delle )?foto nud[ae]|fare sesso con (te|me)|facciamo sesso)\b`,
		`\b(have sex with (you|me)|wanna (have )?sex|sexo (conmigo|contigo)|env[ií]ame fotos desnud[oa]s)\b`,
		`\b(coucher avec (toi|moi)|envoie(-moi)? des (photos )?nues?)\b`,
		`\b(sex mit (dir|mir)|schick mir nacktbilder)\b`,
	},
	CategorySpam: {
		`\b(viagra|cialis|guadagna subito|earn money fast|click here|clicca qui|cliquez ici|hier klicken)\b|\bhaz clic aqu[ií]`,
	},
}

// contextual are spam terms that flag only next to a link or a promotional phrase.
var contextual = []string{
	`\b(bitcoin|crypto(currency|valute)?|criptomonedas?|forex|lotter(y|ia)|trading)\b|\bcasin[oò]`,
}

var promoPattern = regexp.MustCompile(`(?i)(https?://|www\.)\S+|\b(guaranteed|garantit[oia]|garantizad[oa]s?|garantiert|double your|raddoppia|duplica tu|invest now|investi ora|invierte ahora|jetzt investieren|join now|iscriviti ora|signals?|segnali|bonus|profit(s|ti)? (garantit|guarant|sicur))`)

// Filter screens utterances against compiled patterns.
type Filter struct {
	rules         []rule
	maxLinks      int
	maxRepeatRune int
}

// NewFilter compiles the built-in patterns. Extra hostile terms, if any, are matched as
// whole words.
func NewFilter(extraHostile ...string) *Filter {
	f := &Filter{maxLinks: 2, maxRepeatRune: 20}
	for _, cat := range []Category{CategoryHostile, CategoryInappropriate, CategorySpam} {
		for _, p := range patterns[cat] {
			f.rules = append(f.rules, rule{category: cat, re: regexp.MustCompile(`(?i)` + p)})
		}
	}
	for _, p := range contextual {
		f.rules = append(f.rules, rule{category: CategorySpam, re: regexp.MustCompile(`(?i)` + p), context: promoPattern})
	}
	if len(extraHostile) > 0 {
		quoted := make([]string, 0, len(extraHostile))
		for _, term := range extraHostile {
			if term = strings.TrimSpace(term); term != "" {
				quoted = append(quoted, regexp.QuoteMeta(term))
			}
		}
		if len(quoted) > 0 {
			re := regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
			f.rules = append(f.rules, rule{category: CategoryHostile, re: re})
		}
	}
	return f
}

var linkPattern = regexp.MustCompile(`(?i)(https?://|www\.)\S+`)

// Check screens one utterance. An empty utterance is never flagged.
func (f *Filter) Check(utterance string) Verdict {
	text := strings.TrimSpace(utterance)
	if text == "" {
		return Verdict{}
	}
	for _, r := range f.rules {
		if m := r.re.FindString(text); m != "" {
			if r.context != nil && !r.context.MatchString(text) {
				continue
			}
			return Verdict{Flagged: true, Category: r.category, Match: m}
		}
	}
	if links := linkPattern.FindAllString(text, -1); len(links) > f.maxLinks {
		return Verdict{Flagged: true, Category: CategorySpam, Match: links[0]}
	}
	if run, ok := longestRun(text); ok && run > f.maxRepeatRune {
		return Verdict{Flagged: true, Category: CategorySpam, Match: "repeated characters"}
	}
	return Verdict{}
}

// longestRun returns the longest run of one repeated non-space rune.
func longestRun(text string) (int, bool) {
	best, cur := 0, 0
	var prev rune
	for i, r := range text {
		if i > 0 && r == prev && r != ' ' {
			cur++
		} else {
			cur = 1
		}
		if cur > best {
			best = cur
		}
		prev = r
	}
	return best, best > 0
}
