package intent

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	strongNamePattern = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:mi chiamo|il mio nome [èe]|my name is|me llamo|mi nombre es|je m'appelle|mon nom est|ich hei(?:ß|ss)e|mein name ist)\s+(\p{L}[\p{L}'-]*)(?:\s+(\p{L}[\p{L}'-]*))?`)
	weakNamePattern   = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:sono|i am|i'm|soy|je suis|ich bin)\s+(\p{L}[\p{L}'-]*)(?:\s+(\p{L}[\p{L}'-]*))?`)
	bareNamePattern   = regexp.MustCompile(`^\p{L}[\p{L}'-]{1,29}(?:\s+\p{L}[\p{L}'-]{1,29})?$`)
)

// notNames are words that follow "sono"/"I am" or stand alone without being a name.
var notNames = map[string]bool{
	"a": true, "an": true, "the": true, "un": true, "una": true, "uno": true, "il": true, "la": true,
	"une": true, "ein": true, "eine": true, "de": true, "el": true, "qui": true, "here": true, "aqui": true, "aquí": true, "hier": true,
	"interessato": true, "interessata": true, "interested": true, "interesado": true, "interesada": true, "intéressé": true, "intéressée": true, "interessiert": true,
	"looking": true, "cliente": true, "client": true, "kunde": true, "nuovo": true, "nuova": true, "new": true, "nuevo": true, "nouveau": true, "neu": true,
	"no": true, "non": true, "not": true, "nein": true, "grazie": true, "thanks": true, "gracias": true, "merci": true, "danke": true,
	"boh": true, "niente": true, "nothing": true, "nada": true, "rien": true, "nichts": true,
}

// ExtractName finds a person's name in an utterance. Explicit introductions such as
// "mi chiamo Mario" always count; weaker forms ("sono Mario") and a bare name are
// accepted only when allowBare is set, i.e. when the assistant has just asked for it.
func ExtractName(utterance string, allowBare bool) (string, bool) {
	text := strings.TrimSpace(strings.NewReplacer("’", "'").Replace(utterance))
	text = strings.TrimRight(text, ".!?,; ")
	if m := strongNamePattern.FindStringSubmatch(text); m != nil {
		return buildName(m[1], m[2])
	}
	if !allowBare {
		return "", false
	}
	if m := weakNamePattern.FindStringSubmatch(text); m != nil {
		return buildName(m[1], m[2])
	}
	if bareNamePattern.MatchString(text) {
		parts := strings.Fields(text)
		second := ""
		if len(parts) == 2 {
			second = parts[1]
		}
		return buildName(parts[0], second)
	}
	return "", false
}

func buildName(first, second string) (string, bool) {
	if first == "" || notNames[strings.ToLower(first)] {
		return "", false
	}
	name := titleCase(first)
	// A second word counts only when capitalised, so "Mario and..." stays "Mario".
	if second != "" && !notNames[strings.ToLower(second)] {
		if r := []rune(second); unicode.IsUpper(r[0]) {
			name += " " + titleCase(second)
		}
	}
	return name, true
}

func titleCase(word string) string {
	r := []rune(strings.ToLower(word))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
