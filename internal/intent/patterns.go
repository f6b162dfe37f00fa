package intent

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/ConsultPipe/internal/models"
)

// rule is one intent's pattern set. Rules are kept in priority order: when several
// intents are present the earliest rule wins.
type rule struct {
	name     string
	intent   models.Intent
	anchored bool // must match at the start of the utterance
	byLang   map[string][]string
}

var rules = []rule{
	{
		name:   "service_request",
		intent: models.IntentAskService,
		byLang: map[string][]string{
			"it": {`servizi`, `servizio`, `avvocat\p{L}*`, `assistenza legale`, `permesso di soggiorno`, `cittadinanza`, `ricongiungimento`, `divorzio`, `separazione`, `affidamento`, `tasse`, `dichiarazione dei redditi`, `licenziamento`, `contratto di lavoro`},
			"en": {`services?`, `lawyer`, `attorney`, `visa`, `residence permit`, `citizenship`, `divorce`, `custody`, `tax return`, `taxes`, `dismissal`, `fired`, `employment contract`},
			"es": {`servicios?`, `abogad\p{L}*`, `visado`, `permiso de residencia`, `ciudadan[ií]a`, `divorcio`, `custodia`, `impuestos`, `declaraci[oó]n de la renta`, `despido`},
			"fr": {`services?`, `avocat\p{L}*`, `titre de s[ée]jour`, `citoyennet[ée]`, `naturalisation`, `divorce`, `imp[ôo]ts`, `d[ée]claration de revenus`, `licenciement`},
			"de": {`dienstleistung\p{L}*`, `anwalt`, `anw[äa]ltin`, `visum`, `aufenthaltstitel`, `staatsb[üu]rgerschaft`, `einb[üu]rgerung`, `scheidung`, `sorgerecht`, `steuer\p{L}*`, `k[üu]ndigung`},
		},
	},
	{
		name:   "cost",
		intent: models.IntentAskPayment,
		byLang: map[string][]string{
			"it": {`quanto costa`, `quanto viene`, `costo`, `costi`, `prezz[oi]`, `tariff\p{L}*`, `parcella`},
			"en": {`how much`, `cost`, `costs`, `price`, `prices`, `fee`, `fees`, `rate`},
			"es": {`cu[aá]nto cuesta`, `cu[aá]nto vale`, `precio`, `precios`, `coste`, `costo`, `tarifa`},
			"fr": {`combien`, `co[uû]t`, `prix`, `tarif\p{L}*`, `honoraires`},
			"de": {`wie viel`, `wieviel`, `was kostet`, `kosten`, `preis`, `preise`, `honorar`},
		},
	},
	{
		name:   "scheduling",
		intent: models.IntentAskSlot,
		byLang: map[string][]string{
			"it": {`quando`, `disponibilit\p{L}*`, `orari\p{L}*`, `appuntament\p{L}*`, `prenot\p{L}*`, `domani`, `dopodomani`},
			"en": {`when`, `available`, `availability`, `appointment`, `schedule`, `book`, `booking`, `tomorrow`, `time slot`},
			"es": {`cu[aá]ndo`, `disponibilidad`, `disponible`, `cita`, `horario\p{L}*`, `reserv\p{L}*`, `ma[ñn]ana`},
			"fr": {`quand`, `disponibilit[ée]s?`, `disponible`, `rendez-vous`, `cr[ée]neau\p{L}*`, `r[ée]serv\p{L}*`, `demain`},
			"de": {`wann`, `termin\p{L}*`, `verf[üu]gbar\p{L}*`, `buchen`},
		},
	},
	{
		name:   "payment",
		intent: models.IntentAskPayment,
		byLang: map[string][]string{
			"it": {`pagament\p{L}*`, `pagare`, `pagato`, `pagata`, `bonifico`, `ricevuta`, `iban`},
			"en": {`payment`, `pay`, `paid`, `receipt`, `bank transfer`},
			"es": {`pago`, `pagar`, `pagado`, `transferencia`, `recibo`, `comprobante`},
			"fr": {`paiement`, `payer`, `pay[ée]`, `virement`, `re[çc]u`},
			"de": {`zahlung`, `bezahl\p{L}*`, `[üu]berweisung`, `quittung`, `beleg`},
		},
	},
	{
		name:   "existing_case",
		intent: models.IntentRouteActive,
		byLang: map[string][]string{
			"it": {`la mia pratica`, `il mio caso`, `gi[àa] cliente`, `mio fascicolo`},
			"en": {`my case`, `my file`, `existing case`, `already a client`},
			"es": {`mi caso`, `mi expediente`, `ya soy cliente`},
			"fr": {`mon dossier`, `mon affaire`, `d[ée]j[àa] client\p{L}*`},
			"de": {`mein fall`, `meine akte`, `bereits kunde`, `schon kunde`},
		},
	},
	{
		name:   "consultation",
		intent: models.IntentProposeConsult,
		byLang: map[string][]string{
			"it": {`consulenz\p{L}*`, `colloquio`},
			"en": {`consultation`, `consult`},
			"es": {`consulta`, `consultas`, `asesor[ií]a`},
			"fr": {`consultation`, `conseil`},
			"de": {`beratung\p{L}*`, `erstgespr[äa]ch`},
		},
	},
	{
		name:   "channel",
		intent: models.IntentAskChannel,
		byLang: map[string][]string{
			"it": {`videochiamata`, `video`, `telefon\p{L}*`, `chiamata`, `in presenza`, `in ufficio`},
			"en": {`video call`, `video`, `phone`, `call`, `in person`, `office`},
			"es": {`videollamada`, `llamada`, `tel[ée]fono`, `presencial`, `oficina`},
			"fr": {`visio\p{L}*`, `t[ée]l[ée]phone`, `appel`, `en personne`, `bureau`},
			"de": {`videoanruf`, `anruf`, `telefon\p{L}*`, `vor ort`, `b[üu]ro`},
		},
	},
	{
		name:   "name",
		intent: models.IntentAskName,
		byLang: map[string][]string{
			"it": {`mi chiamo`, `il mio nome [èe]`},
			"en": {`my name is`},
			"es": {`me llamo`, `mi nombre es`},
			"fr": {`je m'appelle`, `mon nom est`},
			"de": {`ich hei(?:ß|ss)e`, `mein name ist`},
		},
	},
	{
		name:     "confirmation",
		intent:   models.IntentConfirm,
		anchored: true,
		byLang: map[string][]string{
			"it": {`s[iìí]`, `certo`, `certamente`, `ok`, `okay`, `va bene`, `perfetto`, `d'accordo`, `esatto`, `confermo`},
			"en": {`yes`, `yeah`, `yep`, `sure`, `of course`, `sounds good`, `confirm`},
			"es": {`claro`, `vale`, `de acuerdo`, `perfecto`, `confirmo`},
			"fr": {`oui`, `d'accord`, `bien s[uû]r`, `parfait`, `je confirme`},
			"de": {`ja`, `genau`, `gerne`, `einverstanden`, `passt`},
		},
	},
	{
		name:   "greeting",
		intent: models.IntentGreet,
		byLang: map[string][]string{
			"it": {`ciao`, `buongiorno`, `buonasera`, `salve`},
			"en": {`hello`, `hi`, `hey`, `good morning`, `good afternoon`, `good evening`},
			"es": {`hola`, `buenos d[ií]as`, `buenas tardes`, `buenas noches`},
			"fr": {`bonjour`, `bonsoir`, `salut`},
			"de": {`hallo`, `guten tag`, `guten morgen`, `guten abend`, `servus`, `moin`},
		},
	},
	{
		name:   "clarification",
		intent: models.IntentClarify,
		byLang: map[string][]string{
			"it": {`non capisco`, `non ho capito`, `cosa intendi`, `in che senso`},
			"en": {`what do you mean`, `i don't understand`, `i do not understand`, `don't get it`},
			"es": {`no entiendo`, `no comprendo`, `qu[ée] quieres decir`},
			"fr": {`je ne comprends pas`, `que voulez-vous dire`, `c'est-[àa]-dire`},
			"de": {`ich verstehe nicht`, `was meinst du`, `wie meinen sie`},
		},
	},
	{
		name:   "who",
		intent: models.IntentWhoAreYou,
		byLang: map[string][]string{
			"it": {`chi sei`, `chi siete`, `sei un bot`, `sei umano`, `sei una persona`},
			"en": {`who are you`, `are you a bot`, `are you human`, `are you a person`},
			"es": {`qui[ée]n eres`, `qui[ée]nes son`, `eres un bot`, `eres humano`},
			"fr": {`qui [êe]tes-vous`, `qui es-tu`, `[êe]tes-vous un robot`},
			"de": {`wer bist du`, `wer sind sie`, `bist du ein bot`},
		},
	},
}

type compiledRule struct {
	name   string
	intent models.Intent
	re     *regexp.Regexp
}

// compileRules joins every language's patterns of a rule into one regexp. Word
// boundaries are letter-aware so accented words match like ASCII ones.
func compileRules(rs []rule) []compiledRule {
	out := make([]compiledRule, 0, len(rs))
	for _, r := range rs {
		var alts []string
		for _, lang := range []string{"it", "en", "es", "fr", "de"} {
			alts = append(alts, r.byLang[lang]...)
		}
		lead := `(?:^|[^\p{L}\p{N}'])`
		if r.anchored {
			lead = `^[^\p{L}\p{N}]*`
		}
		expr := `(?i)` + lead + `(?:` + strings.Join(alts, "|") + `)(?:$|[^\p{L}\p{N}])`
		out = append(out, compiledRule{name: r.name, intent: r.intent, re: regexp.MustCompile(expr)})
	}
	return out
}

var compiled = compileRules(rules)

// normalize lowercases the utterance and folds typographic apostrophes.
func normalize(utterance string) string {
	s := strings.ToLower(strings.TrimSpace(utterance))
	s = strings.NewReplacer("’", "'", "‘", "'", "`", "'").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
