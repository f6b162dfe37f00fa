// Package locale provides the multilingual template catalog and the services catalog.
//
// The catalog is YAML, embedded in the binary and optionally overridden by a file
// at startup. Lookups never fail: a missing key or language degrades to the default
// language and finally to a generic safe string.
package locale

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// SafeDefault is returned when neither the requested nor the default language has a key.
const SafeDefault = "Thank you for your message. A member of our team will get back to you shortly."

// Service is one consultation area the business offers.
type Service struct {
	ID       string              `yaml:"id"`
	Names    map[string]string   `yaml:"names"`
	Keywords map[string][]string `yaml:"keywords"`
}

// ChannelOption is a way of holding the consultation (video, phone, office).
type ChannelOption struct {
	ID       string            `yaml:"id"`
	Names    map[string]string `yaml:"names"`
	Keywords []string          `yaml:"keywords"`
}

// Consultation describes the standard paid consultation.
type Consultation struct {
	Price           string `yaml:"price"`
	DurationMinutes int    `yaml:"duration_minutes"`
}

// Catalog holds templates and business data for every supported language.
type Catalog struct {
	DefaultLang  string                       `yaml:"default_lang"`
	Business     string                       `yaml:"business"`
	Consultation Consultation                 `yaml:"consultation"`
	Channels     []ChannelOption              `yaml:"channels"`
	Services     []Service                    `yaml:"services"`
	Templates    map[string]map[string]string `yaml:"templates"`

	compiled map[string]map[string]*template.Template
}

// Default parses the embedded catalog.
func Default() (*Catalog, error) {
	return parse(embeddedCatalog)
}

// MustDefault is Default for tests and package-level wiring; it panics on a broken embed.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(fmt.Sprintf("locale: embedded catalog is invalid: %v", err))
	}
	return c
}

// LoadFile reads a YAML catalog from path and fills anything it omits from the embedded one.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	override, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	base, err := Default()
	if err != nil {
		return nil, err
	}
	return merge(base, override)
}

func parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal catalog: %w", err)
	}
	if err := c.compile(); err != nil {
		return nil, err
	}
	return &c, nil
}

func merge(base, override *Catalog) (*Catalog, error) {
	out := *base
	if override.DefaultLang != "" {
		out.DefaultLang = override.DefaultLang
	}
	if override.Business != "" {
		out.Business = override.Business
	}
	if override.Consultation.Price != "" {
		out.Consultation.Price = override.Consultation.Price
	}
	if override.Consultation.DurationMinutes > 0 {
		out.Consultation.DurationMinutes = override.Consultation.DurationMinutes
	}
	if len(override.Services) > 0 {
		out.Services = override.Services
	}
	if len(override.Channels) > 0 {
		out.Channels = override.Channels
	}
	out.Templates = make(map[string]map[string]string, len(base.Templates))
	for key, langs := range base.Templates {
		out.Templates[key] = make(map[string]string, len(langs))
		for lang, text := range langs {
			out.Templates[key][lang] = text
		}
	}
	for key, langs := range override.Templates {
		if out.Templates[key] == nil {
			out.Templates[key] = make(map[string]string, len(langs))
		}
		for lang, text := range langs {
			out.Templates[key][lang] = text
		}
	}
	if err := out.compile(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Catalog) compile() error {
	if c.DefaultLang == "" {
		c.DefaultLang = "it"
	}
	c.compiled = make(map[string]map[string]*template.Template, len(c.Templates))
	for key, langs := range c.Templates {
		c.compiled[key] = make(map[string]*template.Template, len(langs))
		for lang, text := range langs {
			tmpl, err := template.New(key + "." + lang).Option("missingkey=zero").Parse(text)
			if err != nil {
				return fmt.Errorf("template %s (%s): %w", key, lang, err)
			}
			c.compiled[key][lang] = tmpl
		}
	}
	return nil
}

// Languages returns the languages that have at least one template, sorted.
func (c *Catalog) Languages() []string {
	seen := map[string]bool{}
	for _, langs := range c.Templates {
		for lang := range langs {
			seen[lang] = true
		}
	}
	out := make([]string, 0, len(seen))
	for lang := range seen {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// Supports reports whether lang has templates.
func (c *Catalog) Supports(lang string) bool {
	for _, l := range c.Languages() {
		if l == lang {
			return true
		}
	}
	return false
}

// Template returns the raw text for key in lang, without interpolation.
func (c *Catalog) Template(key, lang string) string {
	if text, ok := c.Templates[key][lang]; ok {
		return text
	}
	if text, ok := c.Templates[key][c.DefaultLang]; ok {
		return text
	}
	return SafeDefault
}

// Render interpolates key in lang with vars. The business name, price and duration are
// always available; vars take precedence.
func (c *Catalog) Render(key, lang string, vars map[string]string) string {
	tmpl, ok := c.compiled[key][lang]
	if !ok {
		tmpl, ok = c.compiled[key][c.DefaultLang]
	}
	if !ok {
		return SafeDefault
	}
	data := map[string]string{
		"business": c.Business,
		"price":    c.Consultation.Price,
		"duration": strconv.Itoa(c.Consultation.DurationMinutes),
	}
	for k, v := range vars {
		data[k] = v
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return c.Template(key, lang)
	}
	return buf.String()
}

// ServiceName returns the localized service name, or the ID when unknown.
func (c *Catalog) ServiceName(id, lang string) string {
	for _, s := range c.Services {
		if s.ID == id {
			return localized(s.Names, lang, c.DefaultLang, id)
		}
	}
	return id
}

// ServiceList joins the localized service names for use in a reply.
func (c *Catalog) ServiceList(lang string) string {
	names := make([]string, 0, len(c.Services))
	for _, s := range c.Services {
		names = append(names, localized(s.Names, lang, c.DefaultLang, s.ID))
	}
	return strings.Join(names, ", ")
}

// MatchService finds the first service whose keywords or names appear in the utterance.
// Keywords of the utterance language are tried before the others.
func (c *Catalog) MatchService(utterance, lang string) (Service, bool) {
	text := strings.ToLower(utterance)
	for _, s := range c.Services {
		if containsAny(text, s.Keywords[lang]) {
			return s, true
		}
	}
	for _, s := range c.Services {
		for l, kws := range s.Keywords {
			if l != lang && containsAny(text, kws) {
				return s, true
			}
		}
		for _, name := range s.Names {
			if strings.Contains(text, strings.ToLower(name)) {
				return s, true
			}
		}
	}
	return Service{}, false
}

// ChannelName returns the localized channel name, or the ID when unknown.
func (c *Catalog) ChannelName(id, lang string) string {
	for _, ch := range c.Channels {
		if ch.ID == id {
			return localized(ch.Names, lang, c.DefaultLang, id)
		}
	}
	return id
}

// ChannelList joins the localized channel names for use in a reply.
func (c *Catalog) ChannelList(lang string) string {
	names := make([]string, 0, len(c.Channels))
	for _, ch := range c.Channels {
		names = append(names, localized(ch.Names, lang, c.DefaultLang, ch.ID))
	}
	return strings.Join(names, ", ")
}

// MatchChannel finds the consultation channel mentioned in the utterance.
func (c *Catalog) MatchChannel(utterance string) (string, bool) {
	text := strings.ToLower(utterance)
	for _, ch := range c.Channels {
		if containsAny(text, ch.Keywords) {
			return ch.ID, true
		}
		for _, name := range ch.Names {
			if strings.Contains(text, strings.ToLower(name)) {
				return ch.ID, true
			}
		}
	}
	return "", false
}

func localized(names map[string]string, lang, fallbackLang, fallback string) string {
	if n, ok := names[lang]; ok {
		return n
	}
	if n, ok := names[fallbackLang]; ok {
		return n
	}
	return fallback
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(text, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
