// Package api provides the HTTP server and the main run loop for ConsultPipe.
//
// It exposes the Twilio messaging and voice webhooks, a JSON turn endpoint, context
// administration routes, the circuit breaker status and a health check. Run wires the
// store, the LLM provider, the transports and the background workers together.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/booking"
	"github.com/BTreeMap/ConsultPipe/internal/flow"
	"github.com/BTreeMap/ConsultPipe/internal/genai"
	"github.com/BTreeMap/ConsultPipe/internal/guardrail"
	"github.com/BTreeMap/ConsultPipe/internal/intent"
	"github.com/BTreeMap/ConsultPipe/internal/lang"
	"github.com/BTreeMap/ConsultPipe/internal/locale"
	"github.com/BTreeMap/ConsultPipe/internal/messaging"
	"github.com/BTreeMap/ConsultPipe/internal/models"
	"github.com/BTreeMap/ConsultPipe/internal/payment"
	"github.com/BTreeMap/ConsultPipe/internal/resilience"
	"github.com/BTreeMap/ConsultPipe/internal/store"
	"github.com/BTreeMap/ConsultPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ConsultPipe/internal/whatsapp"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	DefaultAddr            = ":8080"
	DefaultOutboxPoll      = 2 * time.Second
	DefaultDedupPruneEvery = time.Hour
	shutdownTimeout        = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr             string
	CatalogPath      string
	DefaultLang      string
	ProviderTimeout  time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	ClassifyCacheTTL time.Duration
	PaymentMedia     []string
	PublicURL        string // external base URL Twilio signs webhook requests against
	WebhookAuthToken string // enables X-Twilio-Signature checks when set
	OutboxPoll       time.Duration
	DedupRetention   time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCatalogPath loads a YAML catalog overriding the embedded one.
func WithCatalogPath(path string) Option {
	return func(o *Opts) { o.CatalogPath = path }
}

// WithDefaultLang overrides the catalog's default language.
func WithDefaultLang(lang string) Option {
	return func(o *Opts) { o.DefaultLang = lang }
}

// WithProviderTimeout sets the hard timeout of every LLM call.
func WithProviderTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ProviderTimeout = d }
}

// WithBreaker sets the failure threshold and cooldown of the provider circuit breaker.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(o *Opts) {
		o.BreakerThreshold = threshold
		o.BreakerCooldown = cooldown
	}
}

// WithClassifyCacheTTL sets how long LLM classifications are reused.
func WithClassifyCacheTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.ClassifyCacheTTL = ttl }
}

// WithPaymentMedia sets the media types accepted as payment receipts.
func WithPaymentMedia(types ...string) Option {
	return func(o *Opts) { o.PaymentMedia = types }
}

// WithPublicURL sets the external base URL the webhooks are reachable at.
func WithPublicURL(u string) Option {
	return func(o *Opts) { o.PublicURL = strings.TrimRight(u, "/") }
}

// WithWebhookAuthToken sets the Twilio auth token webhook signatures are checked with.
// Checks run only when a public URL is configured as well.
func WithWebhookAuthToken(token string) Option {
	return func(o *Opts) { o.WebhookAuthToken = token }
}

// WithOutboxPoll sets how often queued replies are sent.
func WithOutboxPoll(d time.Duration) Option {
	return func(o *Opts) { o.OutboxPoll = d }
}

// WithDedupRetention sets how long inbound message IDs are remembered.
func WithDedupRetention(d time.Duration) Option {
	return func(o *Opts) { o.DedupRetention = d }
}

// Server holds the pipeline and the transports behind the HTTP routes.
type Server struct {
	opts        Opts
	store       store.Store
	catalog     *locale.Catalog
	guard       *resilience.Guard
	contexts    *flow.ContextManager
	orch        *flow.Orchestrator
	respHandler *messaging.ResponseHandler
	twilio      *messaging.TwilioService
	whatsapp    *messaging.WhatsAppService
	signatures  *twiliowhatsapp.SignatureValidator
	mux         *http.ServeMux
}

// NewServer builds the conversation pipeline on st. provider may be nil, in which case
// every LLM call falls back to canned replies.
func NewServer(st store.Store, provider resilience.Provider, opts ...Option) (*Server, error) {
	cfg := Opts{
		Addr:           DefaultAddr,
		OutboxPoll:     DefaultOutboxPoll,
		DedupRetention: store.DefaultDedupRetention,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultLang != "" {
		if !catalog.Supports(cfg.DefaultLang) {
			return nil, fmt.Errorf("default language %q is not in the catalog", cfg.DefaultLang)
		}
		catalog.DefaultLang = cfg.DefaultLang
	}

	guard := resilience.NewGuard(provider,
		resilience.WithBreaker(resilience.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)),
		resilience.WithTimeout(cfg.ProviderTimeout),
		resilience.WithCatalog(catalog),
	)
	classifier := intent.NewClassifier(guard,
		intent.WithCatalog(catalog),
		intent.WithCacheTTL(cfg.ClassifyCacheTTL),
	)
	executor := flow.NewExecutor(flow.Deps{
		Catalog:  catalog,
		Replier:  guard,
		Calendar: booking.NewCalendar(),
		Verifier: payment.NewAttachmentVerifier(cfg.PaymentMedia...),
		Filter:   guardrail.NewFilter(),
	})
	contexts := flow.NewContextManager(st)
	orch := flow.NewOrchestrator(contexts, classifier, executor,
		flow.WithCatalog(catalog),
		flow.WithDetector(lang.NewDetector(catalog.DefaultLang, catalog.Languages()...)),
	)

	s := &Server{
		opts:        cfg,
		store:       st,
		catalog:     catalog,
		guard:       guard,
		contexts:    contexts,
		orch:        orch,
		respHandler: messaging.NewResponseHandler(orch, st, st),
	}
	if cfg.WebhookAuthToken != "" && cfg.PublicURL != "" {
		s.signatures = twiliowhatsapp.NewSignatureValidator(cfg.WebhookAuthToken)
	}
	s.routes()
	slog.Debug("Server.NewServer: pipeline ready", "default_lang", catalog.DefaultLang, "languages", catalog.Languages(), "llm", provider != nil)
	return s, nil
}

func loadCatalog(path string) (*locale.Catalog, error) {
	if path == "" {
		return locale.Default()
	}
	cat, err := locale.LoadFile(path)
	if err != nil {
		return nil, err
	}
	slog.Info("Server.loadCatalog: catalog loaded", "path", path)
	return cat, nil
}

// AttachTwilio routes WhatsApp and SMS replies through the Twilio REST sender and
// enables the Twilio webhooks.
func (s *Server) AttachTwilio(sender twiliowhatsapp.Sender) *messaging.TwilioService {
	s.twilio = messaging.NewTwilioService(sender)
	s.respHandler.RegisterService(models.ChannelWhatsApp, s.twilio)
	s.respHandler.RegisterService(models.ChannelSMS, s.twilio)
	return s.twilio
}

// AttachWhatsApp routes WhatsApp replies through a direct whatsmeow session. It takes
// precedence over Twilio for the WhatsApp channel.
func (s *Server) AttachWhatsApp(client whatsapp.WhatsAppSender) *messaging.WhatsAppService {
	s.whatsapp = messaging.NewWhatsAppService(client)
	s.respHandler.RegisterService(models.ChannelWhatsApp, s.whatsapp)
	return s.whatsapp
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux = http.NewServeMux()
	s.mux.Handle("POST /webhooks/twilio/messaging", s.requireTwilioSignature(http.HandlerFunc(s.twilioMessagingHandler)))
	s.mux.Handle("POST /webhooks/twilio/voice", s.requireTwilioSignature(http.HandlerFunc(s.twilioVoiceHandler)))
	s.mux.HandleFunc("POST /turns", s.turnHandler)
	s.mux.HandleFunc("GET /contexts", s.listContextsHandler)
	s.mux.HandleFunc("GET /contexts/{id}", s.getContextHandler)
	s.mux.HandleFunc("DELETE /contexts/{id}", s.deleteContextHandler)
	s.mux.HandleFunc("PUT /contexts/{id}/client-type", s.clientTypeHandler)
	s.mux.HandleFunc("GET /status/breaker", s.breakerStatusHandler)
	s.mux.HandleFunc("GET /health", s.healthHandler)
}

// Serve runs the HTTP server and the background workers until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, svc := range s.services() {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start messaging service: %w", err)
		}
		s.respHandler.Start(ctx, svc)
	}

	sender := store.NewOutboxSender(s.store, s.respHandler.Deliver, s.opts.OutboxPoll)
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("Server.Serve: failed to recover stale replies", "error", err)
	}
	g.Go(func() error {
		sender.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.respHandler.RunDedupPruner(ctx, DefaultDedupPruneEvery, s.opts.DedupRetention)
		return nil
	})

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("ConsultPipe API running", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("Server.Serve: shutting down")
		for _, svc := range s.services() {
			if err := svc.Stop(); err != nil {
				slog.Warn("Server.Serve: failed to stop messaging service", "error", err)
			}
		}
		s.respHandler.Wait()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) services() []messaging.Service {
	var out []messaging.Service
	if s.twilio != nil {
		out = append(out, s.twilio)
	}
	if s.whatsapp != nil {
		out = append(out, s.whatsapp)
	}
	return out
}

// Run opens the store, the LLM provider and the transports from their options and
// serves until SIGINT or SIGTERM.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, twilioOpts []twiliowhatsapp.Option, waOpts []whatsapp.Option, enableWhatsApp bool, apiOpts []Option) error {
	st, err := openStore(storeOpts)
	if err != nil {
		return err
	}
	defer st.Close()

	var provider resilience.Provider
	if gaClient, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Warn("GenAI client not configured, replies use canned fallbacks", "error", err)
	} else {
		provider = gaClient
	}

	twClient, twErr := twiliowhatsapp.NewClient(twilioOpts...)
	if twErr == nil {
		apiOpts = append(apiOpts, WithWebhookAuthToken(twClient.AuthToken()))
	}

	server, err := NewServer(st, provider, apiOpts...)
	if err != nil {
		return err
	}

	if twErr != nil {
		slog.Warn("Twilio client not configured, Twilio webhooks disabled", "error", twErr)
	} else {
		server.AttachTwilio(twClient)
	}
	if enableWhatsApp {
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		defer waClient.Close()
		server.AttachWhatsApp(waClient)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Serve(ctx)
}

func openStore(opts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Info("Using in-memory store")
		return store.NewInMemoryStore(), nil
	case store.DetectDSNType(cfg.DSN) == "postgres":
		slog.Info("Using PostgreSQL store")
		return store.NewPostgresStore(opts...)
	default:
		slog.Info("Using SQLite store", "path", cfg.DSN)
		return store.NewSQLiteStore(opts...)
	}
}
