package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/messaging"
	"github.com/BTreeMap/ConsultPipe/internal/models"
	"github.com/BTreeMap/ConsultPipe/internal/twiliowhatsapp"
)

// voiceCallOpening stands in for the caller's first utterance: the first webhook of a
// call carries no speech, and the call opens the way a chat greeting does.
const voiceCallOpening = "ciao"

// isClientError reports whether err was caused by the request rather than the server.
func isClientError(err error) bool {
	return errors.Is(err, models.ErrEmptyIdentifier) ||
		errors.Is(err, models.ErrIdentifierTooLong) ||
		errors.Is(err, models.ErrUtteranceTooLong) ||
		errors.Is(err, messaging.ErrInvalidRecipient)
}

// requireTwilioSignature rejects webhook requests whose X-Twilio-Signature does not
// match. It is a pass-through when signature checks are not configured.
func (s *Server) requireTwilioSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.signatures == nil {
			next.ServeHTTP(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		fullURL := s.opts.PublicURL + r.URL.RequestURI()
		if !s.signatures.Valid(fullURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Server.requireTwilioSignature: invalid signature", "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// twilioMessagingHandler handles POST /webhooks/twilio/messaging
func (s *Server) twilioMessagingHandler(w http.ResponseWriter, r *http.Request) {
	if s.twilio == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Twilio is not configured"))
		return
	}
	s.twilio.WebhookHandler(w, r)
}

// twilioVoiceHandler handles POST /webhooks/twilio/voice. The turn runs synchronously
// and the reply is spoken back in the conversation language.
func (s *Server) twilioVoiceHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	msg, err := messaging.ParseTwilioVoice(r.PostForm)
	if err != nil {
		slog.Warn("Server.twilioVoiceHandler: rejected webhook", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(msg.Body) == "" {
		msg.Body = voiceCallOpening
	}

	res, _, err := s.respHandler.Process(r.Context(), msg)
	if err != nil {
		status := http.StatusInternalServerError
		if isClientError(err) {
			status = http.StatusBadRequest
		}
		slog.Error("Server.twilioVoiceHandler: turn failed", "error", err, "from", msg.From)
		http.Error(w, http.StatusText(status), status)
		return
	}

	var doc string
	if res.Escalated || s.sessionEnded(r.Context(), msg.From) {
		doc, err = twiliowhatsapp.VoiceHangup(res.Reply, res.Lang)
	} else {
		noInput := s.catalog.Render("voice_no_input", res.Lang, nil)
		doc, err = twiliowhatsapp.VoiceReply(res.Reply, noInput, res.Lang, r.URL.Path)
	}
	if err != nil {
		slog.Error("Server.twilioVoiceHandler: failed to render TwiML", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	slog.Debug("Server.twilioVoiceHandler: replied", "from", msg.From, "state", res.State, "escalated", res.Escalated)
	writeTwiMLResponse(w, doc)
}

// sessionEnded reports whether the caller's conversation was closed or handed off.
func (s *Server) sessionEnded(ctx context.Context, from string) bool {
	id, err := messaging.ParticipantID(from)
	if err != nil {
		return false
	}
	conv, err := s.store.GetContext(ctx, id)
	if err != nil || conv == nil {
		return false
	}
	return conv.SlotBool(models.SlotSessionClosed) || conv.SlotBool(models.SlotHandoffRequested)
}

// turnHandler handles POST /turns
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.turnHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Channel == "" {
		req.Channel = models.ChannelAPI
	}
	if !models.IsValidChannel(req.Channel) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unsupported channel: "+string(req.Channel)))
		return
	}

	res, err := s.orch.HandleTurn(r.Context(), req)
	if err != nil {
		if isClientError(err) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.turnHandler: turn failed", "error", err, "participantID", req.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Turn failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// listContextsHandler handles GET /contexts
func (s *Server) listContextsHandler(w http.ResponseWriter, r *http.Request) {
	contexts, err := s.store.ListContexts(r.Context())
	if err != nil {
		slog.Error("Server.listContextsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(models.ErrPersistenceUnavailable.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"contexts": contexts,
		"count":    len(contexts),
	}))
}

// getContextHandler handles GET /contexts/{id}
func (s *Server) getContextHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.GetContext(r.Context(), id)
	if err != nil {
		slog.Error("Server.getContextHandler: read failed", "error", err, "participantID", id)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(models.ErrPersistenceUnavailable.Error()))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(models.ErrContextNotFound.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

// deleteContextHandler handles DELETE /contexts/{id}. The participant's next message
// starts a new conversation.
func (s *Server) deleteContextHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	unlock := s.contexts.Lock(id)
	defer unlock()

	conv, err := s.store.GetContext(r.Context(), id)
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(models.ErrPersistenceUnavailable.Error()))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(models.ErrContextNotFound.Error()))
		return
	}
	if err := s.store.DeleteContext(r.Context(), id); err != nil {
		slog.Error("Server.deleteContextHandler: delete failed", "error", err, "participantID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete context"))
		return
	}
	slog.Info("Server.deleteContextHandler: context deleted", "participantID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Context deleted", nil))
}

// clientTypeHandler handles PUT /contexts/{id}/client-type. Marking a participant who
// has not written yet creates their context, so the first message is routed correctly.
func (s *Server) clientTypeHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id := r.PathValue("id")
	var update models.ClientTypeUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !update.ClientType.IsValid() {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrInvalidClientType.Error()))
		return
	}

	unlock := s.contexts.Lock(id)
	defer unlock()
	conv, err := s.contexts.Load(r.Context(), id)
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(models.ErrPersistenceUnavailable.Error()))
		return
	}
	conv.ClientType = update.ClientType
	if err := s.contexts.Save(r.Context(), conv); err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save context"))
		return
	}
	slog.Info("Server.clientTypeHandler: client type updated", "participantID", id, "client_type", update.ClientType)
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

// breakerStatusHandler handles GET /status/breaker
func (s *Server) breakerStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.guard.Breaker().Status()))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"breaker":   s.guard.Breaker().State(),
	}

	// The stored conversation count doubles as a persistence check
	if contexts, err := s.store.ListContexts(ctx); err != nil {
		slog.Warn("Health check: failed to list contexts", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach the context store"
	} else {
		healthData["conversations"] = len(contexts)
	}

	var transports []string
	if s.twilio != nil {
		transports = append(transports, "twilio")
	}
	if s.whatsapp != nil {
		transports = append(transports, "whatsapp")
	}
	healthData["transports"] = transports

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
