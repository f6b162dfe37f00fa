// Package messaging connects the transports to the conversation pipeline: it turns
// inbound transport messages into turns and delivers the replies.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/flow"
	"github.com/BTreeMap/ConsultPipe/internal/models"
	"github.com/BTreeMap/ConsultPipe/internal/store"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkerLimit caps the turns one consumed service runs at the same time.
const DefaultWorkerLimit = 16

// Turner runs one conversation turn.
type Turner interface {
	HandleTurn(ctx context.Context, req models.TurnRequest) (flow.TurnResult, error)
}

// ResponseHandler deduplicates inbound messages, runs the turn and queues the reply.
type ResponseHandler struct {
	turner Turner
	dedup  store.DedupRepo
	outbox store.OutboxRepo

	workerLimit int
	consumers   sync.WaitGroup

	mu       sync.RWMutex
	services map[models.Channel]Service
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithWorkerLimit sets how many turns a consumed service may run concurrently.
// Non-positive values select DefaultWorkerLimit.
func WithWorkerLimit(n int) HandlerOption {
	return func(rh *ResponseHandler) {
		if n > 0 {
			rh.workerLimit = n
		}
	}
}

// NewResponseHandler creates a handler. dedup and outbox are optional: without dedup
// every delivery runs a turn, without outbox replies are sent inline.
func NewResponseHandler(turner Turner, dedup store.DedupRepo, outbox store.OutboxRepo, opts ...HandlerOption) *ResponseHandler {
	rh := &ResponseHandler{
		turner:      turner,
		dedup:       dedup,
		outbox:      outbox,
		workerLimit: DefaultWorkerLimit,
		services:    make(map[models.Channel]Service),
	}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// RegisterService routes replies on channel ch through svc.
func (rh *ResponseHandler) RegisterService(ch models.Channel, svc Service) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.services[ch] = svc
	slog.Debug("ResponseHandler service registered", "channel", ch)
}

func (rh *ResponseHandler) serviceFor(ch models.Channel) (Service, error) {
	rh.mu.RLock()
	defer rh.mu.RUnlock()
	svc, ok := rh.services[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoService, ch)
	}
	return svc, nil
}

// Process runs the turn for one inbound message. processed is false for a redelivery of
// a message that was already seen. A dedup store failure does not block the turn.
func (rh *ResponseHandler) Process(ctx context.Context, msg models.InboundMessage) (res flow.TurnResult, processed bool, err error) {
	if err := msg.Validate(); err != nil {
		return flow.TurnResult{}, false, err
	}
	participantID, err := ParticipantID(msg.From)
	if err != nil {
		return flow.TurnResult{}, false, err
	}

	if msg.MessageID != "" && rh.dedup != nil {
		fresh, err := rh.dedup.RecordInbound(ctx, msg.MessageID, participantID)
		switch {
		case err != nil:
			slog.Warn("ResponseHandler.Process: dedup unavailable, processing anyway", "error", err, "message_id", msg.MessageID)
		case !fresh:
			slog.Info("ResponseHandler.Process: duplicate delivery ignored", "message_id", msg.MessageID, "participantID", participantID)
			return flow.TurnResult{}, false, nil
		}
	}

	res, err = rh.turner.HandleTurn(ctx, models.TurnRequest{
		ID:          participantID,
		Utterance:   msg.Body,
		Channel:     msg.Channel,
		Attachments: msg.Attachments,
	})
	if err != nil {
		return flow.TurnResult{}, false, fmt.Errorf("turn failed: %w", err)
	}

	if msg.MessageID != "" && rh.dedup != nil {
		if err := rh.dedup.MarkProcessed(ctx, msg.MessageID); err != nil {
			slog.Warn("ResponseHandler.Process: failed to mark message processed", "error", err, "message_id", msg.MessageID)
		}
	}
	return res, true, nil
}

// Respond processes msg and queues the reply on the channel it arrived on.
func (rh *ResponseHandler) Respond(ctx context.Context, msg models.InboundMessage) error {
	res, processed, err := rh.Process(ctx, msg)
	if err != nil || !processed {
		return err
	}
	participantID, _ := ParticipantID(msg.From)

	if rh.outbox != nil {
		dedupeKey := "reply:" + res.TurnID
		if msg.MessageID != "" {
			dedupeKey = "reply:" + msg.MessageID
		}
		id, err := rh.outbox.EnqueueReply(ctx, participantID, string(msg.Channel), res.Reply, dedupeKey)
		if err != nil {
			return fmt.Errorf("failed to queue reply: %w", err)
		}
		slog.Debug("ResponseHandler.Respond: reply queued", "outbox_id", id, "participantID", participantID)
		return nil
	}

	svc, err := rh.serviceFor(msg.Channel)
	if err != nil {
		return err
	}
	return svc.SendMessage(ctx, Address(msg.Channel, participantID), res.Reply)
}

// Deliver sends one outbox message through the service registered for its channel.
// It has the store.OutboxSendFunc signature.
func (rh *ResponseHandler) Deliver(ctx context.Context, msg store.OutboxMessage) error {
	ch := models.Channel(msg.Channel)
	svc, err := rh.serviceFor(ch)
	if err != nil {
		return err
	}
	return svc.SendMessage(ctx, Address(ch, msg.ParticipantID), msg.Body)
}

// Start consumes the service's inbound messages and receipts until ctx is cancelled or
// the service closes its channels. Each message runs in its own worker, so a slow turn
// only delays its own participant; at most the worker limit run at once. Same-participant
// turns are serialized by the orchestrator's keyed lock.
func (rh *ResponseHandler) Start(ctx context.Context, svc Service) {
	slog.Info("ResponseHandler starting response processing", "workers", rh.workerLimit)
	rh.consumers.Add(1)
	go func() {
		defer rh.consumers.Done()
		var workers errgroup.Group
		workers.SetLimit(rh.workerLimit)
		defer func() {
			_ = workers.Wait()
			slog.Info("ResponseHandler stopped response processing")
		}()

		responses, receipts := svc.Responses(), svc.Receipts()
		for responses != nil || receipts != nil {
			select {
			case msg, ok := <-responses:
				if !ok {
					responses = nil
					continue
				}
				workers.Go(func() error {
					if err := rh.Respond(ctx, msg); err != nil {
						slog.Error("ResponseHandler failed to process message", "error", err, "from", msg.From)
					}
					return nil
				})
			case r, ok := <-receipts:
				if !ok {
					receipts = nil
					continue
				}
				slog.Debug("ResponseHandler receipt", "to", r.To, "status", r.Status)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until every consumer started by Start has stopped and its in-flight
// turns have finished.
func (rh *ResponseHandler) Wait() {
	rh.consumers.Wait()
}

// RunDedupPruner deletes dedup records older than retention every interval until ctx
// is cancelled.
func (rh *ResponseHandler) RunDedupPruner(ctx context.Context, interval, retention time.Duration) {
	if rh.dedup == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rh.dedup.PruneInbound(ctx, time.Now().Add(-retention))
			if err != nil {
				slog.Error("ResponseHandler.RunDedupPruner: prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("ResponseHandler.RunDedupPruner: pruned dedup records", "count", n)
			}
		}
	}
}
