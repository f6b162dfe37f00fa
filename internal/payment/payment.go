// Package payment verifies payment receipts sent by participants.
package payment

import (
	"context"
	"log/slog"
	"mime"
	"strings"
)

// Receipt is what the participant sent as proof of payment.
type Receipt struct {
	ParticipantID string
	URL           string
	ContentType   string
	Text          string
}

// Result is the verification outcome.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Verifier is the payment-verification collaborator contract.
type Verifier interface {
	Verify(ctx context.Context, r Receipt) (Result, error)
}

// DefaultAcceptedMedia are the receipt formats accepted without configuration.
var DefaultAcceptedMedia = []string{"image/*", "application/pdf"}

// AttachmentVerifier accepts a receipt when a media attachment of an accepted type is
// present. Content analysis is left to staff reviewing the booking.
type AttachmentVerifier struct {
	accepted []string
}

// NewAttachmentVerifier creates a verifier. Entries may use a "type/*" wildcard.
func NewAttachmentVerifier(accepted ...string) *AttachmentVerifier {
	if len(accepted) == 0 {
		accepted = DefaultAcceptedMedia
	}
	norm := make([]string, 0, len(accepted))
	for _, a := range accepted {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			norm = append(norm, a)
		}
	}
	return &AttachmentVerifier{accepted: norm}
}

// Verify checks presence and media type of the receipt.
func (v *AttachmentVerifier) Verify(ctx context.Context, r Receipt) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(r.URL) == "" {
		return Result{Valid: false, Reason: "no attachment"}, nil
	}
	mediaType, _, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		slog.Debug("AttachmentVerifier.Verify: unparseable content type", "contentType", r.ContentType, "error", err)
		return Result{Valid: false, Reason: "unknown media type"}, nil
	}
	if !v.accepts(mediaType) {
		return Result{Valid: false, Reason: "unsupported media type " + mediaType}, nil
	}
	return Result{Valid: true}, nil
}

func (v *AttachmentVerifier) accepts(mediaType string) bool {
	for _, a := range v.accepted {
		if a == mediaType {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(mediaType, prefix+"/") {
			return true
		}
	}
	return false
}
