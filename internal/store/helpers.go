package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ConsultPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeContextBlobs marshals the slots and history of a context for storage.
func encodeContextBlobs(c *models.ConversationContext) (slots, history []byte, err error) {
	slotMap := c.Slots
	if slotMap == nil {
		slotMap = map[string]string{}
	}
	slots, err = json.Marshal(slotMap)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal slots: %w", err)
	}
	entries := c.History
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	history, err = json.Marshal(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal history: %w", err)
	}
	return slots, history, nil
}

// decodeContextBlobs restores slots and history; corrupt blobs degrade to empty values
// so one bad row never locks a participant out.
func decodeContextBlobs(c *models.ConversationContext, slots, history []byte) {
	c.Slots = make(map[string]string)
	if len(slots) > 0 {
		if err := json.Unmarshal(slots, &c.Slots); err != nil {
			slog.Error("store.decodeContextBlobs: slots unmarshal failed", "error", err, "participantID", c.ID)
			c.Slots = make(map[string]string)
		}
	}
	c.History = nil
	if len(history) > 0 {
		if err := json.Unmarshal(history, &c.History); err != nil {
			slog.Error("store.decodeContextBlobs: history unmarshal failed", "error", err, "participantID", c.ID)
			c.History = nil
		}
	}
	c.Normalize()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const contextColumns = `id, lang, name, client_type, state, stage, slots, history, clarify_count, turn_count, channel, created_at, updated_at`

// scanContext scans one conversation_contexts row.
func scanContext(row rowScanner) (*models.ConversationContext, error) {
	var c models.ConversationContext
	var lang, name, stage, channel sql.NullString
	var slots, history []byte
	err := row.Scan(&c.ID, &lang, &name, &c.ClientType, &c.State, &stage, &slots, &history,
		&c.ClarifyCount, &c.TurnCount, &channel, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Lang = lang.String
	c.Name = name.String
	c.Stage = models.Stage(stage.String)
	c.Channel = models.Channel(channel.String)
	decodeContextBlobs(&c, slots, history)
	return &c, nil
}
