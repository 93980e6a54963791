package timeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Event is one immutable, idempotently-keyed timeline row. Re-submitting
// the same logical occurrence must not duplicate a row; EventID is the
// conflict key.
type Event struct {
	EventID          string  `gorm:"column:event_id;primaryKey;size:190;not null" json:"event_id"`
	SessionID        string  `gorm:"column:session_id;size:190;not null;index:idx_timeline_session,priority:1" json:"session_id"`
	Type             string  `gorm:"column:event_type;size:64;not null" json:"type"`
	OwnerID          *string `gorm:"column:owner_id;size:190" json:"owner_id"`
	Turn             int     `gorm:"column:turn;not null;default:0;index:idx_timeline_session,priority:2" json:"turn"`
	TimestampSeconds int64   `gorm:"column:timestamp_s;not null" json:"timestamp_s"`
	Reason           string  `gorm:"column:reason;size:190;not null;default:''" json:"reason"`
	ContextJSON      string  `gorm:"column:context_json;type:text;not null;default:''" json:"context,omitempty"`
	MetadataJSON     string  `gorm:"column:metadata_json;type:text;not null;default:''" json:"metadata,omitempty"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "session_timeline"
}

// DeriveEventID computes the deterministic identifier used when the caller
// supplies none: the same logical occurrence always hashes to the same id.
func DeriveEventID(eventType string, ownerID *string, turn int, timestampSeconds int64) string {
	owner := ""
	if ownerID != nil {
		owner = *ownerID
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%d", eventType, owner, turn, timestampSeconds)))
	return hex.EncodeToString(sum[:])
}
