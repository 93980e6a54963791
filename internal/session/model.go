package session

// RealtimeMode selects how session events reach subscribers.
type RealtimeMode string

const (
	// RealtimeModeOff disables realtime delivery for the session.
	RealtimeModeOff RealtimeMode = "off"
	// RealtimeModeStandard delivers batched session events.
	RealtimeModeStandard RealtimeMode = "standard"
	// RealtimeModePulse delivers events plus periodic turn-timer pulses.
	RealtimeModePulse RealtimeMode = "pulse"
)

// NormalizeRealtimeMode maps unknown or invalid mode strings to off.
func NormalizeRealtimeMode(raw string) RealtimeMode {
	switch RealtimeMode(raw) {
	case RealtimeModeStandard:
		return RealtimeModeStandard
	case RealtimeModePulse:
		return RealtimeModePulse
	default:
		return RealtimeModeOff
	}
}

// Session is the durable per-match session record. It is created once and
// only ever updated in place.
type Session struct {
	SessionID                string `gorm:"column:session_id;primaryKey;size:190;not null"`
	RoomID                   string `gorm:"column:room_id;size:190;not null;index"`
	GameID                   string `gorm:"column:game_id;size:190;not null;index"`
	OwnerID                  string `gorm:"column:owner_id;size:190;not null;index"`
	SelectedTimeLimitSeconds int    `gorm:"column:selected_time_limit_s;not null;default:0"`
	TimeVote                 string `gorm:"column:time_vote;size:64;not null;default:''"`
	DropInBonusSeconds       int    `gorm:"column:drop_in_bonus_s;not null;default:0"`
	TurnState                string `gorm:"column:turn_state;type:text;not null;default:''"`
	AsyncFillSnapshot        string `gorm:"column:async_fill_snapshot;type:text;not null;default:''"`
	RealtimeMode             string `gorm:"column:realtime_mode;size:16;not null;default:'off'"`
	CreatedAtSeconds         int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds         int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "rank_sessions"
}

// RoomSlot records a persistent room seat claim, independent of roster
// generations. Used only as an authorization source.
type RoomSlot struct {
	RoomID    string `gorm:"column:room_id;primaryKey;size:190;not null"`
	SlotIndex int    `gorm:"column:slot_index;primaryKey;not null"`
	OwnerID   string `gorm:"column:owner_id;size:190;not null;index"`
	GameID    string `gorm:"column:game_id;size:190;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (RoomSlot) TableName() string {
	return "room_slots"
}

// Collaborator grants session access to a listed helper, provided they also
// appear as a rank participant for the session's game.
type Collaborator struct {
	SessionID      string `gorm:"column:session_id;primaryKey;size:190;not null"`
	OwnerID        string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	AddedAtSeconds int64  `gorm:"column:added_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "session_collaborators"
}

// Participant is one member of a game's ranked participant pool. The standin
// candidate pool queries this table.
type Participant struct {
	GameID  string  `gorm:"column:game_id;primaryKey;size:190;not null"`
	OwnerID string  `gorm:"column:owner_id;primaryKey;size:190;not null"`
	HeroID  *string `gorm:"column:hero_id;size:190"`
	Role    string  `gorm:"column:role;size:64;not null;index"`
	Score   int     `gorm:"column:score;not null;default:0;index"`
	Rating  int     `gorm:"column:rating;not null;default:0"`
	Battles int     `gorm:"column:battles;not null;default:0"`
	WinRate float64 `gorm:"column:win_rate;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "rank_participants"
}

// TurnEvent is one sequenced turn-state record for a session.
type TurnEvent struct {
	EventSeq         int64  `gorm:"column:event_seq;primaryKey;autoIncrement"`
	SessionID        string `gorm:"column:session_id;size:190;not null;index:idx_turn_events_session,priority:1"`
	TurnNumber       int    `gorm:"column:turn_number;not null;index:idx_turn_events_session,priority:2"`
	EmitterID        string `gorm:"column:emitter_id;size:190;not null"`
	Source           string `gorm:"column:source;size:190;not null;default:''"`
	ExtrasJSON       string `gorm:"column:extras_json;type:text;not null;default:''"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TurnEvent) TableName() string {
	return "session_turn_events"
}
