package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ArcadePulseLabs/arena/backend/internal/svcerr"
	"github.com/ArcadePulseLabs/arena/backend/internal/timeline"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCoordinatorNew = "session.coordinator.new"
	opAuthorize      = "session.authorize"
	opUpsertMeta     = "session.upsert_meta"
	opAppendEvent    = "session.append_turn_event"
	opEnsure         = "session.ensure"

	reasonMissingDatabase  = "missing_database"
	reasonMissingSessionID = "missing_session_id"
	reasonSessionNotFound  = "session_not_found"
	reasonGameMismatch     = "session_game_mismatch"
	reasonForbidden        = "forbidden"
	reasonUpsertFailed     = "upsert_failed"
	reasonQueryFailed      = "query_failed"

	// TimelineEventTurnTimerExtended records a drop-in bonus applied to the
	// turn timer.
	TimelineEventTurnTimerExtended = "turn_timer_extended"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingSessionID = errors.New("session identifier is required")
	errNoGrantPath      = errors.New("no authorization path admitted the caller")
	noOpLogger          = zap.NewNop()
)

// IDProvider issues identifiers for newly ensured sessions.
type IDProvider interface {
	NewID() (string, error)
}

// TimelineForwarder is the best-effort side channel for derived events.
type TimelineForwarder interface {
	Publish(ctx context.Context, sessionID string, events []timeline.Event) (timeline.PublishResult, error)
}

// CoordinatorConfig wires the session coordinator.
type CoordinatorConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Logger     *zap.Logger
	IDProvider IDProvider
	Timeline   TimelineForwarder
}

// Coordinator authorizes callers against sessions, maintains session meta,
// and sequences turn-state events.
type Coordinator struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	idProvider IDProvider
	timeline   TimelineForwarder
	policies   []accessPolicy
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opCoordinatorNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		db:         cfg.Database,
		clock:      clock,
		logger:     logger,
		idProvider: cfg.IDProvider,
		timeline:   cfg.Timeline,
		policies:   accessPolicyChain(),
	}, nil
}

// Get loads one session row.
func (c *Coordinator) Get(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, svcerr.New(opAuthorize, reasonMissingSessionID, errMissingSessionID)
	}
	var sess Session
	err := c.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, svcerr.New(opAuthorize, reasonSessionNotFound, err)
	}
	if err != nil {
		c.logError(opAuthorize, reasonQueryFailed, err, zap.String("session_id", sessionID))
		return Session{}, svcerr.New(opAuthorize, reasonQueryFailed, err)
	}
	return sess, nil
}

// Authorize evaluates the ordered policy chain until one predicate admits
// the caller; exhaustion is forbidden. A caller-declared game id that
// disagrees with the session row fails before any predicate runs.
func (c *Coordinator) Authorize(ctx context.Context, req AccessRequest) (Grant, error) {
	sess, err := c.Get(ctx, req.SessionID)
	if err != nil {
		return Grant{}, err
	}
	if req.GameID != "" && req.GameID != sess.GameID {
		return Grant{}, svcerr.New(opAuthorize, reasonGameMismatch,
			errors.New("declared game does not match the session"))
	}

	for _, policy := range c.policies {
		decision, evalErr := policy.evaluate(ctx, c.db, req, sess)
		if evalErr != nil {
			// A failed predicate never grants access; later paths may still.
			c.logError(opAuthorize, reasonQueryFailed, evalErr,
				zap.String("session_id", req.SessionID),
				zap.String("policy", policy.name))
			continue
		}
		if decision == DecisionAllow {
			return Grant{Path: policy.name, Session: sess}, nil
		}
	}
	return Grant{}, svcerr.New(opAuthorize, reasonForbidden, errNoGrantPath)
}

// MetaPatch is a partial session-meta update. Nil fields pass through.
type MetaPatch struct {
	SessionID                string
	SelectedTimeLimitSeconds *int
	TimeVote                 *string
	DropInBonusSeconds       *int
	TurnState                *string
	AsyncFillSnapshot        *string
	RealtimeMode             *string
}

// UpsertMeta sanitizes and merges the patch into the existing session row.
// Sessions are never recreated here, only updated in place.
func (c *Coordinator) UpsertMeta(ctx context.Context, patch MetaPatch) (Session, error) {
	sess, err := c.Get(ctx, patch.SessionID)
	if err != nil {
		return Session{}, err
	}

	if patch.SelectedTimeLimitSeconds != nil {
		sess.SelectedTimeLimitSeconds = clampNonNegative(*patch.SelectedTimeLimitSeconds)
	}
	if patch.TimeVote != nil {
		sess.TimeVote = *patch.TimeVote
	}
	if patch.DropInBonusSeconds != nil {
		sess.DropInBonusSeconds = clampNonNegative(*patch.DropInBonusSeconds)
	}
	if patch.TurnState != nil {
		sess.TurnState = *patch.TurnState
	}
	if patch.AsyncFillSnapshot != nil {
		sess.AsyncFillSnapshot = *patch.AsyncFillSnapshot
	}
	if patch.RealtimeMode != nil {
		sess.RealtimeMode = string(NormalizeRealtimeMode(*patch.RealtimeMode))
	}
	sess.UpdatedAtSeconds = c.clock().UTC().Unix()

	if err := c.db.WithContext(ctx).Save(&sess).Error; err != nil {
		c.logError(opUpsertMeta, reasonUpsertFailed, err, zap.String("session_id", patch.SessionID))
		return Session{}, svcerr.New(opUpsertMeta, reasonUpsertFailed, err)
	}
	return sess, nil
}

// TurnEventInput describes one turn-state occurrence to sequence.
type TurnEventInput struct {
	SessionID  string
	TurnNumber int
	EmitterID  string
	Source     string
	Extras     map[string]any
}

// AppendTurnEvent sequences the turn-state event. When the extras indicate a
// just-applied drop-in bonus it derives one timeline event and forwards it
// best-effort; forwarding failures never fail the append.
func (c *Coordinator) AppendTurnEvent(ctx context.Context, input TurnEventInput) (TurnEvent, *timeline.Event, error) {
	if input.SessionID == "" {
		return TurnEvent{}, nil, svcerr.New(opAppendEvent, reasonMissingSessionID, errMissingSessionID)
	}

	extrasJSON := ""
	if len(input.Extras) > 0 {
		encoded, err := json.Marshal(input.Extras)
		if err != nil {
			return TurnEvent{}, nil, svcerr.New(opAppendEvent, reasonUpsertFailed, err)
		}
		extrasJSON = string(encoded)
	}

	record := TurnEvent{
		SessionID:        input.SessionID,
		TurnNumber:       input.TurnNumber,
		EmitterID:        input.EmitterID,
		Source:           input.Source,
		ExtrasJSON:       extrasJSON,
		AppliedAtSeconds: c.clock().UTC().Unix(),
	}
	if err := c.db.WithContext(ctx).Create(&record).Error; err != nil {
		c.logError(opAppendEvent, reasonUpsertFailed, err, zap.String("session_id", input.SessionID))
		return TurnEvent{}, nil, svcerr.New(opAppendEvent, reasonUpsertFailed, err)
	}

	derived := c.deriveBonusEvent(input, record)
	if derived != nil && c.timeline != nil {
		if _, err := c.timeline.Publish(ctx, input.SessionID, []timeline.Event{*derived}); err != nil {
			c.logger.Warn("timeline forward failed for turn event",
				zap.String("session_id", input.SessionID),
				zap.Int("turn", input.TurnNumber),
				zap.Error(err))
		}
	}
	return record, derived, nil
}

// deriveBonusEvent maps extras announcing a drop-in bonus to one canonical
// timeline event.
func (c *Coordinator) deriveBonusEvent(input TurnEventInput, record TurnEvent) *timeline.Event {
	applied, ok := input.Extras["drop_in_bonus_applied"].(bool)
	if !ok || !applied {
		return nil
	}
	emitter := input.EmitterID
	event := timeline.Event{
		Type:             TimelineEventTurnTimerExtended,
		OwnerID:          &emitter,
		Turn:             input.TurnNumber,
		TimestampSeconds: record.AppliedAtSeconds,
		Reason:           "drop_in_bonus",
		MetadataJSON:     record.ExtrasJSON,
	}
	return &event
}

// EnsureForRoom returns the session linked to the room/game pair, creating
// it exactly once.
func (c *Coordinator) EnsureForRoom(ctx context.Context, roomID, gameID, ownerID string) (Session, error) {
	var sess Session
	err := c.db.WithContext(ctx).
		Where("room_id = ? AND game_id = ?", roomID, gameID).
		Take(&sess).Error
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		c.logError(opEnsure, reasonQueryFailed, err, zap.String("room_id", roomID))
		return Session{}, svcerr.New(opEnsure, reasonQueryFailed, err)
	}

	if c.idProvider == nil {
		return Session{}, svcerr.New(opEnsure, "missing_id_provider", errors.New("id provider is required"))
	}
	sessionID, err := c.idProvider.NewID()
	if err != nil {
		return Session{}, svcerr.New(opEnsure, "id_generation_failed", err)
	}
	now := c.clock().UTC().Unix()
	sess = Session{
		SessionID:        sessionID,
		RoomID:           roomID,
		GameID:           gameID,
		OwnerID:          ownerID,
		RealtimeMode:     string(RealtimeModeOff),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := c.db.WithContext(ctx).Create(&sess).Error; err != nil {
		c.logError(opEnsure, reasonUpsertFailed, err, zap.String("room_id", roomID))
		return Session{}, svcerr.New(opEnsure, reasonUpsertFailed, err)
	}
	return sess, nil
}

// ReplaceCollaborators swaps the collaborator list for the session.
func (c *Coordinator) ReplaceCollaborators(ctx context.Context, sessionID string, ownerIDs []string) error {
	if sessionID == "" {
		return svcerr.New(opUpsertMeta, reasonMissingSessionID, errMissingSessionID)
	}
	now := c.clock().UTC().Unix()
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&Collaborator{}).Error; err != nil {
			return svcerr.New(opUpsertMeta, reasonUpsertFailed, err)
		}
		for _, ownerID := range ownerIDs {
			if ownerID == "" {
				continue
			}
			record := Collaborator{SessionID: sessionID, OwnerID: ownerID, AddedAtSeconds: now}
			if err := tx.Create(&record).Error; err != nil {
				return svcerr.New(opUpsertMeta, reasonUpsertFailed, err)
			}
		}
		return nil
	})
}

func clampNonNegative(value int) int {
	if value < 0 {
		return 0
	}
	return value
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("session coordinator error", attrs...)
}
