package session

import (
	"context"

	"github.com/ArcadePulseLabs/arena/backend/internal/roster"
	"gorm.io/gorm"
)

// Decision is the outcome of a single authorization predicate.
type Decision int

const (
	// DecisionContinue defers to the next predicate in the chain.
	DecisionContinue Decision = iota
	// DecisionAllow grants access and stops evaluation.
	DecisionAllow
)

// AccessRequest describes one caller asking for session access.
type AccessRequest struct {
	SessionID string
	CallerID  string
	// GameID is the caller-declared game; when set it must agree with the
	// session row.
	GameID          string
	MatchInstanceID string
}

// Grant names which predicate admitted the caller.
type Grant struct {
	Path    string
	Session Session
}

// accessPolicy is one predicate in the ordered authorization chain. Adding
// a grant path means appending a policy, not re-threading control flow.
type accessPolicy struct {
	name    string
	evaluate func(ctx context.Context, db *gorm.DB, req AccessRequest, sess Session) (Decision, error)
}

func accessPolicyChain() []accessPolicy {
	return []accessPolicy{
		{name: "session_owner", evaluate: allowSessionOwner},
		{name: "roster_member_by_room", evaluate: allowRosterMemberByRoom},
		{name: "room_slot_occupant", evaluate: allowRoomSlotOccupant},
		{name: "roster_member_by_instance", evaluate: allowRosterMemberByInstance},
		{name: "collaborator_participant", evaluate: allowCollaboratorParticipant},
	}
}

func allowSessionOwner(_ context.Context, _ *gorm.DB, req AccessRequest, sess Session) (Decision, error) {
	if sess.OwnerID != "" && sess.OwnerID == req.CallerID {
		return DecisionAllow, nil
	}
	return DecisionContinue, nil
}

// allowRosterMemberByRoom admits members of the session room's match_roster,
// at any stored generation.
func allowRosterMemberByRoom(ctx context.Context, db *gorm.DB, req AccessRequest, sess Session) (Decision, error) {
	if sess.RoomID == "" {
		return DecisionContinue, nil
	}
	var count int64
	err := db.WithContext(ctx).Model(&roster.Row{}).
		Where("room_id = ? AND owner_id = ?", sess.RoomID, req.CallerID).
		Count(&count).Error
	if err != nil {
		return DecisionContinue, err
	}
	if count > 0 {
		return DecisionAllow, nil
	}
	return DecisionContinue, nil
}

// allowRoomSlotOccupant admits occupants of a room slot whose room matches
// the session's owner and game.
func allowRoomSlotOccupant(ctx context.Context, db *gorm.DB, req AccessRequest, sess Session) (Decision, error) {
	var count int64
	err := db.WithContext(ctx).Model(&RoomSlot{}).
		Joins("JOIN match_rooms ON match_rooms.room_id = room_slots.room_id").
		Where("room_slots.owner_id = ? AND room_slots.game_id = ?", req.CallerID, sess.GameID).
		Where("match_rooms.owner_id = ?", sess.OwnerID).
		Count(&count).Error
	if err != nil {
		return DecisionContinue, err
	}
	if count > 0 {
		return DecisionAllow, nil
	}
	return DecisionContinue, nil
}

// allowRosterMemberByInstance admits match_roster members located by match
// instance, provided the row's game agrees with the session's.
func allowRosterMemberByInstance(ctx context.Context, db *gorm.DB, req AccessRequest, sess Session) (Decision, error) {
	if req.MatchInstanceID == "" {
		return DecisionContinue, nil
	}
	var count int64
	err := db.WithContext(ctx).Model(&roster.Row{}).
		Where("match_instance_id = ? AND owner_id = ? AND game_id = ?",
			req.MatchInstanceID, req.CallerID, sess.GameID).
		Count(&count).Error
	if err != nil {
		return DecisionContinue, err
	}
	if count > 0 {
		return DecisionAllow, nil
	}
	return DecisionContinue, nil
}

// allowCollaboratorParticipant admits listed collaborators who also appear
// in the rank participant pool for the session's game.
func allowCollaboratorParticipant(ctx context.Context, db *gorm.DB, req AccessRequest, sess Session) (Decision, error) {
	var listed int64
	err := db.WithContext(ctx).Model(&Collaborator{}).
		Where("session_id = ? AND owner_id = ?", sess.SessionID, req.CallerID).
		Count(&listed).Error
	if err != nil || listed == 0 {
		return DecisionContinue, err
	}
	var participating int64
	err = db.WithContext(ctx).Model(&Participant{}).
		Where("game_id = ? AND owner_id = ?", sess.GameID, req.CallerID).
		Count(&participating).Error
	if err != nil {
		return DecisionContinue, err
	}
	if participating > 0 {
		return DecisionAllow, nil
	}
	return DecisionContinue, nil
}
