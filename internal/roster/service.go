package roster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ArcadePulseLabs/arena/backend/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "roster.service.new"
	opCommit     = "roster.commit"
	opLatest     = "roster.latest"

	// ReasonVersionConflict is surfaced when a stale writer loses the race.
	ReasonVersionConflict = "slot_version_conflict"
	// ReasonMissingAssertReady marks the readiness hook as unconfigured,
	// an operator-facing deployment problem rather than a user error.
	ReasonMissingAssertReady = "missing_assert_room_ready"

	reasonMissingDatabase   = "missing_database"
	reasonEmptyRoster       = "empty_roster"
	reasonRolesSlotsInvalid = "roles_slots_invalid"
	reasonDuplicateOwner    = "duplicate_owner"
	reasonRoomNotFound      = "room_not_found"
	reasonForbidden         = "forbidden"
	reasonRoomNotReady      = "room_not_ready"
	reasonRosterNotFound    = "roster_not_found"
	reasonCommitFailed      = "commit_failed"
	reasonQueryFailed       = "query_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errNotRoomOwner    = errors.New("caller is not the room owner")
	noOpLogger         = zap.NewNop()
)

// VersionConflictError reports a rejected stale commit together with the
// version the store already holds, so callers can refetch and retry.
type VersionConflictError struct {
	IncomingVersion int64
	StoredVersion   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("incoming slot template version %d is older than stored %d", e.IncomingVersion, e.StoredVersion)
}

// AssertReadyFunc is the store's readiness predicate. A nil hook is a
// deployment misconfiguration, not a user-facing failure.
type AssertReadyFunc func(ctx context.Context, req CommitRequest) error

// ServiceConfig wires the roster sync service.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	Logger      *zap.Logger
	AssertReady AssertReadyFunc
}

// Service merges proposed rosters into durable storage under optimistic
// versioning. All mutual exclusion lives in the store: the version check and
// row replacement happen inside one transaction holding the room row lock.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	logger      *zap.Logger
	assertReady AssertReadyFunc
}

// NewService constructs the roster sync service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:          cfg.Database,
		clock:       clock,
		logger:      logger,
		assertReady: cfg.AssertReady,
	}, nil
}

// Commit merges one staged roster. The whole commit is rejected with
// slot_version_conflict when the incoming version is older than the newest
// stored one; there is no partial apply.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	if err := validateCommit(req); err != nil {
		return CommitResult{}, err
	}

	if !req.AllowPartial {
		if s.assertReady == nil {
			s.logError(opCommit, ReasonMissingAssertReady, nil, zap.String("room_id", req.RoomID))
			return CommitResult{}, svcerr.New(opCommit, ReasonMissingAssertReady,
				errors.New("assert-ready hook is not configured; check store wiring"))
		}
		if err := s.assertReady(ctx, req); err != nil {
			s.logError(opCommit, reasonRoomNotReady, err, zap.String("room_id", req.RoomID))
			return CommitResult{}, svcerr.New(opCommit, reasonRoomNotReady, err)
		}
	}

	committedAt := s.clock().UTC().Unix()
	result := CommitResult{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room Room
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("room_id = ?", req.RoomID).
			Take(&room).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return svcerr.New(opCommit, reasonRoomNotFound, err)
		}
		if err != nil {
			s.logError(opCommit, reasonQueryFailed, err, zap.String("room_id", req.RoomID))
			return svcerr.New(opCommit, reasonQueryFailed, err)
		}
		if room.OwnerID != req.RequestOwnerID {
			return svcerr.New(opCommit, reasonForbidden, errNotRoomOwner)
		}

		var storedVersion int64
		if err := tx.Model(&Row{}).
			Where("room_id = ?", req.RoomID).
			Select("COALESCE(MAX(slot_template_version), 0)").
			Scan(&storedVersion).Error; err != nil {
			s.logError(opCommit, reasonQueryFailed, err, zap.String("room_id", req.RoomID))
			return svcerr.New(opCommit, reasonQueryFailed, err)
		}
		if req.Template.Version < storedVersion {
			return svcerr.New(opCommit, ReasonVersionConflict, &VersionConflictError{
				IncomingVersion: req.Template.Version,
				StoredVersion:   storedVersion,
			})
		}

		// Re-commit of the same version replaces that generation in place.
		if err := tx.Where("room_id = ? AND slot_template_version = ?", req.RoomID, req.Template.Version).
			Delete(&Row{}).Error; err != nil {
			s.logError(opCommit, reasonCommitFailed, err, zap.String("room_id", req.RoomID))
			return svcerr.New(opCommit, reasonCommitFailed, err)
		}

		rows := make([]Row, 0, len(req.Slots))
		for _, slot := range req.Slots {
			rows = append(rows, Row{
				RoomID:              req.RoomID,
				SlotTemplateVersion: req.Template.Version,
				SlotIndex:           slot.SlotIndex,
				MatchInstanceID:     req.MatchInstanceID,
				GameID:              req.GameID,
				SlotID:              slot.SlotID,
				Role:                slot.Role,
				OwnerID:             slot.OwnerID,
				HeroID:              slot.HeroID,
				HeroName:            slot.HeroName,
				Ready:               slot.Ready,
				JoinedAtSeconds:     slot.JoinedAtSeconds,
				Standin:             slot.Standin,
				MatchSource:         slot.MatchSource,
				Score:               slot.Score,
				Rating:              slot.Rating,
				Battles:             slot.Battles,
				WinRate:             slot.WinRate,
				Status:              slot.Status,
				SlotTemplateSource:  req.Template.Source,
				UpdatedAtSeconds:    committedAt,
			})
		}
		if err := tx.Create(&rows).Error; err != nil {
			s.logError(opCommit, reasonCommitFailed, err, zap.String("room_id", req.RoomID))
			return svcerr.New(opCommit, reasonCommitFailed, err)
		}

		if err := tx.Model(&Room{}).
			Where("room_id = ?", req.RoomID).
			Update("updated_at_s", committedAt).Error; err != nil {
			s.logError(opCommit, reasonCommitFailed, err, zap.String("room_id", req.RoomID))
			return svcerr.New(opCommit, reasonCommitFailed, err)
		}

		result = CommitResult{
			Version:          req.Template.Version,
			UpdatedAtSeconds: committedAt,
			InsertedRows:     len(rows),
		}
		return nil
	})
	if txErr != nil {
		return CommitResult{}, txErr
	}
	return result, nil
}

// Latest returns the newest roster snapshot for the room. Rows at lower
// versions stay in storage but never surface here.
func (s *Service) Latest(ctx context.Context, roomID string) (Snapshot, error) {
	var storedVersion int64
	if err := s.db.WithContext(ctx).Model(&Row{}).
		Where("room_id = ?", roomID).
		Select("COALESCE(MAX(slot_template_version), 0)").
		Scan(&storedVersion).Error; err != nil {
		s.logError(opLatest, reasonQueryFailed, err, zap.String("room_id", roomID))
		return Snapshot{}, svcerr.New(opLatest, reasonQueryFailed, err)
	}
	if storedVersion == 0 {
		return Snapshot{}, svcerr.New(opLatest, reasonRosterNotFound, gorm.ErrRecordNotFound)
	}

	var rows []Row
	if err := s.db.WithContext(ctx).
		Where("room_id = ? AND slot_template_version = ?", roomID, storedVersion).
		Order("slot_index ASC").
		Find(&rows).Error; err != nil {
		s.logError(opLatest, reasonQueryFailed, err, zap.String("room_id", roomID))
		return Snapshot{}, svcerr.New(opLatest, reasonQueryFailed, err)
	}
	return Snapshot{Version: storedVersion, Rows: rows}, nil
}

// GetRoom loads one room record.
func (s *Service) GetRoom(ctx context.Context, roomID string) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, svcerr.New(opLatest, reasonRoomNotFound, err)
	}
	if err != nil {
		s.logError(opLatest, reasonQueryFailed, err, zap.String("room_id", roomID))
		return Room{}, svcerr.New(opLatest, reasonQueryFailed, err)
	}
	return room, nil
}

func validateCommit(req CommitRequest) error {
	if len(req.Slots) == 0 {
		return svcerr.New(opCommit, reasonEmptyRoster, errors.New("roster array is empty"))
	}
	if len(req.Template.Roles) > 0 {
		total := 0
		for _, role := range req.Template.Roles {
			if role.Name == "" || role.SlotCount <= 0 {
				return svcerr.New(opCommit, reasonRolesSlotsInvalid,
					fmt.Errorf("role %q has slot count %d", role.Name, role.SlotCount))
			}
			total += role.SlotCount
		}
		if total != len(req.Slots) {
			return svcerr.New(opCommit, reasonRolesSlotsInvalid,
				fmt.Errorf("roles declare %d slots, roster has %d", total, len(req.Slots)))
		}
	}
	seen := make(map[string]int, len(req.Slots))
	for _, slot := range req.Slots {
		if slot.OwnerID == nil || *slot.OwnerID == "" {
			continue
		}
		if prior, duplicate := seen[*slot.OwnerID]; duplicate {
			return svcerr.New(opCommit, reasonDuplicateOwner,
				fmt.Errorf("owner %s holds slots %d and %d", *slot.OwnerID, prior, slot.SlotIndex))
		}
		seen[*slot.OwnerID] = slot.SlotIndex
	}
	return nil
}

// ReadySlots is a template-level readiness predicate suitable for wiring as
// the AssertReady hook: every seat must be occupied or explicitly a standin.
func ReadySlots(_ context.Context, req CommitRequest) error {
	for _, slot := range req.Slots {
		if slot.Standin {
			continue
		}
		if slot.OwnerID == nil || *slot.OwnerID == "" {
			return fmt.Errorf("slot %d has no occupant", slot.SlotIndex)
		}
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("roster service error", attrs...)
}
