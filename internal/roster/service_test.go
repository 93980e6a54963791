package roster

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ArcadePulseLabs/arena/backend/internal/svcerr"
	githubsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&Room{}, &Row{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:    db,
		Clock:       func() time.Time { return time.Unix(1700000000, 0) },
		AssertReady: ReadySlots,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func seedRoom(t *testing.T, db *gorm.DB, roomID, ownerID string) {
	t.Helper()
	room := Room{RoomID: roomID, GameID: "game-1", OwnerID: ownerID, CreatedAtSeconds: 1699990000}
	if err := db.Create(&room).Error; err != nil {
		t.Fatalf("failed to seed room: %v", err)
	}
}

func ownerRef(id string) *string {
	return &id
}

func stagedRequest(roomID, ownerID string, version int64, slots []Slot) CommitRequest {
	return CommitRequest{
		MatchInstanceID: "instance-1",
		RoomID:          roomID,
		GameID:          "game-1",
		RequestOwnerID:  ownerID,
		Template: SlotTemplate{
			Version:          version,
			Source:           "lobby",
			UpdatedAtSeconds: version / 1000,
		},
		Slots: slots,
	}
}

func fullSlots() []Slot {
	return []Slot{
		{SlotIndex: 0, SlotID: "s0", Role: "tank", OwnerID: ownerRef("owner-a"), Ready: true},
		{SlotIndex: 1, SlotID: "s1", Role: "dps", OwnerID: ownerRef("owner-b"), Ready: true},
		{SlotIndex: 2, SlotID: "s2", Role: "dps", OwnerID: ownerRef("owner-c"), Ready: true},
	}
}

func TestCommitPersistsSnapshot(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db)
	seedRoom(t, db, "room-1", "owner-a")

	result, err := service.Commit(context.Background(), stagedRequest("room-1", "owner-a", 100, fullSlots()))
	if err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	if result.Version != 100 {
		t.Fatalf("expected version 100, got %d", result.Version)
	}
	if result.InsertedRows != 3 {
		t.Fatalf("expected 3 inserted rows, got %d", result.InsertedRows)
	}
	if result.UpdatedAtSeconds != 1700000000 {
		t.Fatalf("expected commit clock stamp, got %d", result.UpdatedAtSeconds)
	}

	snapshot, err := service.Latest(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("unexpected latest error: %v", err)
	}
	if snapshot.Version != 100 || len(snapshot.Rows) != 3 {
		t.Fatalf("unexpected snapshot: version %d rows %d", snapshot.Version, len(snapshot.Rows))
	}
}

func TestCommitRejectsStaleVersionWithoutMutating(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db)
	seedRoom(t, db, "room-1", "owner-a")

	if _, err := service.Commit(context.Background(), stagedRequest("room-1", "owner-a", 200, fullSlots())); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	stale := stagedRequest("room-1", "owner-a", 100, fullSlots())
	stale.Slots[0].OwnerID = ownerRef("intruder")
	_, err := service.Commit(context.Background(), stale)
	if svcerr.ReasonOf(err, "") != ReasonVersionConflict {
		t.Fatalf("expected slot_version_conflict, got %v", err)
	}
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if conflict.StoredVersion != 200 || conflict.IncomingVersion != 100 {
		t.Fatalf("unexpected conflict payload: %+v", conflict)
	}

	snapshot, err := service.Latest(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("unexpected latest error: %v", err)
	}
	if snapshot.Version != 200 {
		t.Fatalf("stale commit must not supersede stored version, got %d", snapshot.Version)
	}
	if *snapshot.Rows[0].OwnerID == "intruder" {
		t.Fatal("stale commit leaked into storage")
	}
}

func TestCommitNewerVersionSupersedesOlder(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db)
	seedRoom(t, db, "room-1", "owner-a")

	if _, err := service.Commit(context.Background(), stagedRequest("room-1", "owner-a", 100, fullSlots())); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	replacement := fullSlots()
	replacement[2].OwnerID = ownerRef("owner-d")
	if _, err := service.Commit(context.Background(), stagedRequest("room-1", "owner-a", 101, replacement)); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	snapshot, err := service.Latest(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("unexpected latest error: %v", err)
	}
	if snapshot.Version != 101 {
		t.Fatalf("expected version 101, got %d", snapshot.Version)
	}
	if *snapshot.Rows[2].OwnerID != "owner-d" {
		t.Fatalf("expected superseding row, got %v", snapshot.Rows[2].OwnerID)
	}

	// Lower-version rows stay in storage, version-scoped out of reads.
	var total int64
	if err := db.Model(&Row{}).Where("room_id = ?", "room-1").Count(&total).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 6 {
		t.Fatalf("expected 6 stored rows across generations, got %d", total)
	}
}

func TestCommitSameVersionReplacesGeneration(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db)
	seedRoom(t, db, "room-1", "owner-a")

	if _, err := service.Commit(context.Background(), stagedRequest("room-1", "owner-a", 100, fullSlots())); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	if _, err := service.Commit(context.Background(), stagedRequest("room-1", "owner-a", 100, fullSlots())); err != nil {
		t.Fatalf("re-commit of the same version must succeed: %v", err)
	}

	snapshot, err := service.Latest(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("unexpected latest error: %v", err)
	}
	if len(snapshot.Rows) != 3 {
		t.Fatalf("same-version re-commit duplicated rows: %d", len(snapshot.Rows))
	}
}

func TestCommitRejectsNonOwner(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db)
	seedRoom(t, db, "room-1", "owner-a")

	_, err := service.Commit(context.Background(), stagedRequest("room-1", "owner-z", 100, fullSlots()))
	if svcerr.ReasonOf(err, "") != "forbidden" {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCommitValidation(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db)
	seedRoom(t, db, "room-1", "owner-a")

	empty := stagedRequest("room-1", "owner-a", 100, nil)
	if _, err := service.Commit(context.Background(), empty); svcerr.ReasonOf(err, "") != "empty_roster" {
		t.Fatalf("expected empty_roster, got %v", err)
	}

	missingRoom := stagedRequest("room-404", "owner-a", 100, fullSlots())
	if _, err := service.Commit(context.Background(), missingRoom); svcerr.ReasonOf(err, "") != "room_not_found" {
		t.Fatalf("expected room_not_found, got %v", err)
	}

	duplicated := stagedRequest("room-1", "owner-a", 100, fullSlots())
	duplicated.Slots[2].OwnerID = ownerRef("owner-a")
	if _, err := service.Commit(context.Background(), duplicated); svcerr.ReasonOf(err, "") != "duplicate_owner" {
		t.Fatalf("expected duplicate_owner, got %v", err)
	}

	mismatched := stagedRequest("room-1", "owner-a", 100, fullSlots())
	mismatched.Template.Roles = []RoleSpec{{Name: "tank", SlotCount: 1}}
	if _, err := service.Commit(context.Background(), mismatched); svcerr.ReasonOf(err, "") != "roles_slots_invalid" {
		t.Fatalf("expected roles_slots_invalid, got %v", err)
	}
}

func TestCommitRequiresAssertReadyHook(t *testing.T) {
	db := openTestDB(t)
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	seedRoom(t, db, "room-1", "owner-a")

	_, err = service.Commit(context.Background(), stagedRequest("room-1", "owner-a", 100, fullSlots()))
	if svcerr.ReasonOf(err, "") != ReasonMissingAssertReady {
		t.Fatalf("expected missing_assert_room_ready, got %v", err)
	}

	partial := stagedRequest("room-1", "owner-a", 100, fullSlots())
	partial.AllowPartial = true
	if _, err := service.Commit(context.Background(), partial); err != nil {
		t.Fatalf("allow_partial must bypass the readiness hook: %v", err)
	}
}

func TestReadySlotsPredicate(t *testing.T) {
	slots := fullSlots()
	if err := ReadySlots(context.Background(), CommitRequest{Slots: slots}); err != nil {
		t.Fatalf("fully seated roster must be ready: %v", err)
	}

	slots[1].OwnerID = nil
	if err := ReadySlots(context.Background(), CommitRequest{Slots: slots}); err == nil {
		t.Fatal("vacant human seat must fail readiness")
	}

	slots[1].Standin = true
	if err := ReadySlots(context.Background(), CommitRequest{Slots: slots}); err != nil {
		t.Fatalf("standin seat counts as occupied: %v", err)
	}
}
