package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ArcadePulseLabs/arena/backend/internal/auth"
	"github.com/ArcadePulseLabs/arena/backend/internal/roster"
	"github.com/ArcadePulseLabs/arena/backend/internal/session"
	"github.com/ArcadePulseLabs/arena/backend/internal/standin"
	"github.com/ArcadePulseLabs/arena/backend/internal/timeline"
	"github.com/gin-gonic/gin"
	githubsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	server     *httptest.Server
	db         *gorm.DB
	tokens     *auth.TokenManager
	publisher  *timeline.Publisher
	dispatcher *timeline.Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(
		&roster.Room{}, &roster.Row{},
		&session.Session{}, &session.RoomSlot{}, &session.Collaborator{},
		&session.Participant{}, &session.TurnEvent{},
		&timeline.Event{}, &standin.Hero{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	tokens := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "arena-auth",
		Audience:      "arena-api",
		TokenTTL:      time.Minute,
	})
	dispatcher := timeline.NewDispatcher()
	publisher, err := timeline.NewPublisher(timeline.PublisherConfig{
		Database:      db,
		Dispatcher:    dispatcher,
		ChannelPrefix: "rank-session",
	})
	if err != nil {
		t.Fatalf("failed to construct publisher: %v", err)
	}
	rosterService, err := roster.NewService(roster.ServiceConfig{
		Database:    db,
		AssertReady: roster.ReadySlots,
	})
	if err != nil {
		t.Fatalf("failed to construct roster service: %v", err)
	}
	coordinator, err := session.NewCoordinator(session.CoordinatorConfig{
		Database:   db,
		IDProvider: session.NewUUIDProvider(),
		Timeline:   publisher,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	pool, err := standin.NewPool(standin.PoolConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct pool: %v", err)
	}
	selector, err := standin.NewSelector(standin.SelectorConfig{Pool: pool, Database: db})
	if err != nil {
		t.Fatalf("failed to construct selector: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:  tokens,
		Roster:        rosterService,
		Sessions:      coordinator,
		Standins:      selector,
		Timeline:      publisher,
		Realtime:      dispatcher,
		EnsureSession: coordinator.EnsureForRoom,
		Audit:         NewAuditLog(16),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testEnv{server: server, db: db, tokens: tokens, publisher: publisher, dispatcher: dispatcher}
}

func (env *testEnv) token(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := env.tokens.IssueToken(context.Background(), subject)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (env *testEnv) seedRoom(t *testing.T, roomID, gameID, ownerID string) {
	t.Helper()
	room := roster.Room{RoomID: roomID, GameID: gameID, OwnerID: ownerID, CreatedAtSeconds: 1, UpdatedAtSeconds: 1}
	if err := env.db.Create(&room).Error; err != nil {
		t.Fatalf("failed to seed room: %v", err)
	}
}

func (env *testEnv) postJSON(t *testing.T, token, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	request, err := http.NewRequest(http.MethodPost, env.server.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	var payload map[string]any
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return response, payload
}

func stageBody(version int64, dpsOwner string) string {
	dps := "null"
	if dpsOwner != "" {
		dps = fmt.Sprintf("%q", dpsOwner)
	}
	return fmt.Sprintf(`{
		"match_instance_id": "mi-1",
		"room_id": "room-1",
		"game_id": "game-1",
		"allow_partial": true,
		"slot_template": {
			"version": %d,
			"source": "lobby",
			"updated_at_s": 1700000000,
			"roles": [{"name":"tank","slot_count":1},{"name":"dps","slot_count":2}]
		},
		"roster": [
			{"slot_index":0,"slot_id":"s0","role":"tank","owner_id":"owner-a","ready":true,"score":1500},
			{"slot_index":1,"slot_id":"s1","role":"dps","owner_id":"owner-b","ready":true,"score":1490},
			{"slot_index":2,"slot_id":"s2","role":"dps","owner_id":%s,"score":1510}
		]
	}`, version, dps)
}

func TestRouterRejectsMissingToken(testContext *testing.T) {
	env := newTestEnv(testContext)
	response, payload := env.postJSON(testContext, "", "/match/stage", stageBody(100, "owner-c"))
	if response.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized status, got %d", response.StatusCode)
	}
	if payload["error"] == "" {
		testContext.Fatalf("expected error body, got %v", payload)
	}
}

func TestStageMatchCommitsRosterAndEnsuresSession(testContext *testing.T) {
	env := newTestEnv(testContext)
	env.seedRoom(testContext, "room-1", "game-1", "owner-a")
	token := env.token(testContext, "owner-a")

	response, payload := env.postJSON(testContext, token, "/match/stage", stageBody(100, "owner-c"))
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status: %d body %v", response.StatusCode, payload)
	}
	if payload["staged"] != true {
		testContext.Fatalf("expected staged response, got %v", payload)
	}
	if payload["slot_template_version"] != float64(100) {
		testContext.Fatalf("expected committed version 100, got %v", payload["slot_template_version"])
	}
	sessionID, _ := payload["session_id"].(string)
	if sessionID == "" {
		testContext.Fatalf("expected a session id, got %v", payload)
	}

	var rows int64
	if err := env.db.Model(&roster.Row{}).Where("room_id = ?", "room-1").Count(&rows).Error; err != nil {
		testContext.Fatalf("failed to count roster rows: %v", err)
	}
	if rows != 3 {
		testContext.Fatalf("expected 3 roster rows, got %d", rows)
	}

	// Re-staging must reuse the same session, not mint a second one.
	_, second := env.postJSON(testContext, token, "/match/stage", stageBody(101, "owner-c"))
	if second["session_id"] != sessionID {
		testContext.Fatalf("expected stable session id, got %v then %v", sessionID, second["session_id"])
	}
}

func TestStageMatchStaleVersionConflict(testContext *testing.T) {
	env := newTestEnv(testContext)
	env.seedRoom(testContext, "room-1", "game-1", "owner-a")
	token := env.token(testContext, "owner-a")

	if response, payload := env.postJSON(testContext, token, "/match/stage", stageBody(100, "owner-c")); response.StatusCode != http.StatusOK {
		testContext.Fatalf("initial stage failed: %d %v", response.StatusCode, payload)
	}
	response, payload := env.postJSON(testContext, token, "/match/stage", stageBody(99, "owner-c"))
	if response.StatusCode != http.StatusConflict {
		testContext.Fatalf("expected conflict status, got %d body %v", response.StatusCode, payload)
	}
	if payload["error"] != "slot_version_conflict" {
		testContext.Fatalf("expected slot_version_conflict, got %v", payload["error"])
	}
}

func TestStageMatchValidationFailures(testContext *testing.T) {
	env := newTestEnv(testContext)
	token := env.token(testContext, "owner-a")

	testCases := []struct {
		name      string
		body      string
		wantError string
	}{
		{
			name:      "missing-room-id",
			body:      `{"match_instance_id":"mi-1","game_id":"game-1","roster":[{"slot_index":0}]}`,
			wantError: "missing_room_id",
		},
		{
			name:      "missing-game-id",
			body:      `{"match_instance_id":"mi-1","room_id":"room-1","roster":[{"slot_index":0}]}`,
			wantError: "missing_game_id",
		},
		{
			name:      "missing-match-instance",
			body:      `{"room_id":"room-1","game_id":"game-1","roster":[{"slot_index":0}]}`,
			wantError: "missing_match_instance_id",
		},
		{
			name:      "empty-roster",
			body:      `{"match_instance_id":"mi-1","room_id":"room-1","game_id":"game-1","allow_partial":true}`,
			wantError: "empty_roster",
		},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			response, payload := env.postJSON(testContext, token, "/match/stage", testCase.body)
			if response.StatusCode != http.StatusBadRequest {
				testContext.Fatalf("unexpected status: %d body %v", response.StatusCode, payload)
			}
			if payload["error"] != testCase.wantError {
				testContext.Fatalf("expected %s, got %v", testCase.wantError, payload["error"])
			}
		})
	}
}

func TestReadyTimeoutWithoutMissingOwnersReportsNoTargetSeats(testContext *testing.T) {
	env := newTestEnv(testContext)
	env.seedRoom(testContext, "room-1", "game-1", "owner-a")
	token := env.token(testContext, "owner-a")
	if response, payload := env.postJSON(testContext, token, "/match/stage", stageBody(100, "owner-c")); response.StatusCode != http.StatusOK {
		testContext.Fatalf("stage failed: %d %v", response.StatusCode, payload)
	}

	body := `{"match_instance_id":"mi-1","game_id":"game-1","room_id":"room-1","missing_owner_ids":[]}`
	response, payload := env.postJSON(testContext, token, "/match/ready-timeout", body)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status: %d body %v", response.StatusCode, payload)
	}
	if payload["updated"] != false || payload["message"] != "no_target_seats" {
		testContext.Fatalf("expected no_target_seats outcome, got %v", payload)
	}
}

func TestReadyTimeoutBackfillsVacantSeat(testContext *testing.T) {
	env := newTestEnv(testContext)
	env.seedRoom(testContext, "room-1", "game-1", "owner-a")
	heroID := "hero-9"
	participant := session.Participant{GameID: "game-1", OwnerID: "standin-1", HeroID: &heroID, Role: "dps", Score: 1505}
	if err := env.db.Create(&participant).Error; err != nil {
		testContext.Fatalf("failed to seed participant: %v", err)
	}
	token := env.token(testContext, "owner-a")
	if response, payload := env.postJSON(testContext, token, "/match/stage", stageBody(101, "")); response.StatusCode != http.StatusOK {
		testContext.Fatalf("stage failed: %d %v", response.StatusCode, payload)
	}

	body := `{"match_instance_id":"mi-1","game_id":"game-1","room_id":"room-1","missing_owner_ids":["owner-c"]}`
	response, payload := env.postJSON(testContext, token, "/match/ready-timeout", body)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status: %d body %v", response.StatusCode, payload)
	}
	if payload["updated"] != true {
		testContext.Fatalf("expected an updated roster, got %v", payload)
	}
	assignments, _ := payload["assignments"].([]any)
	if len(assignments) != 1 {
		testContext.Fatalf("expected exactly one assignment, got %v", payload["assignments"])
	}
	assignment := assignments[0].(map[string]any)
	if assignment["slotIndex"] != float64(2) {
		testContext.Fatalf("expected slot index 2, got %v", assignment["slotIndex"])
	}
	if assignment["ownerId"] != "standin-1" {
		testContext.Fatalf("expected pool candidate, got %v", assignment["ownerId"])
	}
	diagnostics := payload["diagnostics"].(map[string]any)
	if diagnostics["requestedSeats"] != float64(1) {
		testContext.Fatalf("expected one requested seat, got %v", diagnostics["requestedSeats"])
	}

	var latest []roster.Row
	if err := env.db.Where("room_id = ? AND slot_index = ?", "room-1", 2).
		Order("slot_template_version DESC").Limit(1).Find(&latest).Error; err != nil {
		testContext.Fatalf("failed to read roster: %v", err)
	}
	if len(latest) != 1 || latest[0].OwnerID == nil || *latest[0].OwnerID != "standin-1" {
		testContext.Fatalf("expected the standin seated in storage, got %#v", latest)
	}
	if !latest[0].Standin || latest[0].MatchSource != standin.MatchSourcePool {
		testContext.Fatalf("expected standin row markers, got %#v", latest[0])
	}
}

func TestReadyTimeoutForbiddenForStranger(testContext *testing.T) {
	env := newTestEnv(testContext)
	env.seedRoom(testContext, "room-1", "game-1", "owner-a")
	ownerToken := env.token(testContext, "owner-a")
	if response, payload := env.postJSON(testContext, ownerToken, "/match/stage", stageBody(100, "owner-c")); response.StatusCode != http.StatusOK {
		testContext.Fatalf("stage failed: %d %v", response.StatusCode, payload)
	}

	strangerToken := env.token(testContext, "stranger")
	body := `{"match_instance_id":"mi-1","game_id":"game-1","room_id":"room-1","missing_owner_ids":["owner-c"]}`
	response, payload := env.postJSON(testContext, strangerToken, "/match/ready-timeout", body)
	if response.StatusCode != http.StatusForbidden {
		testContext.Fatalf("expected forbidden status, got %d body %v", response.StatusCode, payload)
	}
}

func TestSessionMetaUpsertAndTurnEvent(testContext *testing.T) {
	env := newTestEnv(testContext)
	env.seedRoom(testContext, "room-1", "game-1", "owner-a")
	token := env.token(testContext, "owner-a")
	_, staged := env.postJSON(testContext, token, "/match/stage", stageBody(100, "owner-c"))
	sessionID := staged["session_id"].(string)

	body := fmt.Sprintf(`{
		"session_id": %q,
		"game_id": "game-1",
		"meta": {"selected_time_limit_s": 90, "drop_in_bonus_s": -5, "realtime_mode": "laser"},
		"turn_state_event": {"turn_number": 3, "source": "client", "extras": {"drop_in_bonus_applied": true, "bonus_s": 30}}
	}`, sessionID)
	response, payload := env.postJSON(testContext, token, "/session/meta", body)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status: %d body %v", response.StatusCode, payload)
	}
	meta := payload["meta"].(map[string]any)
	if meta["selected_time_limit_s"] != float64(90) {
		testContext.Fatalf("expected merged time limit, got %v", meta["selected_time_limit_s"])
	}
	if meta["drop_in_bonus_s"] != float64(0) {
		testContext.Fatalf("expected negative bonus clamped to zero, got %v", meta["drop_in_bonus_s"])
	}
	if meta["realtime_mode"] != "off" {
		testContext.Fatalf("expected unknown realtime mode to fall back to off, got %v", meta["realtime_mode"])
	}
	event := payload["event"].(map[string]any)
	if event["turn_number"] != float64(3) {
		testContext.Fatalf("expected sequenced turn event, got %v", event)
	}
	timelineEvent, ok := payload["timelineEvent"].(map[string]any)
	if !ok || timelineEvent["type"] != "turn_timer_extended" {
		testContext.Fatalf("expected derived timer extension event, got %v", payload["timelineEvent"])
	}
}

func TestSessionMetaErrors(testContext *testing.T) {
	env := newTestEnv(testContext)
	token := env.token(testContext, "owner-a")

	response, payload := env.postJSON(testContext, token, "/session/meta", `{"meta":{}}`)
	if response.StatusCode != http.StatusBadRequest || payload["error"] != "missing_session_id" {
		testContext.Fatalf("expected missing_session_id, got %d %v", response.StatusCode, payload)
	}

	response, payload = env.postJSON(testContext, token, "/session/meta", `{"session_id":"no-such","meta":{}}`)
	if response.StatusCode != http.StatusNotFound || payload["error"] != "session_not_found" {
		testContext.Fatalf("expected session_not_found, got %d %v", response.StatusCode, payload)
	}
}

func TestSessionMetaGameMismatch(testContext *testing.T) {
	env := newTestEnv(testContext)
	env.seedRoom(testContext, "room-1", "game-1", "owner-a")
	token := env.token(testContext, "owner-a")
	_, staged := env.postJSON(testContext, token, "/match/stage", stageBody(100, "owner-c"))
	sessionID := staged["session_id"].(string)

	body := fmt.Sprintf(`{"session_id": %q, "game_id": "other-game", "meta": {}}`, sessionID)
	response, payload := env.postJSON(testContext, token, "/session/meta", body)
	if response.StatusCode != http.StatusBadRequest || payload["error"] != "session_game_mismatch" {
		testContext.Fatalf("expected session_game_mismatch, got %d %v", response.StatusCode, payload)
	}
}

func TestMatchmakeFillsRoom(testContext *testing.T) {
	env := newTestEnv(testContext)
	token := env.token(testContext, "owner-a")

	body := `{
		"roles": [{"name":"tank","slot_count":1},{"name":"dps","slot_count":1}],
		"windows": [100],
		"queue": [
			{"owner_id":"p1","role":"tank","score":1500,"joined_at_s":1},
			{"owner_id":"p2","role":"dps","score":1550,"joined_at_s":2}
		]
	}`
	response, payload := env.postJSON(testContext, token, "/matchmake", body)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status: %d body %v", response.StatusCode, payload)
	}
	if payload["ready"] != true {
		testContext.Fatalf("expected a ready room, got %v", payload)
	}
	rooms := payload["rooms"].([]any)
	if len(rooms) != 1 {
		testContext.Fatalf("expected one room, got %v", payload["rooms"])
	}
}

func TestMatchmakeReportsStarvedRoles(testContext *testing.T) {
	env := newTestEnv(testContext)
	token := env.token(testContext, "owner-a")

	body := `{
		"roles": [{"name":"tank","slot_count":1},{"name":"dps","slot_count":1}],
		"windows": [50],
		"queue": [{"owner_id":"p1","role":"tank","score":1500,"joined_at_s":1}]
	}`
	response, payload := env.postJSON(testContext, token, "/matchmake", body)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status: %d body %v", response.StatusCode, payload)
	}
	if payload["ready"] != false {
		testContext.Fatalf("expected not ready, got %v", payload)
	}
	starved := payload["starved_roles"].([]any)
	if len(starved) == 0 {
		testContext.Fatalf("expected starved roles, got %v", payload)
	}
}

func TestAuditTrailRecordsMutatingRequests(testContext *testing.T) {
	env := newTestEnv(testContext)
	token := env.token(testContext, "owner-a")

	// A failed stage still leaves a trail entry with its outcome code.
	env.postJSON(testContext, token, "/match/stage", `{"room_id":"room-1"}`)

	request, err := http.NewRequest(http.MethodGet, env.server.URL+"/ops/audit", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	var payload struct {
		Entries []AuditEntry `json:"entries"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Entries) != 1 {
		testContext.Fatalf("expected one audit entry, got %d", len(payload.Entries))
	}
	entry := payload.Entries[0]
	if entry.Endpoint != "/match/stage" || entry.CallerID != "owner-a" || entry.Outcome != "missing_match_instance_id" {
		testContext.Fatalf("unexpected audit entry: %#v", entry)
	}
}

func TestAuditLogEvictsOldestFirst(testContext *testing.T) {
	log := NewAuditLog(2)
	log.Record(AuditEntry{Endpoint: "/a"})
	log.Record(AuditEntry{Endpoint: "/b"})
	log.Record(AuditEntry{Endpoint: "/c"})

	entries := log.Entries()
	if len(entries) != 2 {
		testContext.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Endpoint != "/b" || entries[1].Endpoint != "/c" {
		testContext.Fatalf("expected oldest-first order b,c; got %s,%s", entries[0].Endpoint, entries[1].Endpoint)
	}
}
