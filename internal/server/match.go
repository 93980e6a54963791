package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ArcadePulseLabs/arena/backend/internal/matchmaking"
	"github.com/ArcadePulseLabs/arena/backend/internal/roster"
	"github.com/ArcadePulseLabs/arena/backend/internal/session"
	"github.com/ArcadePulseLabs/arena/backend/internal/standin"
	"github.com/ArcadePulseLabs/arena/backend/internal/svcerr"
	"github.com/ArcadePulseLabs/arena/backend/internal/timeline"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	opStage                      = "server.stage_room_match"
	timelineEventStandinInserted = "standin_inserted"
)

type slotTemplatePayload struct {
	Version          int64             `json:"version"`
	Source           string            `json:"source"`
	UpdatedAtSeconds int64             `json:"updated_at_s"`
	Roles            []roster.RoleSpec `json:"roles"`
	Slots            []roster.Slot     `json:"slots"`
}

type stageMatchPayload struct {
	MatchInstanceID string              `json:"match_instance_id"`
	RoomID          string              `json:"room_id"`
	GameID          string              `json:"game_id"`
	Roster          []roster.Slot       `json:"roster"`
	HeroMap         map[string]string   `json:"hero_map"`
	SlotTemplate    slotTemplatePayload `json:"slot_template"`
	AllowPartial    bool                `json:"allow_partial"`
	AsyncFillMeta   json.RawMessage     `json:"async_fill_meta"`
	ReadyVote       *string             `json:"ready_vote"`
}

type stageMatchResponse struct {
	OK                    bool   `json:"ok"`
	Staged                bool   `json:"staged"`
	SlotTemplateVersion   int64  `json:"slot_template_version"`
	SlotTemplateUpdatedAt int64  `json:"slot_template_updated_at"`
	SessionID             string `json:"session_id"`
	ReadyVote             string `json:"ready_vote,omitempty"`
}

func (h *httpHandler) handleStageMatch(c *gin.Context) {
	var request stageMatchPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_payload")
		return
	}
	if request.MatchInstanceID == "" {
		h.respondInvalid(c, "missing_match_instance_id")
		return
	}
	if request.RoomID == "" {
		h.respondInvalid(c, "missing_room_id")
		return
	}
	if request.GameID == "" {
		h.respondInvalid(c, "missing_game_id")
		return
	}

	slots := request.Roster
	if len(slots) == 0 {
		slots = request.SlotTemplate.Slots
	}
	applyHeroMap(slots, request.HeroMap)

	commitResult, err := h.roster.Commit(c.Request.Context(), roster.CommitRequest{
		MatchInstanceID: request.MatchInstanceID,
		RoomID:          request.RoomID,
		GameID:          request.GameID,
		RequestOwnerID:  callerID(c),
		Template: roster.SlotTemplate{
			Version:          request.SlotTemplate.Version,
			Source:           request.SlotTemplate.Source,
			UpdatedAtSeconds: request.SlotTemplate.UpdatedAtSeconds,
			Roles:            request.SlotTemplate.Roles,
		},
		Slots:        slots,
		AllowPartial: request.AllowPartial,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	if h.ensureSession == nil {
		h.respondError(c, svcerr.New(opStage, "missing_ensure_rank_session_for_room",
			errors.New("session ensure hook is not configured")))
		return
	}
	sess, err := h.ensureSession(c.Request.Context(), request.RoomID, request.GameID, callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if sess.SessionID == "" {
		h.respondError(c, svcerr.New(opStage, "session_id_unavailable",
			errors.New("ensured session carries no identifier")))
		return
	}

	patch := session.MetaPatch{SessionID: sess.SessionID}
	patched := false
	if request.ReadyVote != nil {
		patch.TimeVote = request.ReadyVote
		patched = true
	}
	if len(request.AsyncFillMeta) > 0 {
		snapshot := string(request.AsyncFillMeta)
		patch.AsyncFillSnapshot = &snapshot
		patched = true
	}
	readyVote := sess.TimeVote
	if patched {
		updated, err := h.sessions.UpsertMeta(c.Request.Context(), patch)
		if err != nil {
			h.respondError(c, err)
			return
		}
		readyVote = updated.TimeVote
	}

	c.JSON(http.StatusOK, stageMatchResponse{
		OK:                    true,
		Staged:                true,
		SlotTemplateVersion:   commitResult.Version,
		SlotTemplateUpdatedAt: commitResult.UpdatedAtSeconds,
		SessionID:             sess.SessionID,
		ReadyVote:             readyVote,
	})
}

// applyHeroMap backfills display names for rows that arrived with only a
// hero id.
func applyHeroMap(slots []roster.Slot, heroMap map[string]string) {
	if len(heroMap) == 0 {
		return
	}
	for i := range slots {
		if slots[i].HeroName != "" || slots[i].HeroID == nil {
			continue
		}
		if name, ok := heroMap[*slots[i].HeroID]; ok {
			slots[i].HeroName = name
		}
	}
}

type readyTimeoutPayload struct {
	MatchInstanceID string   `json:"match_instance_id"`
	GameID          string   `json:"game_id"`
	RoomID          string   `json:"room_id"`
	MissingOwnerIDs []string `json:"missing_owner_ids"`
}

type assignmentPayload struct {
	SlotIndex int     `json:"slotIndex"`
	OwnerID   *string `json:"ownerId"`
	HeroID    *string `json:"heroId"`
	Tolerance int     `json:"tolerance"`
}

type readyTimeoutResponse struct {
	Updated      bool                 `json:"updated"`
	Message      string               `json:"message,omitempty"`
	Assignments  []assignmentPayload  `json:"assignments,omitempty"`
	Placeholders int                  `json:"placeholders"`
	Diagnostics  *standin.Diagnostics `json:"diagnostics,omitempty"`
}

func (h *httpHandler) handleReadyTimeout(c *gin.Context) {
	var request readyTimeoutPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_payload")
		return
	}
	if request.RoomID == "" {
		h.respondInvalid(c, "missing_room_id")
		return
	}
	if request.GameID == "" {
		h.respondInvalid(c, "missing_game_id")
		return
	}

	ctx := c.Request.Context()
	room, err := h.roster.GetRoom(ctx, request.RoomID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	snapshot, err := h.roster.Latest(ctx, request.RoomID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	caller := callerID(c)
	if !isRoomOwnerOrMember(room, snapshot, caller) {
		h.respondError(c, svcerr.New("server.ready_timeout", "forbidden",
			errors.New("caller is neither the room owner nor a roster member")))
		return
	}

	seats, seated := targetSeats(snapshot, request.MissingOwnerIDs)
	if len(request.MissingOwnerIDs) == 0 || len(seats) == 0 {
		c.JSON(http.StatusOK, readyTimeoutResponse{Updated: false, Message: "no_target_seats"})
		return
	}

	fillResult, err := h.standins.Fill(ctx, standin.FillRequest{
		GameID:       request.GameID,
		Seats:        seats,
		SeatedOwners: seated,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	now := time.Now().UTC()
	version := now.UnixMilli()
	if version <= snapshot.Version {
		version = snapshot.Version + 1
	}
	merged := standin.MergeAssignments(snapshot, fillResult.Assignments, now.Unix())
	if _, err := h.roster.Commit(ctx, roster.CommitRequest{
		MatchInstanceID: request.MatchInstanceID,
		RoomID:          request.RoomID,
		GameID:          request.GameID,
		RequestOwnerID:  room.OwnerID,
		Template: roster.SlotTemplate{
			Version:          version,
			Source:           "ready_timeout_backfill",
			UpdatedAtSeconds: now.Unix(),
		},
		Slots:        merged,
		AllowPartial: true,
	}); err != nil {
		h.respondError(c, err)
		return
	}

	h.publishStandinTimeline(c, room, request, fillResult, now.Unix())

	assignments := make([]assignmentPayload, 0, len(fillResult.Assignments))
	for _, assignment := range fillResult.Assignments {
		assignments = append(assignments, assignmentPayload{
			SlotIndex: assignment.SlotIndex,
			OwnerID:   assignment.OwnerID,
			HeroID:    assignment.HeroID,
			Tolerance: assignment.Tolerance,
		})
	}
	c.JSON(http.StatusOK, readyTimeoutResponse{
		Updated:      true,
		Assignments:  assignments,
		Placeholders: fillResult.Placeholders,
		Diagnostics:  &fillResult.Diagnostics,
	})
}

// publishStandinTimeline records the insertions on the session timeline.
// Best-effort: any failure here is logged and never reaches the caller.
func (h *httpHandler) publishStandinTimeline(c *gin.Context, room roster.Room, request readyTimeoutPayload, fill standin.FillResult, timestamp int64) {
	if h.ensureSession == nil {
		return
	}
	ctx := c.Request.Context()
	sess, err := h.ensureSession(ctx, request.RoomID, request.GameID, room.OwnerID)
	if err != nil {
		h.logger.Warn("session lookup for standin timeline failed",
			zap.String("room_id", request.RoomID), zap.Error(err))
		return
	}

	events := make([]timeline.Event, 0, len(fill.Assignments))
	for _, assignment := range fill.Assignments {
		source := standin.MatchSourcePool
		if assignment.Placeholder {
			source = standin.MatchSourcePlaceholder
		}
		events = append(events, timeline.Event{
			Type:             timelineEventStandinInserted,
			OwnerID:          assignment.OwnerID,
			TimestampSeconds: timestamp,
			Reason:           source,
		})
	}
	if _, err := h.timeline.Publish(ctx, sess.SessionID, events); err != nil {
		h.logger.Warn("standin timeline publish failed",
			zap.String("session_id", sess.SessionID), zap.Error(err))
	}

	if _, _, err := h.sessions.AppendTurnEvent(ctx, session.TurnEventInput{
		SessionID: sess.SessionID,
		EmitterID: callerID(c),
		Source:    "ready_timeout",
		Extras: map[string]any{
			"standins_inserted": len(fill.Assignments),
			"placeholders":      fill.Placeholders,
		},
	}); err != nil {
		h.logger.Warn("turn event append after backfill failed",
			zap.String("session_id", sess.SessionID), zap.Error(err))
	}
}

func isRoomOwnerOrMember(room roster.Room, snapshot roster.Snapshot, caller string) bool {
	if caller == "" {
		return false
	}
	if room.OwnerID == caller {
		return true
	}
	for _, owner := range snapshot.Owners() {
		if owner == caller {
			return true
		}
	}
	return false
}

// targetSeats picks the rows to backfill: seats whose owner missed the
// deadline plus seats that never had one. The second return value lists
// owners that stay seated, so the selector never doubles anyone up.
func targetSeats(snapshot roster.Snapshot, missingOwnerIDs []string) ([]standin.Seat, []string) {
	missing := make(map[string]struct{}, len(missingOwnerIDs))
	for _, ownerID := range missingOwnerIDs {
		missing[ownerID] = struct{}{}
	}

	seats := make([]standin.Seat, 0, len(snapshot.Rows))
	seated := make([]string, 0, len(snapshot.Rows))
	for _, row := range snapshot.Rows {
		vacant := row.OwnerID == nil
		if !vacant {
			if _, gone := missing[*row.OwnerID]; gone {
				vacant = true
			}
		}
		if vacant {
			seats = append(seats, standin.Seat{
				SlotIndex: row.SlotIndex,
				Role:      row.Role,
				Score:     row.Score,
				Rating:    row.Rating,
			})
			continue
		}
		seated = append(seated, *row.OwnerID)
	}
	return seats, seated
}

type matchmakeTicketPayload struct {
	OwnerID         string `json:"owner_id"`
	Role            string `json:"role"`
	Score           int    `json:"score"`
	PartyID         string `json:"party_id"`
	JoinedAtSeconds int64  `json:"joined_at_s"`
}

type matchmakePayload struct {
	Roles       []roster.RoleSpec        `json:"roles"`
	Windows     []int                    `json:"windows"`
	TargetScore *int                     `json:"target_score"`
	Casual      bool                     `json:"casual"`
	MaxRooms    int                      `json:"max_rooms"`
	Queue       []matchmakeTicketPayload `json:"queue"`
}

type matchmakeRoomPayload struct {
	Members map[string][]matchmakeTicketPayload `json:"members"`
}

type matchmakeResponse struct {
	Ready        bool                     `json:"ready"`
	Rooms        []matchmakeRoomPayload   `json:"rooms,omitempty"`
	Unassigned   []matchmakeTicketPayload `json:"unassigned,omitempty"`
	StarvedRoles []string                 `json:"starved_roles,omitempty"`
}

func (h *httpHandler) handleMatchmake(c *gin.Context) {
	var request matchmakePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_payload")
		return
	}

	roles := make([]matchmaking.RoleSpec, 0, len(request.Roles))
	for _, role := range request.Roles {
		roles = append(roles, matchmaking.RoleSpec{Name: role.Name, SlotCount: role.SlotCount})
	}
	queue := make([]matchmaking.Ticket, 0, len(request.Queue))
	for _, ticket := range request.Queue {
		queue = append(queue, matchmaking.Ticket(ticket))
	}

	result, err := matchmaking.AssignRooms(matchmaking.AssignmentConfig{
		Roles:       roles,
		Windows:     request.Windows,
		TargetScore: request.TargetScore,
		Casual:      request.Casual,
		MaxRooms:    request.MaxRooms,
	}, queue)
	if err != nil {
		var starved *matchmaking.StarvedRolesError
		if errors.As(err, &starved) {
			c.JSON(http.StatusOK, matchmakeResponse{
				Ready:        false,
				Unassigned:   ticketPayloads(result.Unassigned),
				StarvedRoles: starved.Roles,
			})
			return
		}
		h.respondInvalid(c, "invalid_payload")
		return
	}

	rooms := make([]matchmakeRoomPayload, 0, len(result.Rooms))
	for _, room := range result.Rooms {
		members := make(map[string][]matchmakeTicketPayload, len(room.Members))
		for role, tickets := range room.Members {
			members[role] = ticketPayloads(tickets)
		}
		rooms = append(rooms, matchmakeRoomPayload{Members: members})
	}
	c.JSON(http.StatusOK, matchmakeResponse{
		Ready:      result.Ready,
		Rooms:      rooms,
		Unassigned: ticketPayloads(result.Unassigned),
	})
}

func ticketPayloads(tickets []matchmaking.Ticket) []matchmakeTicketPayload {
	if len(tickets) == 0 {
		return nil
	}
	out := make([]matchmakeTicketPayload, 0, len(tickets))
	for _, ticket := range tickets {
		out = append(out, matchmakeTicketPayload(ticket))
	}
	return out
}
