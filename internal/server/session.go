package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ArcadePulseLabs/arena/backend/internal/session"
	"github.com/ArcadePulseLabs/arena/backend/internal/timeline"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// RealtimeEventTimeline names the SSE event carrying timeline batches.
	RealtimeEventTimeline  = "timeline-event"
	realtimeEventHeartbeat = "heartbeat"

	streamHeartbeatInterval = 15 * time.Second
)

type sessionMetaFields struct {
	SelectedTimeLimitSeconds *int    `json:"selected_time_limit_s"`
	TimeVote                 *string `json:"time_vote"`
	DropInBonusSeconds       *int    `json:"drop_in_bonus_s"`
	TurnState                *string `json:"turn_state"`
	AsyncFillSnapshot        *string `json:"async_fill_snapshot"`
	RealtimeMode             *string `json:"realtime_mode"`
}

type turnStateEventPayload struct {
	TurnNumber int            `json:"turn_number"`
	EmitterID  string         `json:"emitter_id"`
	Source     string         `json:"source"`
	Extras     map[string]any `json:"extras"`
}

type sessionMetaRequest struct {
	SessionID       string                 `json:"session_id"`
	GameID          string                 `json:"game_id"`
	RoomID          string                 `json:"room_id"`
	MatchInstanceID string                 `json:"match_instance_id"`
	Collaborators   *[]string              `json:"collaborators"`
	Meta            *sessionMetaFields     `json:"meta"`
	TurnStateEvent  *turnStateEventPayload `json:"turn_state_event"`
}

type sessionView struct {
	SessionID                string `json:"session_id"`
	RoomID                   string `json:"room_id"`
	GameID                   string `json:"game_id"`
	OwnerID                  string `json:"owner_id"`
	SelectedTimeLimitSeconds int    `json:"selected_time_limit_s"`
	TimeVote                 string `json:"time_vote"`
	DropInBonusSeconds       int    `json:"drop_in_bonus_s"`
	TurnState                string `json:"turn_state"`
	AsyncFillSnapshot        string `json:"async_fill_snapshot"`
	RealtimeMode             string `json:"realtime_mode"`
	UpdatedAtSeconds         int64  `json:"updated_at_s"`
}

type turnEventView struct {
	EventSeq         int64  `json:"event_seq"`
	SessionID        string `json:"session_id"`
	TurnNumber       int    `json:"turn_number"`
	EmitterID        string `json:"emitter_id"`
	Source           string `json:"source"`
	AppliedAtSeconds int64  `json:"applied_at_s"`
}

type sessionMetaResponse struct {
	OK            bool            `json:"ok"`
	Meta          sessionView     `json:"meta"`
	Event         *turnEventView  `json:"event"`
	TimelineEvent *timeline.Event `json:"timelineEvent"`
}

func (h *httpHandler) handleSessionMeta(c *gin.Context) {
	var request sessionMetaRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_payload")
		return
	}
	if request.SessionID == "" {
		h.respondInvalid(c, "missing_session_id")
		return
	}

	ctx := c.Request.Context()
	grant, err := h.sessions.Authorize(ctx, session.AccessRequest{
		SessionID:       request.SessionID,
		CallerID:        callerID(c),
		GameID:          request.GameID,
		MatchInstanceID: request.MatchInstanceID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	if request.Collaborators != nil {
		if err := h.sessions.ReplaceCollaborators(ctx, request.SessionID, *request.Collaborators); err != nil {
			h.respondError(c, err)
			return
		}
	}

	current := grant.Session
	if request.Meta != nil {
		current, err = h.sessions.UpsertMeta(ctx, session.MetaPatch{
			SessionID:                request.SessionID,
			SelectedTimeLimitSeconds: request.Meta.SelectedTimeLimitSeconds,
			TimeVote:                 request.Meta.TimeVote,
			DropInBonusSeconds:       request.Meta.DropInBonusSeconds,
			TurnState:                request.Meta.TurnState,
			AsyncFillSnapshot:        request.Meta.AsyncFillSnapshot,
			RealtimeMode:             request.Meta.RealtimeMode,
		})
		if err != nil {
			h.respondError(c, err)
			return
		}
	}

	response := sessionMetaResponse{OK: true, Meta: viewOfSession(current)}
	if request.TurnStateEvent != nil {
		emitter := request.TurnStateEvent.EmitterID
		if emitter == "" {
			emitter = callerID(c)
		}
		record, derived, err := h.sessions.AppendTurnEvent(ctx, session.TurnEventInput{
			SessionID:  request.SessionID,
			TurnNumber: request.TurnStateEvent.TurnNumber,
			EmitterID:  emitter,
			Source:     request.TurnStateEvent.Source,
			Extras:     request.TurnStateEvent.Extras,
		})
		if err != nil {
			h.respondError(c, err)
			return
		}
		response.Event = &turnEventView{
			EventSeq:         record.EventSeq,
			SessionID:        record.SessionID,
			TurnNumber:       record.TurnNumber,
			EmitterID:        record.EmitterID,
			Source:           record.Source,
			AppliedAtSeconds: record.AppliedAtSeconds,
		}
		response.TimelineEvent = derived
	}

	c.JSON(http.StatusOK, response)
}

func viewOfSession(sess session.Session) sessionView {
	return sessionView{
		SessionID:                sess.SessionID,
		RoomID:                   sess.RoomID,
		GameID:                   sess.GameID,
		OwnerID:                  sess.OwnerID,
		SelectedTimeLimitSeconds: sess.SelectedTimeLimitSeconds,
		TimeVote:                 sess.TimeVote,
		DropInBonusSeconds:       sess.DropInBonusSeconds,
		TurnState:                sess.TurnState,
		AsyncFillSnapshot:        sess.AsyncFillSnapshot,
		RealtimeMode:             sess.RealtimeMode,
		UpdatedAtSeconds:         sess.UpdatedAtSeconds,
	}
}

type streamEventPayload struct {
	SessionID  string           `json:"session_id"`
	Events     []timeline.Event `json:"events"`
	TimestampS int64            `json:"timestamp_s"`
}

// handleSessionStream serves the realtime timeline over SSE. EventSource
// clients cannot set headers, hence the access_token query fallback in the
// auth middleware.
func (h *httpHandler) handleSessionStream(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		h.respondInvalid(c, "missing_session_id")
		return
	}
	if _, err := h.sessions.Authorize(c.Request.Context(), session.AccessRequest{
		SessionID: sessionID,
		CallerID:  callerID(c),
	}); err != nil {
		h.respondError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	stream, cancel := h.realtime.Subscribe(c.Request.Context(), h.timeline.ChannelName(sessionID))
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if err := writeSSE(c.Writer, realtimeEventHeartbeat, []byte("{}")); err != nil {
				return
			}
			flusher.Flush()
		case message, open := <-stream:
			if !open {
				return
			}
			body, err := json.Marshal(streamEventPayload{
				SessionID:  message.SessionID,
				Events:     message.Events,
				TimestampS: message.Timestamp.UTC().Unix(),
			})
			if err != nil {
				h.logger.Warn("stream payload marshal failed",
					zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			if err := writeSSE(c.Writer, RealtimeEventTimeline, body); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data []byte) error {
	if _, err := w.Write([]byte("event: " + event + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	return nil
}
