package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ArcadePulseLabs/arena/backend/internal/roster"
	"github.com/ArcadePulseLabs/arena/backend/internal/session"
	"github.com/ArcadePulseLabs/arena/backend/internal/standin"
	"github.com/ArcadePulseLabs/arena/backend/internal/svcerr"
	"github.com/ArcadePulseLabs/arena/backend/internal/timeline"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	callerIDContextKey = "arena_caller_id"
	outcomeContextKey  = "arena_outcome"

	accessTokenQueryKey = "access_token"
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingRoster        = errors.New("roster service dependency required")
	errMissingSessions      = errors.New("session coordinator dependency required")
	errMissingStandins      = errors.New("standin selector dependency required")
	errMissingTimeline      = errors.New("timeline publisher dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator verifies bearer tokens and yields the caller subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// EnsureSessionFunc links a room to its session, creating it exactly once.
// A nil hook is a deployment misconfiguration, not a user error.
type EnsureSessionFunc func(ctx context.Context, roomID, gameID, ownerID string) (session.Session, error)

// Dependencies carries everything the HTTP surface needs.
type Dependencies struct {
	TokenManager  TokenValidator
	Roster        *roster.Service
	Sessions      *session.Coordinator
	Standins      *standin.Selector
	Timeline      *timeline.Publisher
	Realtime      *timeline.Dispatcher
	EnsureSession EnsureSessionFunc
	Audit         *AuditLog
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router for the arena API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Roster == nil {
		return nil, errMissingRoster
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Standins == nil {
		return nil, errMissingStandins
	}
	if deps.Timeline == nil {
		return nil, errMissingTimeline
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	audit := deps.Audit
	if audit == nil {
		audit = NewAuditLog(defaultAuditCapacity)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:        deps.TokenManager,
		roster:        deps.Roster,
		sessions:      deps.Sessions,
		standins:      deps.Standins,
		timeline:      deps.Timeline,
		realtime:      deps.Realtime,
		ensureSession: deps.EnsureSession,
		audit:         audit,
		logger:        logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.Use(handler.recordAudit)
	protected.POST("/matchmake", handler.handleMatchmake)
	protected.POST("/match/stage", handler.handleStageMatch)
	protected.POST("/match/ready-timeout", handler.handleReadyTimeout)
	protected.POST("/session/meta", handler.handleSessionMeta)
	protected.GET("/session/stream", handler.handleSessionStream)
	protected.GET("/ops/audit", handler.handleAudit)

	return router, nil
}

type httpHandler struct {
	tokens        TokenValidator
	roster        *roster.Service
	sessions      *session.Coordinator
	standins      *standin.Selector
	timeline      *timeline.Publisher
	realtime      *timeline.Dispatcher
	ensureSession EnsureSessionFunc
	audit         *AuditLog
	logger        *zap.Logger
}

// authorizeRequest accepts a bearer Authorization header, falling back to an
// access_token query parameter so EventSource clients can reach the stream.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query(accessTokenQueryKey))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(callerIDContextKey, subject)
	c.Next()
}

// recordAudit appends one trail entry per mutating request after the
// handler ran.
func (h *httpHandler) recordAudit(c *gin.Context) {
	c.Next()
	if c.Request.Method == http.MethodGet {
		return
	}
	outcome := c.GetString(outcomeContextKey)
	if outcome == "" {
		if status := c.Writer.Status(); status >= 400 {
			outcome = http.StatusText(status)
		} else {
			outcome = "ok"
		}
	}
	h.audit.Record(AuditEntry{
		TimeSeconds: time.Now().UTC().Unix(),
		Endpoint:    c.FullPath(),
		CallerID:    c.GetString(callerIDContextKey),
		Outcome:     outcome,
		Status:      c.Writer.Status(),
	})
}

func (h *httpHandler) handleAudit(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": h.audit.Entries()})
}

// operator hints for dependency/config failures, keyed by reason. These are
// deployment problems, not caller mistakes, and say so.
var operatorHints = map[string]string{
	"missing_assert_room_ready":            "readiness predicate hook is not wired; check server wiring",
	"missing_ensure_rank_session_for_room": "session ensure hook is not wired; check server wiring",
	"session_id_unavailable":               "session ensure returned no identifier; check id provider wiring",
	"missing_id_provider":                  "session id provider is not wired; check server wiring",
	"missing_database":                     "database handle is not wired; check server wiring",
}

func statusForReason(reason string) int {
	switch reason {
	case "unauthorized":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "room_not_found", "session_not_found", "roster_not_found":
		return http.StatusNotFound
	case roster.ReasonVersionConflict:
		return http.StatusConflict
	case "missing_session_id", "missing_match_instance_id", "missing_room_id",
		"missing_game_id", "invalid_payload", "empty_roster",
		"roles_slots_invalid", "duplicate_owner", "session_game_mismatch",
		"room_not_ready", "no_target_seats":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError maps a service error onto the wire taxonomy and records the
// outcome for the audit trail.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	reason := svcerr.ReasonOf(err, "internal_error")
	status := statusForReason(reason)
	if status >= 500 {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	body := gin.H{"error": reason}
	if hint, ok := operatorHints[reason]; ok {
		body["operator_hint"] = hint
	}
	c.Set(outcomeContextKey, reason)
	c.JSON(status, body)
}

func (h *httpHandler) respondInvalid(c *gin.Context, reason string) {
	c.Set(outcomeContextKey, reason)
	c.JSON(http.StatusBadRequest, gin.H{"error": reason})
}

func callerID(c *gin.Context) string {
	return c.GetString(callerIDContextKey)
}
