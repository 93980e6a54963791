package standin

import (
	"context"
	"errors"
	"fmt"

	"github.com/ArcadePulseLabs/arena/backend/internal/session"
	"github.com/ArcadePulseLabs/arena/backend/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opPoolNew   = "standin.pool.new"
	opPoolFetch = "standin.pool.fetch"

	reasonMissingDatabase = "missing_database"
	reasonRPCFailed       = "rpc_failed"

	defaultPoolLimit = 10
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// PoolQuery asks for standin candidates near a target score.
type PoolQuery struct {
	GameID string
	// Role filters candidates; nil drops the role constraint entirely,
	// the last-resort fallback.
	Role          *string
	TargetScore   int
	Tolerance     int
	ExcludeOwners []string
	Limit         int
}

// PoolConfig wires the candidate pool.
type PoolConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Pool queries the backing store for eligible standin candidates.
type Pool struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewPool constructs a Pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opPoolNew, reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Pool{db: cfg.Database, logger: logger}, nil
}

// Fetch returns up to Limit candidates ordered by closeness to the target
// score. Seated owners are excluded so one owner never holds two seats.
func (p *Pool) Fetch(ctx context.Context, q PoolQuery) ([]session.Participant, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPoolLimit
	}

	query := p.db.WithContext(ctx).Model(&session.Participant{}).
		Where("game_id = ?", q.GameID).
		Where("score BETWEEN ? AND ?", q.TargetScore-q.Tolerance, q.TargetScore+q.Tolerance)
	if q.Role != nil {
		query = query.Where("role = ?", *q.Role)
	}
	if len(q.ExcludeOwners) > 0 {
		query = query.Where("owner_id NOT IN ?", q.ExcludeOwners)
	}

	var candidates []session.Participant
	err := query.
		Order(fmt.Sprintf("ABS(score - %d) ASC, owner_id ASC", q.TargetScore)).
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		p.logger.Error("candidate pool query failed",
			zap.String("operation", opPoolFetch),
			zap.String("reason", reasonRPCFailed),
			zap.String("game_id", q.GameID),
			zap.Int("tolerance", q.Tolerance),
			zap.Error(err))
		return nil, svcerr.New(opPoolFetch, reasonRPCFailed, err)
	}
	return candidates, nil
}

// Hero is the summary row resolved for chosen candidates, batched once per
// fill pass.
type Hero struct {
	HeroID    string `gorm:"column:hero_id;primaryKey;size:190;not null"`
	Name      string `gorm:"column:name;size:190;not null"`
	Role      string `gorm:"column:role;size:64;not null;default:''"`
	UpdatedAt int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Hero) TableName() string {
	return "hero_summaries"
}

// resolveHeroes loads summary rows for the given hero ids in one query.
func resolveHeroes(ctx context.Context, db *gorm.DB, heroIDs []string) (map[string]Hero, error) {
	resolved := make(map[string]Hero, len(heroIDs))
	if len(heroIDs) == 0 {
		return resolved, nil
	}
	var heroes []Hero
	if err := db.WithContext(ctx).Where("hero_id IN ?", heroIDs).Find(&heroes).Error; err != nil {
		return nil, svcerr.New(opPoolFetch, reasonRPCFailed, err)
	}
	for _, hero := range heroes {
		resolved[hero.HeroID] = hero
	}
	return resolved, nil
}
