package standin

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/ArcadePulseLabs/arena/backend/internal/roster"
	"github.com/ArcadePulseLabs/arena/backend/internal/session"
	"github.com/ArcadePulseLabs/arena/backend/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opSelectorNew = "standin.selector.new"
	opFill        = "standin.fill"

	reasonMissingPool = "missing_pool"
	reasonNoSeats     = "no_target_seats"

	// MatchSourcePool marks a seat filled from the live candidate pool.
	MatchSourcePool = "standin_pool"
	// MatchSourcePlaceholder marks a synthesized occupant; every vacant
	// seat receives one when the pool stays empty.
	MatchSourcePlaceholder = "standin_pool_placeholder"

	// StatusStandin is the roster status stamped on backfilled seats.
	StatusStandin = "standin"
)

var errMissingPool = errors.New("candidate pool is required")

// defaultTolerances is the widening schedule tried per seat, in score points.
var defaultTolerances = []int{50, 100, 200, 400}

// Picker chooses an index in [0, n). The default is uniform random: spreading
// load across eligible standins is a deliberate fairness property, not an
// approximation of nearest-score.
type Picker func(n int) int

// SelectorConfig wires the standin selector.
type SelectorConfig struct {
	Pool       *Pool
	Database   *gorm.DB
	Logger     *zap.Logger
	Picker     Picker
	Tolerances []int
	PoolLimit  int
}

// Selector picks a standin per vacant seat, widening the score tolerance
// and dropping the role filter before falling back to a placeholder.
type Selector struct {
	pool       *Pool
	db         *gorm.DB
	logger     *zap.Logger
	picker     Picker
	tolerances []int
	poolLimit  int
}

// NewSelector constructs a Selector.
func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if cfg.Pool == nil {
		return nil, svcerr.New(opSelectorNew, reasonMissingPool, errMissingPool)
	}
	if cfg.Database == nil {
		return nil, svcerr.New(opSelectorNew, reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	picker := cfg.Picker
	if picker == nil {
		picker = rand.IntN
	}
	tolerances := cfg.Tolerances
	if len(tolerances) == 0 {
		tolerances = defaultTolerances
	}
	limit := cfg.PoolLimit
	if limit <= 0 {
		limit = defaultPoolLimit
	}
	return &Selector{
		pool:       cfg.Pool,
		db:         cfg.Database,
		logger:     logger,
		picker:     picker,
		tolerances: tolerances,
		poolLimit:  limit,
	}, nil
}

// Seat describes one vacant roster seat awaiting a standin.
type Seat struct {
	SlotIndex int
	Role      string
	Score     int
	Rating    int
}

// FillRequest asks for standins for the given seats. SeatedOwners lists
// owners already present in the roster so nobody is seated twice.
type FillRequest struct {
	GameID       string
	Seats        []Seat
	SeatedOwners []string
}

// Assignment is one filled seat.
type Assignment struct {
	SlotIndex   int
	OwnerID     *string
	HeroID      *string
	HeroName    string
	Score       int
	Rating      int
	Battles     int
	WinRate     float64
	Tolerance   int
	Placeholder bool
}

// Diagnostics records how hard the pass had to work.
type Diagnostics struct {
	RequestedSeats           int `json:"requestedSeats"`
	RPCCalls                 int `json:"rpcCalls"`
	RoleFallbacks            int `json:"roleFallbacks"`
	ScoreToleranceExpansions int `json:"scoreToleranceExpansions"`
	ScoreToleranceMax        int `json:"scoreToleranceMax"`
	RandomizedAssignments    int `json:"randomizedAssignments"`
}

// FillResult reports the assignments of one pass. Every requested seat has
// exactly one assignment; none is ever left null.
type FillResult struct {
	Assignments  []Assignment
	Placeholders int
	Diagnostics  Diagnostics
}

// Fill selects one occupant per seat. Candidate picks are uniform random
// over the surviving pool rather than nearest-score.
func (s *Selector) Fill(ctx context.Context, req FillRequest) (FillResult, error) {
	result := FillResult{
		Diagnostics: Diagnostics{RequestedSeats: len(req.Seats)},
	}
	if len(req.Seats) == 0 {
		return result, svcerr.New(opFill, reasonNoSeats, errors.New("no seats to fill"))
	}

	exclude := make([]string, 0, len(req.SeatedOwners))
	exclude = append(exclude, req.SeatedOwners...)

	for _, seat := range req.Seats {
		candidate, tolerance, err := s.selectForSeat(ctx, req.GameID, seat, exclude, &result.Diagnostics)
		if err != nil {
			return FillResult{}, err
		}

		if candidate == nil {
			result.Assignments = append(result.Assignments, Assignment{
				SlotIndex:   seat.SlotIndex,
				HeroName:    placeholderHeroName(seat),
				Score:       seat.Score,
				Rating:      seat.Rating,
				Tolerance:   tolerance,
				Placeholder: true,
			})
			result.Placeholders++
			continue
		}

		exclude = append(exclude, candidate.OwnerID)
		ownerID := candidate.OwnerID
		result.Assignments = append(result.Assignments, Assignment{
			SlotIndex: seat.SlotIndex,
			OwnerID:   &ownerID,
			HeroID:    candidate.HeroID,
			Score:     candidate.Score,
			Rating:    candidate.Rating,
			Battles:   candidate.Battles,
			WinRate:   candidate.WinRate,
			Tolerance: tolerance,
		})
	}

	if err := s.applyHeroSummaries(ctx, result.Assignments); err != nil {
		return FillResult{}, err
	}
	return result, nil
}

// selectForSeat walks the widening schedule, then retries once with the role
// filter dropped. A nil candidate means the caller synthesizes a placeholder.
func (s *Selector) selectForSeat(ctx context.Context, gameID string, seat Seat, exclude []string, diag *Diagnostics) (*session.Participant, int, error) {
	role := seat.Role
	var pool []session.Participant
	tolerance := 0

	for attempt, radius := range s.tolerances {
		candidates, err := s.pool.Fetch(ctx, PoolQuery{
			GameID:        gameID,
			Role:          &role,
			TargetScore:   seat.Score,
			Tolerance:     radius,
			ExcludeOwners: exclude,
			Limit:         s.poolLimit,
		})
		if err != nil {
			return nil, 0, err
		}
		diag.RPCCalls++
		if attempt > 0 {
			diag.ScoreToleranceExpansions++
		}
		if radius > diag.ScoreToleranceMax {
			diag.ScoreToleranceMax = radius
		}
		if len(candidates) > 0 {
			pool = candidates
			tolerance = radius
			break
		}
	}

	if len(pool) == 0 {
		widest := s.tolerances[len(s.tolerances)-1]
		candidates, err := s.pool.Fetch(ctx, PoolQuery{
			GameID:        gameID,
			Role:          nil,
			TargetScore:   seat.Score,
			Tolerance:     widest,
			ExcludeOwners: exclude,
			Limit:         s.poolLimit,
		})
		if err != nil {
			return nil, 0, err
		}
		diag.RPCCalls++
		diag.RoleFallbacks++
		pool = candidates
		tolerance = widest
	}

	if len(pool) == 0 {
		return nil, tolerance, nil
	}

	index := 0
	if len(pool) > 1 {
		index = s.picker(len(pool))
		diag.RandomizedAssignments++
	}
	chosen := pool[index]
	return &chosen, tolerance, nil
}

// applyHeroSummaries batch-resolves hero names for the chosen candidates.
func (s *Selector) applyHeroSummaries(ctx context.Context, assignments []Assignment) error {
	heroIDs := make([]string, 0, len(assignments))
	seen := make(map[string]struct{}, len(assignments))
	for _, assignment := range assignments {
		if assignment.HeroID == nil || *assignment.HeroID == "" {
			continue
		}
		if _, duplicate := seen[*assignment.HeroID]; duplicate {
			continue
		}
		seen[*assignment.HeroID] = struct{}{}
		heroIDs = append(heroIDs, *assignment.HeroID)
	}

	heroes, err := resolveHeroes(ctx, s.db, heroIDs)
	if err != nil {
		return err
	}
	for index := range assignments {
		if assignments[index].HeroID == nil {
			continue
		}
		if hero, ok := heroes[*assignments[index].HeroID]; ok {
			assignments[index].HeroName = hero.Name
		}
	}
	return nil
}

// MergeAssignments folds the assignments back into a full roster snapshot.
// Seats untouched by the pass go through unchanged.
func MergeAssignments(snapshot roster.Snapshot, assignments []Assignment, joinedAtSeconds int64) []roster.Slot {
	byIndex := make(map[int]Assignment, len(assignments))
	for _, assignment := range assignments {
		byIndex[assignment.SlotIndex] = assignment
	}

	slots := make([]roster.Slot, 0, len(snapshot.Rows))
	for _, row := range snapshot.Rows {
		slot := roster.Slot{
			SlotIndex:       row.SlotIndex,
			SlotID:          row.SlotID,
			Role:            row.Role,
			OwnerID:         row.OwnerID,
			HeroID:          row.HeroID,
			HeroName:        row.HeroName,
			Ready:           row.Ready,
			JoinedAtSeconds: row.JoinedAtSeconds,
			Standin:         row.Standin,
			MatchSource:     row.MatchSource,
			Score:           row.Score,
			Rating:          row.Rating,
			Battles:         row.Battles,
			WinRate:         row.WinRate,
			Status:          row.Status,
		}
		if assignment, replaced := byIndex[row.SlotIndex]; replaced {
			slot.OwnerID = assignment.OwnerID
			slot.HeroID = assignment.HeroID
			slot.HeroName = assignment.HeroName
			slot.Ready = true
			slot.JoinedAtSeconds = joinedAtSeconds
			slot.Standin = true
			slot.Score = assignment.Score
			slot.Rating = assignment.Rating
			slot.Battles = assignment.Battles
			slot.WinRate = assignment.WinRate
			slot.Status = StatusStandin
			if assignment.Placeholder {
				slot.MatchSource = MatchSourcePlaceholder
			} else {
				slot.MatchSource = MatchSourcePool
			}
		}
		slots = append(slots, slot)
	}
	return slots
}

func placeholderHeroName(seat Seat) string {
	return fmt.Sprintf("standin-%s-%d", seat.Role, seat.SlotIndex)
}
