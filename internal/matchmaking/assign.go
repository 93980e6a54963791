package matchmaking

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoRoles indicates that the assignment config carried no role specs.
	ErrNoRoles = errors.New("matchmaking: at least one role is required")
	// ErrInvalidRoleSpec indicates a role with a non-positive slot count or duplicate name.
	ErrInvalidRoleSpec = errors.New("matchmaking: invalid role spec")
	// ErrNoWindows indicates ranked assignment was requested without score windows.
	ErrNoWindows = errors.New("matchmaking: ranked assignment requires score windows")
)

// StarvedRolesError reports which roles could not be filled at the widest
// score window.
type StarvedRolesError struct {
	Roles []string
}

func (e *StarvedRolesError) Error() string {
	return fmt.Sprintf("matchmaking: starved roles: %s", strings.Join(e.Roles, ", "))
}

// RoleSpec declares one role and how many seats it occupies per room.
type RoleSpec struct {
	Name      string
	SlotCount int
}

// Ticket is one queued participant awaiting assignment.
type Ticket struct {
	OwnerID         string
	Role            string
	Score           int
	PartyID         string
	JoinedAtSeconds int64
}

// AssignmentConfig controls one assignment pass.
type AssignmentConfig struct {
	Roles []RoleSpec
	// Windows holds score radii tried in increasing order around the
	// reference score. Ignored in casual mode.
	Windows     []int
	TargetScore *int
	Casual      bool
	// MaxRooms caps how many rooms one pass may produce. Zero means one.
	MaxRooms int
}

// RoomAssignment maps role name to the tickets seated for that role.
type RoomAssignment struct {
	Members map[string][]Ticket
}

// AssignmentResult reports the outcome of one assignment pass.
type AssignmentResult struct {
	Ready      bool
	Rooms      []RoomAssignment
	Unassigned []Ticket
}

// AssignRooms fills rooms from the queue. Ranked mode pulls queue members
// whose score lies within the current window of the reference score,
// widening the window before declaring a role starved. Casual mode drops
// the score constraint and seats by role and arrival order, keeping party
// groups in the same room.
func AssignRooms(cfg AssignmentConfig, queue []Ticket) (AssignmentResult, error) {
	if err := validateRoles(cfg.Roles); err != nil {
		return AssignmentResult{}, err
	}
	if !cfg.Casual && len(cfg.Windows) == 0 {
		return AssignmentResult{}, ErrNoWindows
	}

	maxRooms := cfg.MaxRooms
	if maxRooms <= 0 {
		maxRooms = 1
	}

	remaining := make([]Ticket, len(queue))
	copy(remaining, queue)
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].JoinedAtSeconds < remaining[j].JoinedAtSeconds
	})

	if cfg.Casual {
		return assignCasual(cfg.Roles, remaining, maxRooms)
	}

	windows := make([]int, len(cfg.Windows))
	copy(windows, cfg.Windows)
	sort.Ints(windows)

	result := AssignmentResult{}
	var lastStarved []string
	for len(result.Rooms) < maxRooms {
		room, leftover, starved := formRankedRoom(cfg.Roles, windows, cfg.TargetScore, remaining)
		if room == nil {
			lastStarved = starved
			break
		}
		result.Rooms = append(result.Rooms, *room)
		remaining = leftover
	}

	result.Unassigned = remaining
	result.Ready = len(result.Rooms) > 0
	if !result.Ready {
		return result, &StarvedRolesError{Roles: lastStarved}
	}
	return result, nil
}

func validateRoles(roles []RoleSpec) error {
	if len(roles) == 0 {
		return ErrNoRoles
	}
	seen := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		name := strings.TrimSpace(role.Name)
		if name == "" || role.SlotCount <= 0 {
			return fmt.Errorf("%w: %q/%d", ErrInvalidRoleSpec, role.Name, role.SlotCount)
		}
		if _, duplicate := seen[name]; duplicate {
			return fmt.Errorf("%w: duplicate role %q", ErrInvalidRoleSpec, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// formRankedRoom attempts one room at successively wider windows. It returns
// the room plus the unconsumed queue, or nil plus the roles starved at the
// widest window.
func formRankedRoom(roles []RoleSpec, windows []int, target *int, queue []Ticket) (*RoomAssignment, []Ticket, []string) {
	if len(queue) == 0 {
		return nil, queue, roleNames(roles)
	}

	reference := queue[0].Score
	if target != nil {
		reference = *target
	}

	var starved []string
	for _, radius := range windows {
		assignment, leftover, missing := fillWithinWindow(roles, queue, reference, radius)
		if assignment != nil {
			return assignment, leftover, nil
		}
		starved = missing
	}
	return nil, queue, starved
}

func fillWithinWindow(roles []RoleSpec, queue []Ticket, reference, radius int) (*RoomAssignment, []Ticket, []string) {
	taken := make([]bool, len(queue))
	members := make(map[string][]Ticket, len(roles))
	var starved []string

	for _, role := range roles {
		needed := role.SlotCount
		for index, ticket := range queue {
			if needed == 0 {
				break
			}
			if taken[index] || ticket.Role != role.Name {
				continue
			}
			if absDelta(ticket.Score, reference) > radius {
				continue
			}
			taken[index] = true
			members[role.Name] = append(members[role.Name], ticket)
			needed--
		}
		if needed > 0 {
			starved = append(starved, role.Name)
		}
	}

	if len(starved) > 0 {
		return nil, queue, starved
	}

	leftover := make([]Ticket, 0, len(queue))
	for index, ticket := range queue {
		if !taken[index] {
			leftover = append(leftover, ticket)
		}
	}
	return &RoomAssignment{Members: members}, leftover, nil
}

// assignCasual seats by role and arrival order only. Party groups are kept
// together: a group is placed only into a room with capacity for every
// member, otherwise it waits for the next room.
func assignCasual(roles []RoleSpec, queue []Ticket, maxRooms int) (AssignmentResult, error) {
	groups := groupByParty(queue)

	type openRoom struct {
		members  map[string][]Ticket
		capacity map[string]int
		seated   int
	}
	totalSlots := 0
	capacity := make(map[string]int, len(roles))
	for _, role := range roles {
		capacity[role.Name] = role.SlotCount
		totalSlots += role.SlotCount
	}

	var rooms []*openRoom
	var unassigned []Ticket

	newRoom := func() *openRoom {
		room := &openRoom{
			members:  make(map[string][]Ticket, len(roles)),
			capacity: make(map[string]int, len(roles)),
		}
		for name, count := range capacity {
			room.capacity[name] = count
		}
		return room
	}

	fits := func(room *openRoom, group []Ticket) bool {
		needed := make(map[string]int)
		for _, ticket := range group {
			needed[ticket.Role]++
		}
		for role, count := range needed {
			if room.capacity[role] < count {
				return false
			}
		}
		return true
	}

	for _, group := range groups {
		placed := false
		for _, room := range rooms {
			if fits(room, group) {
				seatGroup(room.members, room.capacity, group)
				room.seated += len(group)
				placed = true
				break
			}
		}
		if !placed && len(rooms) < maxRooms {
			room := newRoom()
			if fits(room, group) {
				seatGroup(room.members, room.capacity, group)
				room.seated += len(group)
				rooms = append(rooms, room)
				placed = true
			}
		}
		if !placed {
			unassigned = append(unassigned, group...)
		}
	}

	result := AssignmentResult{Unassigned: unassigned}
	var starved []string
	for _, room := range rooms {
		if room.seated == totalSlots {
			result.Rooms = append(result.Rooms, RoomAssignment{Members: room.members})
			continue
		}
		for _, role := range roles {
			if room.capacity[role.Name] > 0 {
				starved = append(starved, role.Name)
			}
		}
		for _, members := range room.members {
			result.Unassigned = append(result.Unassigned, members...)
		}
	}

	result.Ready = len(result.Rooms) > 0
	if !result.Ready {
		if len(starved) == 0 {
			starved = roleNames(roles)
		}
		return result, &StarvedRolesError{Roles: starved}
	}
	return result, nil
}

func seatGroup(members map[string][]Ticket, capacity map[string]int, group []Ticket) {
	for _, ticket := range group {
		members[ticket.Role] = append(members[ticket.Role], ticket)
		capacity[ticket.Role]--
	}
}

// groupByParty preserves arrival order of the earliest member per party.
// Tickets without a party id travel alone.
func groupByParty(queue []Ticket) [][]Ticket {
	var order []string
	grouped := make(map[string][]Ticket)
	soloSeq := 0
	for _, ticket := range queue {
		key := ticket.PartyID
		if key == "" {
			key = fmt.Sprintf("solo-%d", soloSeq)
			soloSeq++
		}
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], ticket)
	}
	groups := make([][]Ticket, 0, len(order))
	for _, key := range order {
		groups = append(groups, grouped[key])
	}
	return groups
}

func roleNames(roles []RoleSpec) []string {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.Name)
	}
	return names
}

func absDelta(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
