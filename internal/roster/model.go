package roster

// Room is the durable lobby record a roster hangs off.
type Room struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	GameID           string `gorm:"column:game_id;size:190;not null;index"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "match_rooms"
}

// Row is one persisted roster seat at one template version. Rows at lower
// versions are superseded by reads, never physically deleted.
type Row struct {
	RoomID              string  `gorm:"column:room_id;primaryKey;size:190;not null"`
	SlotTemplateVersion int64   `gorm:"column:slot_template_version;primaryKey;not null;index:idx_roster_room_version,priority:2"`
	SlotIndex           int     `gorm:"column:slot_index;primaryKey;not null"`
	MatchInstanceID     string  `gorm:"column:match_instance_id;size:190;not null;index"`
	GameID              string  `gorm:"column:game_id;size:190;not null;index"`
	SlotID              string  `gorm:"column:slot_id;size:190;not null"`
	Role                string  `gorm:"column:role;size:64;not null"`
	OwnerID             *string `gorm:"column:owner_id;size:190;index"`
	HeroID              *string `gorm:"column:hero_id;size:190"`
	HeroName            string  `gorm:"column:hero_name;size:190;not null;default:''"`
	Ready               bool    `gorm:"column:ready;not null;default:false"`
	JoinedAtSeconds     int64   `gorm:"column:joined_at_s;not null;default:0"`
	Standin             bool    `gorm:"column:standin;not null;default:false"`
	MatchSource         string  `gorm:"column:match_source;size:190;not null;default:''"`
	Score               int     `gorm:"column:score;not null;default:0"`
	Rating              int     `gorm:"column:rating;not null;default:0"`
	Battles             int     `gorm:"column:battles;not null;default:0"`
	WinRate             float64 `gorm:"column:win_rate;not null;default:0"`
	Status              string  `gorm:"column:status;size:64;not null;default:''"`
	SlotTemplateSource  string  `gorm:"column:slot_template_source;size:190;not null;default:''"`
	UpdatedAtSeconds    int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "match_roster"
}

// RoleSpec declares one role of a slot template.
type RoleSpec struct {
	Name      string `json:"name"`
	SlotCount int    `json:"slot_count"`
}

// Slot is one proposed seat inside a staged roster.
type Slot struct {
	SlotIndex       int     `json:"slot_index"`
	SlotID          string  `json:"slot_id"`
	Role            string  `json:"role"`
	OwnerID         *string `json:"owner_id"`
	HeroID          *string `json:"hero_id"`
	HeroName        string  `json:"hero_name"`
	Ready           bool    `json:"ready"`
	JoinedAtSeconds int64   `json:"joined_at_s"`
	Standin         bool    `json:"standin"`
	MatchSource     string  `json:"match_source"`
	Score           int     `json:"score"`
	Rating          int     `json:"rating"`
	Battles         int     `json:"battles"`
	WinRate         float64 `json:"win_rate"`
	Status          string  `json:"status"`
}

// SlotTemplate identifies one roster snapshot generation.
type SlotTemplate struct {
	Version          int64      `json:"version"`
	Source           string     `json:"source"`
	UpdatedAtSeconds int64      `json:"updated_at_s"`
	Roles            []RoleSpec `json:"roles"`
}

// CommitRequest carries one staged roster toward the store.
type CommitRequest struct {
	MatchInstanceID string
	RoomID          string
	GameID          string
	RequestOwnerID  string
	Template        SlotTemplate
	Slots           []Slot
	AllowPartial    bool
}

// CommitResult reports the committed snapshot.
type CommitResult struct {
	Version          int64
	UpdatedAtSeconds int64
	InsertedRows     int
}

// Snapshot is the version-scoped read of a room's roster.
type Snapshot struct {
	Version int64
	Rows    []Row
}

// Owners returns the distinct non-null owner ids seated in the snapshot.
func (s Snapshot) Owners() []string {
	owners := make([]string, 0, len(s.Rows))
	seen := make(map[string]struct{}, len(s.Rows))
	for _, row := range s.Rows {
		if row.OwnerID == nil || *row.OwnerID == "" {
			continue
		}
		if _, duplicate := seen[*row.OwnerID]; duplicate {
			continue
		}
		seen[*row.OwnerID] = struct{}{}
		owners = append(owners, *row.OwnerID)
	}
	return owners
}
