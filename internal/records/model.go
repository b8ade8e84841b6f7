package records

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
	"github.com/google/uuid"
)

// Operation enumerates audited write operations.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

const maxIdentifierLength = 190

// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
var ErrInvalidEntityID = errors.New("records: invalid entity id")

// EntityID represents a validated entity identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

type uuidV7Provider struct{}

// NewUUIDProvider returns an IDProvider issuing time-ordered UUIDv7 identifiers, so entity
// and audit ids sort by creation.
func NewUUIDProvider() IDProvider {
	return uuidV7Provider{}
}

func (uuidV7Provider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Entity is the wire snapshot of an editable record.
type Entity struct {
	Kind      schema.Kind      `json:"kind"`
	ID        EntityID         `json:"id"`
	UpdatedAt schema.Timestamp `json:"updated_at"`
	Fields    map[string]any   `json:"fields"`
}

// FieldUpdate is the input of ApplyFieldUpdate. A nil ExpectedUpdatedAt requests a forced
// write that bypasses the timestamp comparison.
type FieldUpdate struct {
	Kind              schema.Kind
	EntityID          EntityID
	Changes           map[string]any
	ExpectedUpdatedAt *schema.Timestamp
	ActorID           string
}

// Protected reports whether the write carries a timestamp expectation.
func (u FieldUpdate) Protected() bool {
	return u.ExpectedUpdatedAt != nil
}

// Neighborhood is the storage model of a barrio.
type Neighborhood struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	Name            string `gorm:"column:name;size:120;not null"`
	Description     string `gorm:"column:description;size:500;not null;default:''"`
	Active          bool   `gorm:"column:active;not null;default:true"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null;index"`
	UpdatedAtMicros int64  `gorm:"column:updated_at_us;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Neighborhood) TableName() string {
	return "neighborhoods"
}

// Family is the storage model of a visited family.
type Family struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	Name            string `gorm:"column:name;size:120;not null"`
	Address         string `gorm:"column:address;size:240;not null;default:''"`
	Phone           string `gorm:"column:phone;size:40;not null;default:''"`
	NeighborhoodID  string `gorm:"column:neighborhood_id;size:190;not null;default:'';index"`
	Status          string `gorm:"column:status;size:32;not null;default:'active'"`
	Notes           string `gorm:"column:notes;type:text;not null;default:''"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null;index"`
	UpdatedAtMicros int64  `gorm:"column:updated_at_us;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Family) TableName() string {
	return "families"
}

// Member is the storage model of a family member.
type Member struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	FirstName       string `gorm:"column:first_name;size:120;not null"`
	LastName        string `gorm:"column:last_name;size:120;not null;default:''"`
	FamilyID        string `gorm:"column:family_id;size:190;not null;default:'';index"`
	Role            string `gorm:"column:role;size:32;not null;default:'head'"`
	BirthDate       string `gorm:"column:birth_date;size:10;not null;default:''"`
	Phone           string `gorm:"column:phone;size:40;not null;default:''"`
	Active          bool   `gorm:"column:active;not null;default:true"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null;index"`
	UpdatedAtMicros int64  `gorm:"column:updated_at_us;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "members"
}

// Goal is the storage model of a quarterly goal.
type Goal struct {
	ID                string `gorm:"column:id;primaryKey;size:190;not null"`
	Quarter           string `gorm:"column:quarter;size:7;not null;index"`
	TargetFamilies    int64  `gorm:"column:target_families;not null;default:0"`
	TargetVisits      int64  `gorm:"column:target_visits;not null;default:0"`
	TargetDevotionals int64  `gorm:"column:target_devotionals;not null;default:0"`
	Status            string `gorm:"column:status;size:32;not null;default:'draft'"`
	CreatedAtMicros   int64  `gorm:"column:created_at_us;not null;index"`
	UpdatedAtMicros   int64  `gorm:"column:updated_at_us;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Goal) TableName() string {
	return "goals"
}

// Change is the append-only audit trail of accepted writes.
type Change struct {
	ChangeID                string    `gorm:"column:change_id;primaryKey;size:190;not null"`
	Kind                    string    `gorm:"column:kind;size:32;not null;index:idx_changes_entity,priority:1"`
	EntityID                string    `gorm:"column:entity_id;size:190;not null;index:idx_changes_entity,priority:2"`
	ActorID                 string    `gorm:"column:actor_id;size:190;not null;default:''"`
	Operation               Operation `gorm:"column:op;size:16;not null"`
	FieldsJSON              string    `gorm:"column:fields_json;type:text;not null"`
	Forced                  bool      `gorm:"column:forced;not null;default:false"`
	PreviousUpdatedAtMicros *int64    `gorm:"column:prev_updated_at_us"`
	NewUpdatedAtMicros      *int64    `gorm:"column:new_updated_at_us"`
	AppliedAtMicros         int64     `gorm:"column:applied_at_us;not null;index:idx_changes_entity,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Change) TableName() string {
	return "entity_changes"
}

// Models lists every storage model owned by the package, for schema migration.
func Models() []any {
	return []any{&Neighborhood{}, &Family{}, &Member{}, &Goal{}, &Change{}}
}
