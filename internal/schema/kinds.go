package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnknownKind indicates that an entity kind is not registered.
var ErrUnknownKind = errors.New("schema: unknown entity kind")

const maxIdentifierLength = 190

// Kind names a family of editable entities.
type Kind string

const (
	KindNeighborhoods Kind = "neighborhoods"
	KindFamilies      Kind = "families"
	KindMembers       Kind = "members"
	KindGoals         Kind = "goals"
)

// String returns the kind slug.
func (kind Kind) String() string {
	return string(kind)
}

// ParseKind validates raw input against the registered kinds.
func ParseKind(rawInput string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := registry[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
	return kind, nil
}

// EntitySchema is the ordered field layout of one entity kind.
type EntitySchema struct {
	Kind   Kind              `json:"kind"`
	Fields []FieldDescriptor `json:"fields"`

	table string
}

// Table returns the storage table of the kind.
func (s EntitySchema) Table() string {
	return s.table
}

// Field looks up a descriptor by name and returns its position in the row.
func (s EntitySchema) Field(name string) (FieldDescriptor, int, error) {
	for index, field := range s.Fields {
		if field.Name == name {
			return field, index, nil
		}
	}
	return FieldDescriptor{}, -1, fmt.Errorf("%w: %s.%s", ErrUnknownField, s.Kind, name)
}

// EditableFields returns the descriptors clients may write.
func (s EntitySchema) EditableFields() []FieldDescriptor {
	fields := make([]FieldDescriptor, 0, len(s.Fields))
	for _, field := range s.Fields {
		if field.Editable {
			fields = append(fields, field)
		}
	}
	return fields
}

// Lookup returns the schema registered for kind.
func Lookup(kind Kind) (EntitySchema, error) {
	entitySchema, ok := registry[kind]
	if !ok {
		return EntitySchema{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return entitySchema, nil
}

// Kinds lists registered kinds in dependency order.
func Kinds() []Kind {
	return []Kind{KindNeighborhoods, KindFamilies, KindMembers, KindGoals}
}

var quarterPattern = regexp.MustCompile(`^\d{4}-Q[1-4]$`)

var registry = map[Kind]EntitySchema{
	KindNeighborhoods: {
		Kind:  KindNeighborhoods,
		table: "neighborhoods",
		Fields: []FieldDescriptor{
			{Name: "name", Label: "Barrio", Kind: FieldText, Editable: true, Required: true, MaxLength: 120},
			{Name: "description", Label: "Descripción", Kind: FieldText, Editable: true, MaxLength: 500},
			{Name: "active", Label: "Activo", Kind: FieldBoolean, Editable: true},
			createdAtField(),
		},
	},
	KindFamilies: {
		Kind:  KindFamilies,
		table: "families",
		Fields: []FieldDescriptor{
			{Name: "name", Label: "Familia", Kind: FieldText, Editable: true, Required: true, MaxLength: 120},
			{Name: "address", Label: "Dirección", Kind: FieldText, Editable: true, MaxLength: 240},
			{Name: "phone", Label: "Teléfono", Kind: FieldText, Editable: true, MaxLength: 40},
			{Name: "neighborhood_id", Label: "Barrio", Kind: FieldReference, Editable: true, References: KindNeighborhoods},
			{Name: "status", Label: "Estatus", Kind: FieldSelect, Editable: true, Options: []string{"active", "inactive", "moved"}},
			{Name: "notes", Label: "Notas", Kind: FieldText, Editable: true, MaxLength: 2000},
			createdAtField(),
		},
	},
	KindMembers: {
		Kind:  KindMembers,
		table: "members",
		Fields: []FieldDescriptor{
			{Name: "first_name", Label: "Nombre", Kind: FieldText, Editable: true, Required: true, MaxLength: 120},
			{Name: "last_name", Label: "Apellidos", Kind: FieldText, Editable: true, MaxLength: 120},
			{Name: "family_id", Label: "Familia", Kind: FieldReference, Editable: true, References: KindFamilies},
			{Name: "role", Label: "Rol", Kind: FieldSelect, Editable: true, Options: []string{"head", "spouse", "child", "relative", "other"}},
			{Name: "birth_date", Label: "Nacimiento", Kind: FieldDate, Editable: true},
			{Name: "phone", Label: "Teléfono", Kind: FieldText, Editable: true, MaxLength: 40},
			{Name: "active", Label: "Activo", Kind: FieldBoolean, Editable: true},
			createdAtField(),
		},
	},
	KindGoals: {
		Kind:  KindGoals,
		table: "goals",
		Fields: []FieldDescriptor{
			{Name: "quarter", Label: "Trimestre", Kind: FieldText, Editable: true, Required: true, Pattern: quarterPattern.String(), pattern: quarterPattern},
			{Name: "target_families", Label: "Meta familias", Kind: FieldNumber, Editable: true},
			{Name: "target_visits", Label: "Meta visitas", Kind: FieldNumber, Editable: true},
			{Name: "target_devotionals", Label: "Meta devocionales", Kind: FieldNumber, Editable: true},
			{Name: "status", Label: "Estatus", Kind: FieldSelect, Editable: true, Options: []string{"draft", "active", "closed"}},
			createdAtField(),
		},
	},
}

func createdAtField() FieldDescriptor {
	return FieldDescriptor{Name: "created_at", Label: "Creado", Kind: FieldTimestamp, column: "created_at_us"}
}
