package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrUnknownField indicates that a field name is not part of an entity schema.
	ErrUnknownField = errors.New("schema: unknown field")
	// ErrReadOnlyField indicates an attempt to write a server-owned field.
	ErrReadOnlyField = errors.New("schema: read-only field")
	// ErrInvalidValue indicates that a value does not satisfy the field's rules.
	ErrInvalidValue = errors.New("schema: invalid value")
)

const dateLayout = "2006-01-02"

// FieldKind selects how a field is rendered, activated and validated.
type FieldKind string

const (
	FieldText      FieldKind = "text"
	FieldNumber    FieldKind = "number"
	FieldDate      FieldKind = "date"
	FieldBoolean   FieldKind = "boolean"
	FieldSelect    FieldKind = "select"
	FieldReference FieldKind = "reference"
	FieldTimestamp FieldKind = "timestamp"
)

// HasAffordance reports whether a cell of this kind exposes an activation control
// (editable text, checkbox or dropdown).
func (kind FieldKind) HasAffordance() bool {
	switch kind {
	case FieldText, FieldNumber, FieldDate, FieldBoolean, FieldSelect, FieldReference:
		return true
	default:
		return false
	}
}

// FieldDescriptor declares one column of an editable row.
type FieldDescriptor struct {
	Name       string    `json:"name"`
	Label      string    `json:"label"`
	Kind       FieldKind `json:"kind"`
	Editable   bool      `json:"editable"`
	Required   bool      `json:"required,omitempty"`
	Options    []string  `json:"options,omitempty"`
	References Kind      `json:"references,omitempty"`
	Pattern    string    `json:"pattern,omitempty"`
	MaxLength  int       `json:"max_length,omitempty"`

	column  string
	pattern *regexp.Regexp
}

// Column returns the storage column backing the field.
func (field FieldDescriptor) Column() string {
	if field.column != "" {
		return field.column
	}
	return field.Name
}

// Activatable reports whether the field may receive an edit session.
func (field FieldDescriptor) Activatable() bool {
	return field.Editable && field.Kind.HasAffordance()
}

// Coerce validates a client-supplied value and converts it to its storage form.
func (field FieldDescriptor) Coerce(raw any) (any, error) {
	if !field.Editable {
		return nil, fmt.Errorf("%w: %s", ErrReadOnlyField, field.Name)
	}
	switch field.Kind {
	case FieldText:
		return field.coerceText(raw)
	case FieldNumber:
		return field.coerceNumber(raw)
	case FieldDate:
		return field.coerceDate(raw)
	case FieldBoolean:
		return field.coerceBoolean(raw)
	case FieldSelect:
		return field.coerceSelect(raw)
	case FieldReference:
		return field.coerceReference(raw)
	default:
		return nil, fmt.Errorf("%w: %s is not writable", ErrReadOnlyField, field.Name)
	}
}

// Decode normalizes a value read from storage into its wire form.
func (field FieldDescriptor) Decode(stored any) any {
	switch field.Kind {
	case FieldBoolean:
		switch typed := stored.(type) {
		case bool:
			return typed
		case int64:
			return typed != 0
		case int:
			return typed != 0
		case nil:
			return false
		}
	case FieldNumber:
		if number, err := toInt64(stored); err == nil {
			return number
		}
		return int64(0)
	case FieldTimestamp:
		if micros, err := toInt64(stored); err == nil {
			return Timestamp(micros)
		}
	case FieldText, FieldDate, FieldSelect, FieldReference:
		switch typed := stored.(type) {
		case nil:
			return ""
		case []byte:
			return string(typed)
		}
	}
	return stored
}

// Zero returns the storage value used when a non-required field is omitted on create.
func (field FieldDescriptor) Zero() any {
	switch field.Kind {
	case FieldNumber:
		return int64(0)
	case FieldBoolean:
		return false
	case FieldSelect:
		if len(field.Options) > 0 {
			return field.Options[0]
		}
		return ""
	default:
		return ""
	}
}

func (field FieldDescriptor) invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidValue, field.Name, fmt.Sprintf(format, args...))
}

func (field FieldDescriptor) coerceText(raw any) (any, error) {
	text, ok := raw.(string)
	if !ok {
		if raw != nil {
			return nil, field.invalid("must be a string")
		}
		text = ""
	}
	text = strings.TrimSpace(text)
	if field.Required && text == "" {
		return nil, field.invalid("is required")
	}
	if field.MaxLength > 0 && utf8.RuneCountInString(text) > field.MaxLength {
		return nil, field.invalid("exceeds %d characters", field.MaxLength)
	}
	if field.pattern != nil && text != "" && !field.pattern.MatchString(text) {
		return nil, field.invalid("must match %s", field.Pattern)
	}
	return text, nil
}

func (field FieldDescriptor) coerceNumber(raw any) (any, error) {
	if raw == nil {
		if field.Required {
			return nil, field.invalid("is required")
		}
		return int64(0), nil
	}
	number, err := toInt64(raw)
	if err != nil {
		return nil, field.invalid("must be a whole number")
	}
	if number < 0 {
		return nil, field.invalid("must not be negative")
	}
	return number, nil
}

func (field FieldDescriptor) coerceDate(raw any) (any, error) {
	text, ok := raw.(string)
	if !ok && raw != nil {
		return nil, field.invalid("must be a YYYY-MM-DD string")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		if field.Required {
			return nil, field.invalid("is required")
		}
		return "", nil
	}
	if _, err := time.Parse(dateLayout, text); err != nil {
		return nil, field.invalid("must be a YYYY-MM-DD date")
	}
	return text, nil
}

func (field FieldDescriptor) coerceBoolean(raw any) (any, error) {
	switch typed := raw.(type) {
	case bool:
		return typed, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		if err != nil {
			return nil, field.invalid("must be true or false")
		}
		return parsed, nil
	case nil:
		return false, nil
	default:
		return nil, field.invalid("must be true or false")
	}
}

func (field FieldDescriptor) coerceSelect(raw any) (any, error) {
	text, ok := raw.(string)
	if !ok {
		return nil, field.invalid("must be one of %s", strings.Join(field.Options, ", "))
	}
	text = strings.TrimSpace(text)
	for _, option := range field.Options {
		if option == text {
			return text, nil
		}
	}
	return nil, field.invalid("must be one of %s", strings.Join(field.Options, ", "))
}

func (field FieldDescriptor) coerceReference(raw any) (any, error) {
	text, ok := raw.(string)
	if !ok && raw != nil {
		return nil, field.invalid("must be an identifier")
	}
	text = strings.TrimSpace(text)
	if text == "" && field.Required {
		return nil, field.invalid("is required")
	}
	if len(text) > maxIdentifierLength {
		return nil, field.invalid("exceeds %d characters", maxIdentifierLength)
	}
	return text, nil
}

func toInt64(raw any) (int64, error) {
	switch typed := raw.(type) {
	case int64:
		return typed, nil
	case int:
		return int64(typed), nil
	case int32:
		return int64(typed), nil
	case float64:
		if typed != math.Trunc(typed) || math.IsInf(typed, 0) || math.IsNaN(typed) {
			return 0, ErrInvalidValue
		}
		return int64(typed), nil
	case json.Number:
		return typed.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
	default:
		return 0, ErrInvalidValue
	}
}
