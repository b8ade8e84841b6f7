package editing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
	"go.uber.org/zap"
)

// State is the lifecycle position of a table's single edit session.
type State string

const (
	StateIdle       State = "idle"
	StateEditing    State = "editing"
	StateSaving     State = "saving"
	StateConflicted State = "conflicted"
)

// Trigger names the user action that committed a cell.
type Trigger string

const (
	TriggerEnter Trigger = "enter"
	TriggerTab   Trigger = "tab"
	TriggerBlur  Trigger = "blur"
)

// Choice is the user's answer to a conflict.
type Choice string

const (
	ChoiceNone      Choice = ""
	ChoiceReload    Choice = "reload"
	ChoiceOverwrite Choice = "overwrite"
	ChoiceDismiss   Choice = "dismiss"
)

var (
	errMissingGateway = errors.New("editing: gateway required")
	errMissingKind    = errors.New("editing: kind required")
	errMissingFields  = errors.New("editing: field descriptors required")
)

// Row is the client copy of one entity.
type Row struct {
	ID        string           `json:"id"`
	UpdatedAt schema.Timestamp `json:"updated_at"`
	Fields    map[string]any   `json:"fields"`
}

func (r Row) clone() Row {
	fields := make(map[string]any, len(r.Fields))
	for name, value := range r.Fields {
		fields[name] = value
	}
	return Row{ID: r.ID, UpdatedAt: r.UpdatedAt, Fields: fields}
}

// Gateway is the data access the table needs. A nil expected timestamp requests a forced write.
type Gateway interface {
	ListRows(ctx context.Context, kind schema.Kind) ([]Row, error)
	UpdateFields(ctx context.Context, kind schema.Kind, entityID string, changes map[string]any, expected *schema.Timestamp) (Row, error)
}

// Session is the in-progress edit of one cell.
type Session struct {
	EntityID          string
	Field             string
	FieldIndex        int
	OriginalValue     any
	PendingValue      any
	CapturedUpdatedAt schema.Timestamp
}

// ConflictRecord holds a rejected edit until the user reloads, overwrites or dismisses it.
type ConflictRecord struct {
	EntityID     string
	Field        string
	FieldIndex   int
	PendingValue any
	Current      *Row
	Choice       Choice
	Message      string
}

// Snapshot is a copy of the table state for renderers.
type Snapshot struct {
	Kind     schema.Kind
	Fields   []schema.FieldDescriptor
	State    State
	Rows     []Row
	Session  *Session
	Conflict *ConflictRecord
	Err      error
}

// TableConfig wires a Table.
type TableConfig struct {
	Kind    schema.Kind
	Fields  []schema.FieldDescriptor
	Gateway Gateway
	Logger  *zap.Logger
}

// Table owns the rows of one entity kind and the single edit session over them. All
// transitions are serialized; gateway calls run without holding the lock so renderers can
// observe the Saving state.
type Table struct {
	mu       sync.Mutex
	kind     schema.Kind
	fields   []schema.FieldDescriptor
	gateway  Gateway
	logger   *zap.Logger
	state    State
	rows     []Row
	session  *Session
	conflict *ConflictRecord
	lastErr  error
}

// NewTable validates the configuration and returns an idle table with no rows loaded.
func NewTable(cfg TableConfig) (*Table, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	if cfg.Kind == "" {
		return nil, errMissingKind
	}
	if len(cfg.Fields) == 0 {
		return nil, errMissingFields
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := make([]schema.FieldDescriptor, len(cfg.Fields))
	copy(fields, cfg.Fields)
	return &Table{
		kind:    cfg.Kind,
		fields:  fields,
		gateway: cfg.Gateway,
		logger:  logger.With(zap.String("kind", cfg.Kind.String())),
		state:   StateIdle,
	}, nil
}

// Load replaces the cached rows with a fresh fetch. An open session keeps the timestamp it
// captured when it started.
func (t *Table) Load(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateSaving {
		t.mu.Unlock()
		return ErrSessionBusy
	}
	t.mu.Unlock()

	rows, err := t.gateway.ListRows(ctx, t.kind)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.lastErr = err
		return err
	}
	t.rows = rows
	return nil
}

// Activate opens an edit session on a cell and captures the row's timestamp as it is now.
func (t *Table) Activate(entityID, fieldName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateIdle {
		return ErrSessionBusy
	}
	_, index, err := t.fieldIndex(fieldName)
	if err != nil {
		return err
	}
	row, ok := t.rowByID(entityID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRowNotLoaded, entityID)
	}
	t.activateLocked(row, index)
	return nil
}

// SetValue replaces the pending value of the active session.
func (t *Table) SetValue(value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateEditing:
		t.session.PendingValue = value
		return nil
	case StateSaving, StateConflicted:
		return ErrSessionBusy
	default:
		return ErrNoSession
	}
}

// Cancel discards the active session without contacting the server.
func (t *Table) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateEditing:
		t.logger.Debug("edit cancelled", zap.String("entity_id", t.session.EntityID), zap.String("field", t.session.Field))
		t.session = nil
		t.state = StateIdle
		t.lastErr = nil
		return nil
	case StateSaving, StateConflicted:
		return ErrSessionBusy
	default:
		return ErrNoSession
	}
}

// Commit saves the pending value as a protected write carrying the captured timestamp.
//
// On success the rows are refetched before the session is cleared, and a Tab commit then
// opens the next editable cell of the same row. A conflict moves the table to Conflicted,
// a missing entity discards the session, and any other failure returns to Editing with the
// value intact. The returned error reports the outcome in every failure case.
func (t *Table) Commit(ctx context.Context, trigger Trigger) error {
	t.mu.Lock()
	switch t.state {
	case StateEditing:
	case StateSaving, StateConflicted:
		t.mu.Unlock()
		return ErrSessionBusy
	default:
		t.mu.Unlock()
		return ErrNoSession
	}
	session := *t.session
	t.state = StateSaving
	t.lastErr = nil
	t.mu.Unlock()

	expected := session.CapturedUpdatedAt
	_, err := t.gateway.UpdateFields(ctx, t.kind, session.EntityID, map[string]any{session.Field: session.PendingValue}, &expected)
	if err == nil {
		return t.finishSave(ctx, session, trigger)
	}

	switch {
	case errors.Is(err, ErrEditConflict):
		t.mu.Lock()
		t.conflict = newConflictRecord(session, err)
		t.session = nil
		t.state = StateConflicted
		t.lastErr = err
		t.mu.Unlock()
		t.logger.Info("edit conflict",
			zap.String("entity_id", session.EntityID),
			zap.String("field", session.Field),
			zap.String("captured_updated_at", expected.String()))
		return err
	case errors.Is(err, ErrNotFound):
		t.discard(ctx, err)
		t.logger.Info("edited entity no longer exists", zap.String("entity_id", session.EntityID))
		return err
	default:
		t.mu.Lock()
		t.state = StateEditing
		t.lastErr = err
		t.mu.Unlock()
		if !errors.Is(err, ErrValidation) {
			t.logger.Warn("save failed", zap.String("entity_id", session.EntityID), zap.Error(err))
		}
		return err
	}
}

// Resolve ends a conflict with the user's choice. Reload and Dismiss drop the pending value;
// Overwrite re-sends it as a forced write. A failed overwrite keeps the conflict open unless
// the entity is gone.
func (t *Table) Resolve(ctx context.Context, choice Choice) error {
	t.mu.Lock()
	if t.state == StateSaving {
		t.mu.Unlock()
		return ErrSessionBusy
	}
	if t.state != StateConflicted || t.conflict == nil {
		t.mu.Unlock()
		return ErrNoConflict
	}
	if t.conflict.Choice != ChoiceNone {
		t.mu.Unlock()
		return ErrSessionBusy
	}
	record := *t.conflict

	switch choice {
	case ChoiceDismiss:
		t.conflict = nil
		t.state = StateIdle
		t.lastErr = nil
		t.mu.Unlock()
		t.logger.Debug("conflict dismissed", zap.String("entity_id", record.EntityID))
		return nil
	case ChoiceReload:
		t.conflict.Choice = ChoiceReload
		t.mu.Unlock()
		rows, err := t.gateway.ListRows(ctx, t.kind)
		t.mu.Lock()
		defer t.mu.Unlock()
		t.conflict = nil
		t.state = StateIdle
		t.lastErr = err
		if err != nil {
			return fmt.Errorf("editing: reload after conflict: %w", err)
		}
		t.rows = rows
		return nil
	case ChoiceOverwrite:
		t.conflict.Choice = ChoiceOverwrite
		t.state = StateSaving
		t.lastErr = nil
		t.mu.Unlock()
	default:
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownChoice, choice)
	}

	_, err := t.gateway.UpdateFields(ctx, t.kind, record.EntityID, map[string]any{record.Field: record.PendingValue}, nil)
	switch {
	case err == nil:
		rows, fetchErr := t.gateway.ListRows(ctx, t.kind)
		t.mu.Lock()
		defer t.mu.Unlock()
		t.conflict = nil
		t.state = StateIdle
		t.lastErr = fetchErr
		if fetchErr != nil {
			return fmt.Errorf("editing: refresh after overwrite: %w", fetchErr)
		}
		t.rows = rows
		t.logger.Info("conflict overwritten", zap.String("entity_id", record.EntityID), zap.String("field", record.Field))
		return nil
	case errors.Is(err, ErrNotFound):
		t.mu.Lock()
		t.conflict = nil
		t.mu.Unlock()
		t.discard(ctx, err)
		return err
	default:
		t.mu.Lock()
		t.conflict.Choice = ChoiceNone
		t.state = StateConflicted
		t.lastErr = err
		t.mu.Unlock()
		return err
	}
}

// Snapshot returns a copy of the current state.
func (t *Table) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := Snapshot{
		Kind:   t.kind,
		Fields: append([]schema.FieldDescriptor(nil), t.fields...),
		State:  t.state,
		Rows:   make([]Row, 0, len(t.rows)),
		Err:    t.lastErr,
	}
	for _, row := range t.rows {
		snapshot.Rows = append(snapshot.Rows, row.clone())
	}
	if t.session != nil {
		session := *t.session
		snapshot.Session = &session
	}
	if t.conflict != nil {
		conflict := *t.conflict
		if conflict.Current != nil {
			current := conflict.Current.clone()
			conflict.Current = &current
		}
		snapshot.Conflict = &conflict
	}
	return snapshot
}

func (t *Table) finishSave(ctx context.Context, session Session, trigger Trigger) error {
	rows, err := t.gateway.ListRows(ctx, t.kind)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = nil
	t.state = StateIdle
	if err != nil {
		t.lastErr = err
		return fmt.Errorf("editing: refresh after save: %w", err)
	}
	t.rows = rows
	t.logger.Debug("cell saved",
		zap.String("entity_id", session.EntityID),
		zap.String("field", session.Field),
		zap.String("trigger", string(trigger)))

	if trigger != TriggerTab {
		return nil
	}
	next, ok := FindNextEditableCell(t.fields, session.FieldIndex)
	if !ok {
		return nil
	}
	row, ok := t.rowByID(session.EntityID)
	if !ok {
		return nil
	}
	t.activateLocked(row, next)
	return nil
}

// discard drops the session after the entity disappeared and refreshes the rows so the
// deleted row goes away.
func (t *Table) discard(ctx context.Context, cause error) {
	t.mu.Lock()
	t.session = nil
	t.state = StateSaving
	t.mu.Unlock()

	rows, err := t.gateway.ListRows(ctx, t.kind)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateIdle
	t.lastErr = cause
	if err != nil {
		t.logger.Warn("refresh after missing entity failed", zap.Error(err))
		return
	}
	t.rows = rows
}

func (t *Table) activateLocked(row Row, index int) {
	field := t.fields[index]
	value := row.Fields[field.Name]
	t.session = &Session{
		EntityID:          row.ID,
		Field:             field.Name,
		FieldIndex:        index,
		OriginalValue:     value,
		PendingValue:      value,
		CapturedUpdatedAt: row.UpdatedAt,
	}
	t.state = StateEditing
	t.lastErr = nil
}

func (t *Table) fieldIndex(name string) (schema.FieldDescriptor, int, error) {
	for index, field := range t.fields {
		if field.Name != name {
			continue
		}
		if !field.Activatable() {
			return field, index, fmt.Errorf("%w: %s", ErrFieldNotEditable, name)
		}
		return field, index, nil
	}
	return schema.FieldDescriptor{}, -1, fmt.Errorf("%w: %s", ErrFieldNotEditable, name)
}

func (t *Table) rowByID(entityID string) (Row, bool) {
	for _, row := range t.rows {
		if row.ID == entityID {
			return row, true
		}
	}
	return Row{}, false
}

func newConflictRecord(session Session, err error) *ConflictRecord {
	record := &ConflictRecord{
		EntityID:     session.EntityID,
		Field:        session.Field,
		FieldIndex:   session.FieldIndex,
		PendingValue: session.PendingValue,
		Choice:       ChoiceNone,
	}
	var updateErr *UpdateError
	if errors.As(err, &updateErr) {
		record.Message = updateErr.Message
		if updateErr.Current != nil {
			current := updateErr.Current.clone()
			record.Current = &current
		}
	}
	return record
}
