package editing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
	"github.com/stretchr/testify/require"
)

type updateCall struct {
	entityID string
	changes  map[string]any
	expected *schema.Timestamp
}

// memoryGateway applies the same compare-and-advance rule as the server over in-memory rows.
type memoryGateway struct {
	mu        sync.Mutex
	rows      []Row
	updates   []updateCall
	listCalls int
	failNext  error
	entered   chan struct{}
	release   chan struct{}
}

func newMemoryGateway(rows ...Row) *memoryGateway {
	return &memoryGateway{rows: rows}
}

func (g *memoryGateway) ListRows(context.Context, schema.Kind) ([]Row, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listCalls++
	rows := make([]Row, 0, len(g.rows))
	for _, row := range g.rows {
		rows = append(rows, row.clone())
	}
	return rows, nil
}

func (g *memoryGateway) UpdateFields(_ context.Context, _ schema.Kind, entityID string, changes map[string]any, expected *schema.Timestamp) (Row, error) {
	if g.entered != nil {
		g.entered <- struct{}{}
	}
	if g.release != nil {
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var expectedCopy *schema.Timestamp
	if expected != nil {
		value := *expected
		expectedCopy = &value
	}
	g.updates = append(g.updates, updateCall{entityID: entityID, changes: changes, expected: expectedCopy})
	if g.failNext != nil {
		err := g.failNext
		g.failNext = nil
		return Row{}, err
	}
	return g.applyLocked(entityID, changes, expected)
}

func (g *memoryGateway) applyLocked(entityID string, changes map[string]any, expected *schema.Timestamp) (Row, error) {
	for index := range g.rows {
		row := &g.rows[index]
		if row.ID != entityID {
			continue
		}
		if expected != nil && *expected != row.UpdatedAt {
			current := row.clone()
			return Row{}, &UpdateError{Code: CodeEditConflict, Message: "entity changed", Current: &current}
		}
		for name, value := range changes {
			row.Fields[name] = value
		}
		row.UpdatedAt += 50
		return row.clone(), nil
	}
	return Row{}, &UpdateError{Code: CodeNotFound, Message: "entity not found"}
}

// otherClientWrites simulates a forced write from another actor.
func (g *memoryGateway) otherClientWrites(t *testing.T, entityID, field string, value any) {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.applyLocked(entityID, map[string]any{field: value}, nil)
	require.NoError(t, err)
}

func (g *memoryGateway) deleteRow(entityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.rows[:0]
	for _, row := range g.rows {
		if row.ID != entityID {
			kept = append(kept, row)
		}
	}
	g.rows = kept
}

func (g *memoryGateway) recordedUpdates() []updateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]updateCall(nil), g.updates...)
}

func (g *memoryGateway) row(entityID string) (Row, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, row := range g.rows {
		if row.ID == entityID {
			return row.clone(), true
		}
	}
	return Row{}, false
}

func familyFields(t *testing.T) []schema.FieldDescriptor {
	t.Helper()
	entitySchema, err := schema.Lookup(schema.KindFamilies)
	require.NoError(t, err)
	return entitySchema.Fields
}

func familyRow(id string, updatedAt schema.Timestamp, name string) Row {
	return Row{
		ID:        id,
		UpdatedAt: updatedAt,
		Fields: map[string]any{
			"name":            name,
			"address":         "Calle 5",
			"phone":           "555-0100",
			"neighborhood_id": "",
			"status":          "active",
			"notes":           "",
			"created_at":      schema.Timestamp(1),
		},
	}
}

func newLoadedTable(t *testing.T, gateway *memoryGateway) *Table {
	t.Helper()
	table, err := NewTable(TableConfig{Kind: schema.KindFamilies, Fields: familyFields(t), Gateway: gateway})
	require.NoError(t, err)
	require.NoError(t, table.Load(context.Background()))
	return table
}

func TestNewTableRequiresDependencies(t *testing.T) {
	_, err := NewTable(TableConfig{Kind: schema.KindFamilies, Fields: familyFields(t)})
	require.ErrorIs(t, err, errMissingGateway)

	_, err = NewTable(TableConfig{Fields: familyFields(t), Gateway: newMemoryGateway()})
	require.ErrorIs(t, err, errMissingKind)

	_, err = NewTable(TableConfig{Kind: schema.KindFamilies, Gateway: newMemoryGateway()})
	require.ErrorIs(t, err, errMissingFields)
}

func TestCommitSucceedsAndRefetches(t *testing.T) {
	gateway := newMemoryGateway(familyRow("family-1", 100, "Pérez"))
	table := newLoadedTable(t, gateway)

	require.NoError(t, table.Activate("family-1", "name"))
	require.NoError(t, table.SetValue("Pérez López"))
	require.NoError(t, table.Commit(context.Background(), TriggerEnter))

	snapshot := table.Snapshot()
	require.Equal(t, StateIdle, snapshot.State)
	require.Nil(t, snapshot.Session)
	require.NoError(t, snapshot.Err)
	require.Len(t, snapshot.Rows, 1)
	require.Equal(t, "Pérez López", snapshot.Rows[0].Fields["name"])
	require.Equal(t, schema.Timestamp(150), snapshot.Rows[0].UpdatedAt)
	require.Equal(t, 2, gateway.listCalls)

	updates := gateway.recordedUpdates()
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].expected)
	require.Equal(t, schema.Timestamp(100), *updates[0].expected)
	require.Equal(t, map[string]any{"name": "Pérez López"}, updates[0].changes)
}

func TestActivateCapturesTimestampAtStart(t *testing.T) {
	gateway := newMemoryGateway(familyRow("family-1", 100, "Pérez"))
	table := newLoadedTable(t, gateway)

	require.NoError(t, table.Activate("family-1", "name"))
	gateway.otherClientWrites(t, "family-1", "name", "García")
	// A refetch while editing must not move the captured timestamp.
	require.NoError(t, table.Load(context.Background()))
	require.NoError(t, table.SetValue("Pérez López"))

	err := table.Commit(context.Background(), TriggerEnter)
	require.ErrorIs(t, err, ErrEditConflict)

	updates := gateway.recordedUpdates()
	require.Len(t, updates, 1)
	require.Equal(t, schema.Timestamp(100), *updates[0].expected)

	snapshot := table.Snapshot()
	require.Equal(t, StateConflicted, snapshot.State)
	require.Nil(t, snapshot.Session)
	require.NotNil(t, snapshot.Conflict)
	require.Equal(t, "Pérez López", snapshot.Conflict.PendingValue)
	require.Equal(t, "name", snapshot.Conflict.Field)
	require.Equal(t, ChoiceNone, snapshot.Conflict.Choice)
	require.NotNil(t, snapshot.Conflict.Current)
	require.Equal(t, schema.Timestamp(150), snapshot.Conflict.Current.UpdatedAt)
	require.Equal(t, "García", snapshot.Conflict.Current.Fields["name"])
}

func conflictedTable(t *testing.T) (*Table, *memoryGateway) {
	t.Helper()
	gateway := newMemoryGateway(familyRow("family-1", 100, "Pérez"))
	table := newLoadedTable(t, gateway)
	require.NoError(t, table.Activate("family-1", "name"))
	require.NoError(t, table.SetValue("Pérez López"))
	gateway.otherClientWrites(t, "family-1", "name", "García")
	require.ErrorIs(t, table.Commit(context.Background(), TriggerEnter), ErrEditConflict)
	return table, gateway
}

func TestResolveReloadShowsOtherClientsValue(t *testing.T) {
	table, gateway := conflictedTable(t)

	require.NoError(t, table.Resolve(context.Background(), ChoiceReload))

	snapshot := table.Snapshot()
	require.Equal(t, StateIdle, snapshot.State)
	require.Nil(t, snapshot.Conflict)
	require.Equal(t, "García", snapshot.Rows[0].Fields["name"])
	require.Len(t, gateway.recordedUpdates(), 1)
}

func TestResolveOverwriteForcesPendingValue(t *testing.T) {
	table, gateway := conflictedTable(t)

	require.NoError(t, table.Resolve(context.Background(), ChoiceOverwrite))

	updates := gateway.recordedUpdates()
	require.Len(t, updates, 2)
	require.Nil(t, updates[1].expected)
	require.Equal(t, map[string]any{"name": "Pérez López"}, updates[1].changes)

	snapshot := table.Snapshot()
	require.Equal(t, StateIdle, snapshot.State)
	require.Nil(t, snapshot.Conflict)
	require.Equal(t, "Pérez López", snapshot.Rows[0].Fields["name"])
	require.Equal(t, schema.Timestamp(200), snapshot.Rows[0].UpdatedAt)
}

func TestResolveDismissMakesNoWrite(t *testing.T) {
	table, gateway := conflictedTable(t)

	require.NoError(t, table.Resolve(context.Background(), ChoiceDismiss))

	require.Len(t, gateway.recordedUpdates(), 1)
	snapshot := table.Snapshot()
	require.Equal(t, StateIdle, snapshot.State)
	require.Nil(t, snapshot.Conflict)
	row, ok := gateway.row("family-1")
	require.True(t, ok)
	require.Equal(t, "García", row.Fields["name"])
}

func TestFailedOverwriteKeepsPendingValue(t *testing.T) {
	table, gateway := conflictedTable(t)

	gateway.failNext = &UpdateError{Code: CodeValidation, Field: "name", Message: "too long"}
	err := table.Resolve(context.Background(), ChoiceOverwrite)
	require.ErrorIs(t, err, ErrValidation)

	snapshot := table.Snapshot()
	require.Equal(t, StateConflicted, snapshot.State)
	require.NotNil(t, snapshot.Conflict)
	require.Equal(t, "Pérez López", snapshot.Conflict.PendingValue)
	require.Equal(t, ChoiceNone, snapshot.Conflict.Choice)

	gateway.failNext = errors.New("connection reset")
	require.Error(t, table.Resolve(context.Background(), ChoiceOverwrite))
	require.NotNil(t, table.Snapshot().Conflict)

	require.NoError(t, table.Resolve(context.Background(), ChoiceOverwrite))
	require.Nil(t, table.Snapshot().Conflict)
	row, _ := gateway.row("family-1")
	require.Equal(t, "Pérez López", row.Fields["name"])
}

func TestOverwriteOfDeletedEntityDiscardsConflict(t *testing.T) {
	table, gateway := conflictedTable(t)
	gateway.deleteRow("family-1")

	err := table.Resolve(context.Background(), ChoiceOverwrite)
	require.ErrorIs(t, err, ErrNotFound)

	snapshot := table.Snapshot()
	require.Equal(t, StateIdle, snapshot.State)
	require.Nil(t, snapshot.Conflict)
	require.Empty(t, snapshot.Rows)
}

func TestResolveRequiresConflict(t *testing.T) {
	gateway := newMemoryGateway(familyRow("family-1", 100, "Pérez"))
	table := newLoadedTable(t, gateway)
	require.ErrorIs(t, table.Resolve(context.Background(), ChoiceReload), ErrNoConflict)

	conflicted, _ := conflictedTable(t)
	require.ErrorIs(t, conflicted.Resolve(context.Background(), Choice("merge")), ErrUnknownChoice)
	require.ErrorIs(t, conflicted.Activate("family-1", "phone"), ErrSessionBusy)
	require.ErrorIs(t, conflicted.Cancel(), ErrSessionBusy)
}

func TestTabCommitOnConflictDoesNotAdvance(t *testing.T) {
	gateway := newMemoryGateway(familyRow("family-1", 100, "Pérez"))
	table := newLoadedTable(t, gateway)
	require.NoError(t, table.Activate("family-1", "name"))
	require.NoError(t, table.SetValue("Pérez López"))
	gateway.otherClientWrites(t, "family-1", "phone", "555-0199")

	require.ErrorIs(t, table.Commit(context.Background(), TriggerTab), ErrEditConflict)

	snapshot := table.Snapshot()
	require.Equal(t, StateConflicted, snapshot.State)
	require.Nil(t, snapshot.Session)
}

func TestTabCommitOnValidationErrorStaysOnCell(t *testing.T) {
	gateway := newMemoryGateway(familyRow("family-1", 100, "Pérez"))
	table := newLoadedTable(t, gateway)
	require.NoError(t, table.Activate("family-1", "name"))
	require.NoError(t, table.SetValue(""))
	gateway.failNext = &UpdateError{Code: CodeValidation, Field: "name", Message: "name is required"}

	err := table.Commit(context.Background(), TriggerTab)
	require.ErrorIs(t, err, ErrValidation)
	require.NotErrorIs(t, err, ErrEditConflict)

	snapshot := table.Snapshot()
	require.Equal(t, StateEditing, snapshot.State)
	require.NotNil(t, snapshot.Session)
	require.Equal(t, "name", snapshot.Session.Field)
	require.Equal(t, "", snapshot.Session.PendingValue)
	require.Equal(t, schema.Timestamp(100), snapshot.Session.CapturedUpdatedAt)
	require.ErrorIs(t, snapshot.Err, ErrValidation)
}

func TestTransportErrorReturnsToEditing(t *testing.T) {
	gateway := newMemoryGateway(familyRow("family-1", 100, "Pérez"))
	table := newLoadedTable(t, gateway)
	require.NoError(t, table.Activate("family-1", "phone"))
	require.NoError(t, table.SetValue("555-0123"))
	gateway.failNext = errors.New("dial tcp: connection refused")

	err := table.Commit(context.Background(), TriggerEnter)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrEditConflict)

	snapshot := table.Snapshot()
	require.Equal(t, StateEditing, snapshot.State)
	require.Equal(t, "555-0123", snapshot.Session.PendingValue)

	require.NoError(t, table.Commit(context.Background(), TriggerEnter))
	require.Equal(t, StateIdle, table.Snapshot().State)
}

func TestTabChainEditsConsecutiveCells(t *testing.T) {
	gateway := newMemoryGateway(familyRow("family-1", 100, "Pérez"))
	table := newLoadedTable(t, gateway)
	ctx := context.Background()

	require.NoError(t, table.Activate("family-1", "name"))
	require.NoError(t, table.SetValue("Pérez López"))
	require.NoError(t, table.Commit(ctx, TriggerTab))

	snapshot := table.Snapshot()
	require.Equal(t, StateEditing, snapshot.State)
	require.Equal(t, "address", snapshot.Session.Field)
	require.Equal(t, "Calle 5", snapshot.Session.OriginalValue)
	require.Equal(t, schema.Timestamp(150), snapshot.Session.CapturedUpdatedAt)

	require.NoError(t, table.SetValue("Calle 7"))
	require.NoError(t, table.Commit(ctx, TriggerTab))
	require.Equal(t, "phone", table.Snapshot().Session.Field)

	require.NoError(t, table.SetValue("555-0111"))
	require.NoError(t, table.Commit(ctx, TriggerEnter))

	updates := gateway.recordedUpdates()
	require.Len(t, updates, 3)
	require.Equal(t, schema.Timestamp(100), *updates[0].expected)
	require.Equal(t, schema.Timestamp(150), *updates[1].expected)
	require.Equal(t, schema.Timestamp(200), *updates[2].expected)

	snapshot = table.Snapshot()
	require.Equal(t, StateIdle, snapshot.State)
	require.Nil(t, snapshot.Session)
	require.Equal(t, "Pérez López", snapshot.Rows[0].Fields["name"])
	require.Equal(t, "Calle 7", snapshot.Rows[0].Fields["address"])
	require.Equal(t, "555-0111", snapshot.Rows[0].Fields["phone"])
}

func TestTabOnLastEditableCellDoesNotWrap(t *testing.T) {
	gateway := newMemoryGateway(familyRow("family-1", 100, "Pérez"))
	table := newLoadedTable(t, gateway)

	require.NoError(t, table.Activate("family-1", "notes"))
	require.NoError(t, table.SetValue("visitar el martes"))
	require.NoError(t, table.Commit(context.Background(), TriggerTab))

	snapshot := table.Snapshot()
	require.Equal(t, StateIdle, snapshot.State)
	require.Nil(t, snapshot.Session)
}

func TestCancelMakesNoNetworkCall(t *testing.T) {
	gateway := newMemoryGateway(familyRow("family-1", 100, "Pérez"))
	table := newLoadedTable(t, gateway)

	require.NoError(t, table.Activate("family-1", "name"))
	require.NoError(t, table.SetValue("Otro nombre"))
	require.NoError(t, table.Cancel())

	require.Empty(t, gateway.recordedUpdates())
	require.Equal(t, 1, gateway.listCalls)
	snapshot := table.Snapshot()
	require.Equal(t, StateIdle, snapshot.State)
	require.Nil(t, snapshot.Session)
	require.Equal(t, "Pérez", snapshot.Rows[0].Fields["name"])
	require.ErrorIs(t, table.Cancel(), ErrNoSession)
}

func TestCommitAfterDeleteReportsNotFound(t *testing.T) {
	gateway := newMemoryGateway(familyRow("family-1", 100, "Pérez"), familyRow("family-2", 120, "Ruiz"))
	table := newLoadedTable(t, gateway)
	require.NoError(t, table.Activate("family-1", "name"))
	require.NoError(t, table.SetValue("Pérez López"))
	gateway.deleteRow("family-1")

	err := table.Commit(context.Background(), TriggerEnter)
	require.ErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrEditConflict)

	snapshot := table.Snapshot()
	require.Equal(t, StateIdle, snapshot.State)
	require.Nil(t, snapshot.Session)
	require.Nil(t, snapshot.Conflict)
	require.ErrorIs(t, snapshot.Err, ErrNotFound)
	require.Len(t, snapshot.Rows, 1)
	require.Equal(t, "family-2", snapshot.Rows[0].ID)
}

func TestSingleSessionPerTable(t *testing.T) {
	gateway := newMemoryGateway(familyRow("family-1", 100, "Pérez"), familyRow("family-2", 120, "Ruiz"))
	table := newLoadedTable(t, gateway)

	require.NoError(t, table.Activate("family-1", "name"))
	require.ErrorIs(t, table.Activate("family-2", "name"), ErrSessionBusy)
}

func TestActivateRejectsIneligibleCells(t *testing.T) {
	gateway := newMemoryGateway(familyRow("family-1", 100, "Pérez"))
	table := newLoadedTable(t, gateway)

	require.ErrorIs(t, table.Activate("family-1", "created_at"), ErrFieldNotEditable)
	require.ErrorIs(t, table.Activate("family-1", "missing"), ErrFieldNotEditable)
	require.ErrorIs(t, table.Activate("family-9", "name"), ErrRowNotLoaded)
	require.ErrorIs(t, table.SetValue("x"), ErrNoSession)
	require.ErrorIs(t, table.Commit(context.Background(), TriggerEnter), ErrNoSession)
}

func TestInputLockedWhileSaving(t *testing.T) {
	gateway := newMemoryGateway(familyRow("family-1", 100, "Pérez"), familyRow("family-2", 120, "Ruiz"))
	table := newLoadedTable(t, gateway)
	gateway.entered = make(chan struct{})
	gateway.release = make(chan struct{})

	require.NoError(t, table.Activate("family-1", "name"))
	require.NoError(t, table.SetValue("Pérez López"))

	result := make(chan error, 1)
	go func() { result <- table.Commit(context.Background(), TriggerEnter) }()
	<-gateway.entered

	require.Equal(t, StateSaving, table.Snapshot().State)
	require.ErrorIs(t, table.Activate("family-2", "name"), ErrSessionBusy)
	require.ErrorIs(t, table.SetValue("otro"), ErrSessionBusy)
	require.ErrorIs(t, table.Commit(context.Background(), TriggerEnter), ErrSessionBusy)
	require.ErrorIs(t, table.Cancel(), ErrSessionBusy)
	require.ErrorIs(t, table.Load(context.Background()), ErrSessionBusy)

	close(gateway.release)
	require.NoError(t, <-result)
	require.Equal(t, StateIdle, table.Snapshot().State)
}

func TestUpdateErrorMatchesSentinels(t *testing.T) {
	conflict := &UpdateError{Code: CodeEditConflict, Message: "stale"}
	require.ErrorIs(t, conflict, ErrEditConflict)
	require.NotErrorIs(t, conflict, ErrNotFound)
	require.Equal(t, "EDIT_CONFLICT: stale", conflict.Error())

	validation := &UpdateError{Code: CodeValidation, Field: "phone", Message: "too long"}
	require.ErrorIs(t, validation, ErrValidation)
	require.Equal(t, "VALIDATION_ERROR: phone: too long", validation.Error())

	require.NotErrorIs(t, &UpdateError{Code: "INTERNAL"}, ErrValidation)
}
