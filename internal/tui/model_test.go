package tui

import (
	"context"
	"sync"
	"testing"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/editing"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"
)

type recordedUpdate struct {
	entityID string
	changes  map[string]any
	expected *schema.Timestamp
}

type fakeGateway struct {
	mu      sync.Mutex
	rows    []editing.Row
	updates []recordedUpdate
}

func (g *fakeGateway) ListRows(context.Context, schema.Kind) ([]editing.Row, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rows := make([]editing.Row, 0, len(g.rows))
	for _, row := range g.rows {
		fields := make(map[string]any, len(row.Fields))
		for name, value := range row.Fields {
			fields[name] = value
		}
		rows = append(rows, editing.Row{ID: row.ID, UpdatedAt: row.UpdatedAt, Fields: fields})
	}
	return rows, nil
}

func (g *fakeGateway) UpdateFields(_ context.Context, _ schema.Kind, entityID string, changes map[string]any, expected *schema.Timestamp) (editing.Row, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var expectedCopy *schema.Timestamp
	if expected != nil {
		value := *expected
		expectedCopy = &value
	}
	g.updates = append(g.updates, recordedUpdate{entityID: entityID, changes: changes, expected: expectedCopy})
	for index := range g.rows {
		row := &g.rows[index]
		if row.ID != entityID {
			continue
		}
		if expected != nil && *expected != row.UpdatedAt {
			current := editing.Row{ID: row.ID, UpdatedAt: row.UpdatedAt, Fields: map[string]any{"name": row.Fields["name"]}}
			return editing.Row{}, &editing.UpdateError{Code: editing.CodeEditConflict, Message: "changed", Current: &current}
		}
		for name, value := range changes {
			row.Fields[name] = value
		}
		row.UpdatedAt += 10
		return *row, nil
	}
	return editing.Row{}, &editing.UpdateError{Code: editing.CodeNotFound, Message: "gone"}
}

func (g *fakeGateway) touch(entityID, field string, value any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for index := range g.rows {
		if g.rows[index].ID == entityID {
			g.rows[index].Fields[field] = value
			g.rows[index].UpdatedAt += 10
		}
	}
}

func (g *fakeGateway) recorded() []recordedUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]recordedUpdate(nil), g.updates...)
}

func newTestModel(t *testing.T) (Model, *fakeGateway, *editing.Table) {
	t.Helper()
	gateway := &fakeGateway{rows: []editing.Row{{
		ID:        "family-1",
		UpdatedAt: 100,
		Fields: map[string]any{
			"name":            "Pérez",
			"address":         "Calle 5",
			"phone":           "555-0100",
			"neighborhood_id": "",
			"status":          "active",
			"notes":           "",
			"created_at":      "2026-10-01T12:00:00.000000Z",
		},
	}}}
	entitySchema, err := schema.Lookup(schema.KindFamilies)
	require.NoError(t, err)
	table, err := editing.NewTable(editing.TableConfig{Kind: schema.KindFamilies, Fields: entitySchema.Fields, Gateway: gateway})
	require.NoError(t, err)

	model := NewModel(context.Background(), table, nil)
	loaded := model.Init()()
	next, _ := model.Update(loaded)
	return next.(Model), gateway, table
}

// send delivers msg and then runs the model's own commands until none are left.
func send(t *testing.T, model Model, msg tea.Msg) Model {
	t.Helper()
	next, cmd := model.Update(msg)
	for cmd != nil {
		result := cmd()
		switch result.(type) {
		case rowsLoadedMsg, committedMsg, resolvedMsg:
			next, cmd = next.Update(result)
		default:
			cmd = nil
		}
	}
	return next.(Model)
}

func typeText(t *testing.T, model Model, text string) Model {
	t.Helper()
	model = send(t, model, tea.KeyMsg{Type: tea.KeyCtrlU})
	return send(t, model, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
}

var (
	keyEnter = tea.KeyMsg{Type: tea.KeyEnter}
	keyTab   = tea.KeyMsg{Type: tea.KeyTab}
	keyEsc   = tea.KeyMsg{Type: tea.KeyEsc}
	keyRight = tea.KeyMsg{Type: tea.KeyRight}
)

func runeKey(value string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(value)}
}

func TestViewRendersRows(t *testing.T) {
	model, _, _ := newTestModel(t)

	view := model.View()
	require.Contains(t, view, "families")
	require.Contains(t, view, "Familia")
	require.Contains(t, view, "Pérez")
	require.Contains(t, view, "Calle 5")
}

func TestEnterSavesWithCapturedTimestamp(t *testing.T) {
	model, gateway, table := newTestModel(t)

	model = send(t, model, keyEnter)
	require.Equal(t, editing.StateEditing, table.Snapshot().State)
	model = typeText(t, model, "Pérez López")
	model = send(t, model, keyEnter)

	updates := gateway.recorded()
	require.Len(t, updates, 1)
	require.Equal(t, map[string]any{"name": "Pérez López"}, updates[0].changes)
	require.Equal(t, schema.Timestamp(100), *updates[0].expected)

	require.Equal(t, editing.StateIdle, table.Snapshot().State)
	require.Equal(t, "Guardado", model.status)
	require.Contains(t, model.View(), "Pérez López")
}

func TestTabMovesToNextEditableCell(t *testing.T) {
	model, gateway, table := newTestModel(t)

	model = send(t, model, keyEnter)
	model = typeText(t, model, "Ruiz")
	model = send(t, model, keyTab)

	snapshot := table.Snapshot()
	require.Equal(t, editing.StateEditing, snapshot.State)
	require.Equal(t, "address", snapshot.Session.Field)
	require.Equal(t, schema.Timestamp(110), snapshot.Session.CapturedUpdatedAt)
	require.Equal(t, 1, model.col)
	require.Equal(t, "Calle 5", model.input.Value())

	model = typeText(t, model, "Calle 9")
	send(t, model, keyEnter)
	updates := gateway.recorded()
	require.Len(t, updates, 2)
	require.Equal(t, schema.Timestamp(110), *updates[1].expected)
}

func TestEscapeCancelsWithoutSaving(t *testing.T) {
	model, gateway, table := newTestModel(t)

	model = send(t, model, keyEnter)
	model = typeText(t, model, "Otro")
	model = send(t, model, keyEsc)

	require.Empty(t, gateway.recorded())
	require.Equal(t, editing.StateIdle, table.Snapshot().State)
	require.Contains(t, model.View(), "Pérez")
}

func TestConflictShowsModalAndOverwrites(t *testing.T) {
	model, gateway, table := newTestModel(t)

	model = send(t, model, keyEnter)
	model = typeText(t, model, "Pérez López")
	gateway.touch("family-1", "name", "García")
	model = send(t, model, keyEnter)

	require.Equal(t, editing.StateConflicted, table.Snapshot().State)
	view := model.View()
	require.Contains(t, view, "Conflicto de edición")
	require.Contains(t, view, "Pérez López")
	require.Contains(t, view, "García")

	// Keys other than the three choices leave the conflict untouched.
	model = send(t, model, runeKey("x"))
	require.Equal(t, editing.StateConflicted, table.Snapshot().State)

	model = send(t, model, runeKey("o"))
	updates := gateway.recorded()
	require.Len(t, updates, 2)
	require.Nil(t, updates[1].expected)
	require.Equal(t, editing.StateIdle, table.Snapshot().State)
	require.Contains(t, model.View(), "Pérez López")
}

func TestConflictReloadDiscardsPendingValue(t *testing.T) {
	model, gateway, table := newTestModel(t)

	model = send(t, model, keyEnter)
	model = typeText(t, model, "Pérez López")
	gateway.touch("family-1", "name", "García")
	model = send(t, model, keyEnter)
	model = send(t, model, runeKey("r"))

	require.Len(t, gateway.recorded(), 1)
	require.Equal(t, editing.StateIdle, table.Snapshot().State)
	view := model.View()
	require.Contains(t, view, "García")
	require.NotContains(t, view, "Pérez López")
}

func TestMissingEntityShowsAlert(t *testing.T) {
	model, gateway, table := newTestModel(t)

	model = send(t, model, keyEnter)
	gateway.mu.Lock()
	gateway.rows = nil
	gateway.mu.Unlock()
	model = send(t, model, keyEnter)

	require.True(t, model.alert)
	require.Contains(t, model.status, "ya no existe")
	require.Nil(t, table.Snapshot().Conflict)
	require.NotContains(t, model.View(), "Conflicto de edición")
}

func TestSelectCyclesOptions(t *testing.T) {
	model, gateway, _ := newTestModel(t)

	for range 4 {
		model = send(t, model, keyRight)
	}
	require.Equal(t, 4, model.col)
	model = send(t, model, keyEnter)
	model = send(t, model, keyRight)
	send(t, model, keyEnter)

	updates := gateway.recorded()
	require.Len(t, updates, 1)
	require.Equal(t, map[string]any{"status": "inactive"}, updates[0].changes)
}

func TestReadOnlyCellCannotBeEdited(t *testing.T) {
	model, _, table := newTestModel(t)

	for range 10 {
		model = send(t, model, keyRight)
	}
	require.Equal(t, 6, model.col)
	model = send(t, model, keyEnter)

	require.Equal(t, editing.StateIdle, table.Snapshot().State)
	require.Contains(t, model.status, "no es editable")
}

func TestNextOption(t *testing.T) {
	options := []string{"draft", "active", "closed"}
	require.Equal(t, "active", nextOption(options, "draft", 1))
	require.Equal(t, "draft", nextOption(options, "closed", 1))
	require.Equal(t, "closed", nextOption(options, "draft", -1))
	require.Equal(t, "draft", nextOption(options, "unknown", 1))
	require.Equal(t, "", nextOption(nil, "draft", 1))
}

// dispatch sends msg without running the returned command.
func dispatch(t *testing.T, model Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := model.Update(msg)
	return next.(Model), cmd
}

// finish runs a dispatched command and feeds its result back through send.
func finish(t *testing.T, model Model, cmd tea.Cmd) Model {
	t.Helper()
	require.NotNil(t, cmd)
	return send(t, model, cmd())
}

func TestSecondTabWhileSaveInFlightIsIgnored(t *testing.T) {
	model, gateway, table := newTestModel(t)

	model = send(t, model, keyEnter)
	model = typeText(t, model, "Ruiz")
	model, first := dispatch(t, model, keyTab)
	model, second := dispatch(t, model, keyTab)
	require.Nil(t, second)
	require.Contains(t, model.View(), "Guardando…")

	model = finish(t, model, first)

	updates := gateway.recorded()
	require.Len(t, updates, 1)
	require.Equal(t, map[string]any{"name": "Ruiz"}, updates[0].changes)
	snapshot := table.Snapshot()
	require.Equal(t, editing.StateEditing, snapshot.State)
	require.Equal(t, "address", snapshot.Session.Field)
	require.Equal(t, schema.Timestamp(110), snapshot.Session.CapturedUpdatedAt)
	require.False(t, model.pending)
}

func TestSecondEnterWhileSaveInFlightRaisesNoAlert(t *testing.T) {
	model, gateway, table := newTestModel(t)

	model = send(t, model, keyEnter)
	model = typeText(t, model, "Ruiz")
	model, first := dispatch(t, model, keyEnter)
	model, second := dispatch(t, model, keyEnter)
	require.Nil(t, second)

	model = finish(t, model, first)

	require.Len(t, gateway.recorded(), 1)
	require.Equal(t, editing.StateIdle, table.Snapshot().State)
	require.False(t, model.alert)
	require.Equal(t, "Guardado", model.status)
}

func TestSecondOverwriteWhileResolveInFlightIsIgnored(t *testing.T) {
	model, gateway, table := newTestModel(t)

	model = send(t, model, keyEnter)
	model = typeText(t, model, "Pérez López")
	gateway.touch("family-1", "name", "García")
	model = send(t, model, keyEnter)
	require.Equal(t, editing.StateConflicted, table.Snapshot().State)

	model, first := dispatch(t, model, runeKey("o"))
	model, second := dispatch(t, model, runeKey("o"))
	require.Nil(t, second)

	model = finish(t, model, first)

	require.Len(t, gateway.recorded(), 2)
	require.Equal(t, editing.StateIdle, table.Snapshot().State)
	require.False(t, model.alert)
}

func TestBlurSavesAndMovesRow(t *testing.T) {
	model, gateway, table := newTestModel(t)
	gateway.mu.Lock()
	gateway.rows = append(gateway.rows, editing.Row{
		ID:        "family-2",
		UpdatedAt: 200,
		Fields:    map[string]any{"name": "Soto", "address": "Calle 7", "status": "active"},
	})
	gateway.mu.Unlock()
	model = send(t, model, tea.KeyMsg{Type: tea.KeyCtrlR})
	require.Len(t, table.Snapshot().Rows, 2)

	model = send(t, model, keyEnter)
	model = typeText(t, model, "Ruiz")
	model = send(t, model, tea.KeyMsg{Type: tea.KeyDown})

	updates := gateway.recorded()
	require.Len(t, updates, 1)
	require.Equal(t, "family-1", updates[0].entityID)
	require.Equal(t, editing.StateIdle, table.Snapshot().State)
	require.Equal(t, 1, model.row)
	require.Equal(t, 0, model.col)

	model = send(t, model, keyEnter)
	require.Equal(t, "family-2", table.Snapshot().Session.EntityID)
	model = send(t, model, tea.KeyMsg{Type: tea.KeyUp})
	require.Equal(t, 0, model.row)
}
