package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/editing"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
	"github.com/charmbracelet/bubbles/cursor"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

const inputCharLimit = 2000

// Message types for Bubble Tea

type rowsLoadedMsg struct{ err error }

type committedMsg struct {
	trigger editing.Trigger
	move    int
	err     error
}

type resolvedMsg struct {
	choice editing.Choice
	err    error
}

// Model renders an editing.Table and feeds it keyboard input. Gateway calls run inside
// Bubble Tea commands; the table reports Saving until they return. pending covers the gap
// between dispatching a command and the table entering Saving, so keys pressed in between
// cannot queue a second write.
type Model struct {
	ctx    context.Context
	table  *editing.Table
	keys   KeyMap
	input  textinput.Model
	logger *zap.Logger

	row    int
	col    int
	width  int
	height int

	status  string
	alert   bool
	pending bool
}

// NewModel builds the model for a table. The context bounds every gateway call.
func NewModel(ctx context.Context, table *editing.Table, logger *zap.Logger) Model {
	if logger == nil {
		logger = zap.NewNop()
	}
	input := textinput.New()
	input.CharLimit = inputCharLimit
	input.Width = 40
	input.Prompt = ""
	input.Cursor.SetMode(cursor.CursorStatic)
	return Model{
		ctx:    ctx,
		table:  table,
		keys:   DefaultKeyMap(),
		input:  input,
		logger: logger,
	}
}

// Init loads the rows.
func (m Model) Init() tea.Cmd {
	return m.loadRows()
}

// Update handles one Bubble Tea message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case rowsLoadedMsg:
		if msg.err != nil {
			m.setAlert("No se pudieron cargar los registros: " + msg.err.Error())
		}
		m.clampCursor()
		return m, nil

	case committedMsg:
		m.afterCommit(msg)
		return m, nil

	case resolvedMsg:
		m.afterResolve(msg)
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.pending {
			return m, nil
		}
		switch m.table.Snapshot().State {
		case editing.StateEditing:
			return m.updateEditing(msg)
		case editing.StateConflicted:
			return m.updateConflicted(msg)
		case editing.StateSaving:
			return m, nil
		default:
			return m.updateIdle(msg)
		}
	}
	return m, nil
}

func (m Model) updateIdle(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	snapshot := m.table.Snapshot()
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		m.row--
	case key.Matches(msg, m.keys.Down):
		m.row++
	case key.Matches(msg, m.keys.Left):
		m.col--
	case key.Matches(msg, m.keys.Right):
		m.col++
	case key.Matches(msg, m.keys.Refresh):
		m.clearStatus()
		return m, m.loadRows()
	case key.Matches(msg, m.keys.Edit):
		if len(snapshot.Rows) == 0 {
			return m, nil
		}
		m.clampCursor()
		row := snapshot.Rows[m.row]
		field := snapshot.Fields[m.col]
		if err := m.table.Activate(row.ID, field.Name); err != nil {
			if errors.Is(err, editing.ErrFieldNotEditable) {
				m.setStatus(field.Label + " no es editable")
			} else {
				m.setAlert(err.Error())
			}
			return m, nil
		}
		m.clearStatus()
		m.beginInput()
		return m, nil
	}
	m.clampCursor()
	return m, nil
}

func (m Model) updateEditing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	snapshot := m.table.Snapshot()
	field := snapshot.Fields[snapshot.Session.FieldIndex]
	switch {
	case key.Matches(msg, m.keys.Cancel):
		if err := m.table.Cancel(); err != nil {
			m.setAlert(err.Error())
		}
		m.input.Blur()
		m.clearStatus()
		return m, nil
	case key.Matches(msg, m.keys.Commit):
		return m.commit(editing.TriggerEnter, 0)
	case key.Matches(msg, m.keys.Next):
		return m.commit(editing.TriggerTab, 0)
	case key.Matches(msg, m.keys.Blur):
		move := 1
		if key.Matches(msg, m.keys.Up) {
			move = -1
		}
		return m.commit(editing.TriggerBlur, move)
	}

	switch field.Kind {
	case schema.FieldBoolean:
		if key.Matches(msg, m.keys.Toggle) {
			current, _ := snapshot.Session.PendingValue.(bool)
			_ = m.table.SetValue(!current)
		}
		return m, nil
	case schema.FieldSelect:
		if key.Matches(msg, m.keys.Toggle) || key.Matches(msg, m.keys.Right) {
			_ = m.table.SetValue(nextOption(field.Options, snapshot.Session.PendingValue, 1))
		} else if key.Matches(msg, m.keys.Left) {
			_ = m.table.SetValue(nextOption(field.Options, snapshot.Session.PendingValue, -1))
		}
		return m, nil
	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		_ = m.table.SetValue(m.input.Value())
		return m, cmd
	}
}

func (m Model) updateConflicted(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Reload):
		return m.resolve(editing.ChoiceReload)
	case key.Matches(msg, m.keys.Overwrite):
		return m.resolve(editing.ChoiceOverwrite)
	case key.Matches(msg, m.keys.Dismiss):
		return m.resolve(editing.ChoiceDismiss)
	}
	return m, nil
}

func (m Model) loadRows() tea.Cmd {
	table := m.table
	ctx := m.ctx
	return func() tea.Msg {
		return rowsLoadedMsg{err: table.Load(ctx)}
	}
}

// commit dispatches the save. move is the row offset applied once a blur save succeeds.
func (m Model) commit(trigger editing.Trigger, move int) (tea.Model, tea.Cmd) {
	table := m.table
	ctx := m.ctx
	m.pending = true
	return m, func() tea.Msg {
		return committedMsg{trigger: trigger, move: move, err: table.Commit(ctx, trigger)}
	}
}

func (m Model) resolve(choice editing.Choice) (tea.Model, tea.Cmd) {
	table := m.table
	ctx := m.ctx
	m.pending = true
	return m, func() tea.Msg {
		return resolvedMsg{choice: choice, err: table.Resolve(ctx, choice)}
	}
}

func (m *Model) afterCommit(msg committedMsg) {
	m.pending = false
	snapshot := m.table.Snapshot()
	switch {
	case msg.err == nil:
		m.setStatus("Guardado")
	case errors.Is(msg.err, editing.ErrEditConflict):
		m.setStatus("Conflicto de edición: otro usuario modificó este registro")
	case errors.Is(msg.err, editing.ErrNotFound):
		m.setAlert("El registro ya no existe; se descartó la edición")
	default:
		m.setAlert("No se pudo guardar: " + describeError(msg.err))
	}
	m.logger.Debug("commit finished",
		zap.String("trigger", string(msg.trigger)),
		zap.String("state", string(snapshot.State)),
		zap.Error(msg.err))

	if snapshot.Session != nil {
		m.locateSession(snapshot)
		if snapshot.State == editing.StateEditing && msg.err == nil {
			m.beginInput()
		}
		return
	}
	m.input.Blur()
	if msg.err == nil {
		m.row += msg.move
	}
	m.clampCursor()
}

func (m *Model) afterResolve(msg resolvedMsg) {
	m.pending = false
	switch {
	case msg.err == nil && msg.choice == editing.ChoiceOverwrite:
		m.setStatus("Se sobrescribió el valor")
	case msg.err == nil && msg.choice == editing.ChoiceReload:
		m.setStatus("Datos recargados")
	case msg.err == nil:
		m.clearStatus()
	case errors.Is(msg.err, editing.ErrNotFound):
		m.setAlert("El registro ya no existe; se descartó la edición")
	default:
		m.setAlert("No se pudo resolver el conflicto: " + describeError(msg.err))
	}
	m.input.Blur()
	m.clampCursor()
}

// beginInput loads the active session's value into the text input.
func (m *Model) beginInput() {
	snapshot := m.table.Snapshot()
	if snapshot.Session == nil {
		return
	}
	m.locateSession(snapshot)
	m.input.SetValue(formatValue(snapshot.Session.PendingValue))
	m.input.CursorEnd()
	m.input.Focus()
}

func (m *Model) locateSession(snapshot editing.Snapshot) {
	m.col = snapshot.Session.FieldIndex
	for index, row := range snapshot.Rows {
		if row.ID == snapshot.Session.EntityID {
			m.row = index
			return
		}
	}
}

func (m *Model) clampCursor() {
	snapshot := m.table.Snapshot()
	if m.row >= len(snapshot.Rows) {
		m.row = len(snapshot.Rows) - 1
	}
	if m.row < 0 {
		m.row = 0
	}
	if m.col >= len(snapshot.Fields) {
		m.col = len(snapshot.Fields) - 1
	}
	if m.col < 0 {
		m.col = 0
	}
}

func (m *Model) setStatus(text string) {
	m.status = text
	m.alert = false
}

func (m *Model) setAlert(text string) {
	m.status = text
	m.alert = true
}

func (m *Model) clearStatus() {
	m.status = ""
	m.alert = false
}

func nextOption(options []string, current any, step int) string {
	if len(options) == 0 {
		return ""
	}
	text, _ := current.(string)
	for index, option := range options {
		if option == text {
			return options[(index+step+len(options))%len(options)]
		}
	}
	return options[0]
}

func describeError(err error) string {
	var updateErr *editing.UpdateError
	if errors.As(err, &updateErr) && updateErr.Message != "" {
		return updateErr.Message
	}
	return err.Error()
}

func formatValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case bool:
		if typed {
			return "[x]"
		}
		return "[ ]"
	case string:
		return typed
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}
