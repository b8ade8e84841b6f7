package tui

import (
	"fmt"
	"strings"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/editing"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
	"github.com/charmbracelet/lipgloss"
)

const (
	maxCellWidth  = 24
	savingMessage = "Guardando…"
)

// View renders the table, the status line and, when a save was rejected, the conflict modal.
func (m Model) View() string {
	snapshot := m.table.Snapshot()

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("devocionales · %s", snapshot.Kind)))
	b.WriteString("\n")
	b.WriteString(m.renderTable(snapshot))
	b.WriteString("\n")
	b.WriteString(m.renderStatus(snapshot))
	if snapshot.Conflict != nil {
		b.WriteString("\n")
		b.WriteString(m.renderConflict(snapshot))
	}
	b.WriteString("\n")
	b.WriteString(statusStyle.Render(m.helpLine(snapshot.State)))
	return b.String()
}

func (m Model) renderTable(snapshot editing.Snapshot) string {
	widths := columnWidths(snapshot)
	header := make([]string, 0, len(snapshot.Fields))
	for index, field := range snapshot.Fields {
		header = append(header, columnHeaderStyle.Render(pad(field.Label, widths[index]+2)))
	}
	lines := []string{lipgloss.JoinHorizontal(lipgloss.Top, header...)}

	if len(snapshot.Rows) == 0 {
		lines = append(lines, readOnlyCellStyle.Render("(sin registros)"))
		return strings.Join(lines, "\n")
	}

	for rowIndex, row := range snapshot.Rows {
		cells := make([]string, 0, len(snapshot.Fields))
		for colIndex, field := range snapshot.Fields {
			cells = append(cells, m.renderCell(snapshot, row, rowIndex, colIndex, field, widths[colIndex]))
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderCell(snapshot editing.Snapshot, row editing.Row, rowIndex, colIndex int, field schema.FieldDescriptor, width int) string {
	session := snapshot.Session
	if session != nil && session.EntityID == row.ID && session.FieldIndex == colIndex {
		var text string
		switch {
		case snapshot.State == editing.StateSaving || m.pending:
			text = formatValue(session.PendingValue)
		case field.Kind == schema.FieldBoolean || field.Kind == schema.FieldSelect:
			text = "‹" + formatValue(session.PendingValue) + "›"
		default:
			text = m.input.View()
		}
		return editingCellStyle.Render(pad(text, width))
	}

	text := pad(truncate(formatValue(row.Fields[field.Name]), width), width)
	switch {
	case rowIndex == m.row && colIndex == m.col && snapshot.State == editing.StateIdle:
		return cursorCellStyle.Render(text)
	case !field.Activatable():
		return readOnlyCellStyle.Render(text)
	default:
		return cellStyle.Render(text)
	}
}

func (m Model) renderStatus(snapshot editing.Snapshot) string {
	if snapshot.State == editing.StateSaving || m.pending {
		return savingStyle.Render(savingMessage)
	}
	if m.status == "" {
		return ""
	}
	if m.alert {
		return alertStyle.Render(m.status)
	}
	return statusStyle.Render(m.status)
}

func (m Model) renderConflict(snapshot editing.Snapshot) string {
	conflict := snapshot.Conflict
	label := conflict.Field
	for _, field := range snapshot.Fields {
		if field.Name == conflict.Field {
			label = field.Label
			break
		}
	}
	lines := []string{
		alertStyle.Render("Conflicto de edición"),
		"",
		fmt.Sprintf("%s: otro usuario guardó un cambio mientras editabas.", label),
		fmt.Sprintf("Tu valor:      %s", formatValue(conflict.PendingValue)),
	}
	if conflict.Current != nil {
		lines = append(lines, fmt.Sprintf("Valor actual:  %s", formatValue(conflict.Current.Fields[conflict.Field])))
	}
	lines = append(lines, "", "r: recargar (recomendado)   o: sobrescribir   esc: descartar")
	return modalStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) helpLine(state editing.State) string {
	var bindings []string
	switch state {
	case editing.StateEditing:
		bindings = append(bindings,
			m.keys.Commit.Help().Key+": "+m.keys.Commit.Help().Desc,
			m.keys.Next.Help().Key+": "+m.keys.Next.Help().Desc,
			m.keys.Cancel.Help().Key+": "+m.keys.Cancel.Help().Desc)
	case editing.StateConflicted:
		bindings = append(bindings,
			m.keys.Reload.Help().Key+": "+m.keys.Reload.Help().Desc,
			m.keys.Overwrite.Help().Key+": "+m.keys.Overwrite.Help().Desc,
			m.keys.Dismiss.Help().Key+": "+m.keys.Dismiss.Help().Desc)
	case editing.StateSaving:
		return savingMessage
	default:
		bindings = append(bindings,
			m.keys.Edit.Help().Key+": "+m.keys.Edit.Help().Desc,
			m.keys.Refresh.Help().Key+": "+m.keys.Refresh.Help().Desc,
			m.keys.Quit.Help().Key+": "+m.keys.Quit.Help().Desc)
	}
	return strings.Join(bindings, "   ")
}

func columnWidths(snapshot editing.Snapshot) []int {
	widths := make([]int, len(snapshot.Fields))
	for index, field := range snapshot.Fields {
		widths[index] = lipgloss.Width(field.Label)
	}
	for _, row := range snapshot.Rows {
		for index, field := range snapshot.Fields {
			width := lipgloss.Width(formatValue(row.Fields[field.Name]))
			if width > widths[index] {
				widths[index] = width
			}
		}
	}
	for index := range widths {
		if widths[index] > maxCellWidth {
			widths[index] = maxCellWidth
		}
	}
	return widths
}

func truncate(text string, width int) string {
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	if width <= 1 {
		return string(runes[:width])
	}
	return string(runes[:width-1]) + "…"
}

func pad(text string, width int) string {
	gap := width - lipgloss.Width(text)
	if gap <= 0 {
		return text
	}
	return text + strings.Repeat(" ", gap)
}
