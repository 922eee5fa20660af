// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ask

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/alpaca-core/internal/models"
	"github.com/jeranaias/alpaca-core/internal/pipeline"
	"github.com/jeranaias/alpaca-core/internal/store"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#5A4FCF", Dark: "#A78BFA"})
	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#0E7490", Dark: "#22D3EE"})
	assistantStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#15803D", Dark: "#4ADE80"})
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"})
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"})
)

// =============================================================================
// MESSAGES
// =============================================================================

// eventMsg wraps a pipeline event.
type eventMsg pipeline.Event

// closedMsg reports that the event channel was closed.
type closedMsg struct{}

// submitErrMsg reports a rejected submission.
type submitErrMsg struct{ err error }

// =============================================================================
// MODEL
// =============================================================================

type entry struct {
	id       string
	role     store.Role
	content  string
	thinking string
	err      error
}

// Model is the bubbletea model of the quick-ask window.
type Model struct {
	ctx    context.Context
	chat   Chat
	prompt string

	input    textarea.Model
	view     viewport.Model
	spinner  spinner.Model
	renderer *Renderer

	entries []entry
	busy    bool
	saved   bool
	status  string
	ready   bool
	width   int
	height  int
}

// NewModel creates the model. A non-empty prompt is submitted on start.
func NewModel(ctx context.Context, chat Chat, prompt string, renderer *Renderer) Model {
	ta := textarea.New()
	ta.Placeholder = "Ask a follow-up…"
	ta.ShowLineNumbers = false
	ta.SetHeight(3)
	ta.KeyMap.InsertNewline.SetEnabled(false)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = dimStyle

	vp := viewport.New(80, 20)
	// Letters belong to the input; only paging keys scroll.
	vp.KeyMap = viewport.KeyMap{
		PageDown: key.NewBinding(key.WithKeys("pgdown")),
		PageUp:   key.NewBinding(key.WithKeys("pgup")),
	}

	return Model{
		ctx:      ctx,
		chat:     chat,
		prompt:   strings.TrimSpace(prompt),
		input:    ta,
		view:     vp,
		spinner:  sp,
		renderer: renderer,
	}
}

// Saved reports whether the user chose to keep the chat.
func (m Model) Saved() bool { return m.saved }

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink, m.waitForEvent()}
	if m.prompt != "" {
		cmds = append(cmds, m.submit(m.prompt))
	}
	return tea.Batch(cmds...)
}

// waitForEvent blocks on the next pipeline event of the chat.
func (m Model) waitForEvent() tea.Cmd {
	events := m.chat.Events()
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(e)
	}
}

func (m Model) submit(text string) tea.Cmd {
	return func() tea.Msg {
		if err := m.chat.Submit(m.ctx, text); err != nil {
			return submitErrMsg{err}
		}
		return nil
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.busy {
				m.chat.Cancel()
				return m, nil
			}
			return m, tea.Quit
		case "ctrl+s":
			if !m.saved {
				m.chat.Save()
				m.saved = true
				m.status = "Saved to chats"
			}
			return m, nil
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.busy {
				return m, nil
			}
			m.input.Reset()
			m.status = ""
			return m, m.submit(text)
		}

	case eventMsg:
		if cmd := m.apply(pipeline.Event(msg)); cmd != nil {
			cmds = append(cmds, cmd)
		}
		m.refresh()
		cmds = append(cmds, m.waitForEvent())
		return m, tea.Batch(cmds...)

	case closedMsg:
		return m, tea.Quit

	case submitErrMsg:
		m.status = msg.err.Error()
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.view, cmd = m.view.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// apply folds one event into the transcript.
func (m *Model) apply(e pipeline.Event) tea.Cmd {
	switch e.Kind {
	case pipeline.ChatBusy:
		m.busy = e.Busy
		if m.busy {
			return m.spinner.Tick
		}
	case pipeline.MessageAdded:
		if e.Message != nil {
			m.entries = append(m.entries, entry{id: e.MessageID, role: e.Message.Role, content: e.Message.Content})
		}
	case pipeline.MessageDelta:
		if en := m.find(e.MessageID); en != nil {
			en.content += e.Content
			en.thinking += e.Thinking
		}
	case pipeline.MessageFinished:
		i := m.index(e.MessageID)
		if i < 0 {
			break
		}
		if e.Discarded {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
		if e.Message != nil {
			m.entries[i].content = e.Message.Content
		}
		m.entries[i].thinking = ""
		if e.Err != nil && !isCancelled(e.Err) {
			m.entries[i].err = e.Err
		}
	case pipeline.Toast:
		m.status = e.Text
	}
	return nil
}

func (m *Model) index(id string) int {
	for i := range m.entries {
		if m.entries[i].id == id {
			return i
		}
	}
	return -1
}

func (m *Model) find(id string) *entry {
	if i := m.index(id); i >= 0 {
		return &m.entries[i]
	}
	return nil
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	m.input.SetWidth(width)
	// Header, status line and input.
	chrome := 1 + 1 + m.input.Height() + 1
	m.view.Width = width
	m.view.Height = max(height-chrome, 1)
	m.renderer.SetWidth(width - 2)
	m.ready = true
	m.refresh()
}

// refresh re-renders the transcript and follows the newest text.
func (m *Model) refresh() {
	m.view.SetContent(m.transcript())
	m.view.GotoBottom()
}

func (m Model) transcript() string {
	var b strings.Builder
	for i, en := range m.entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch en.role {
		case store.RoleUser:
			b.WriteString(userStyle.Render("You"))
		case store.RoleSystem:
			b.WriteString(dimStyle.Render("System"))
		default:
			b.WriteString(assistantStyle.Render(models.PrettyName(m.chat.Model())))
		}
		b.WriteString("\n")
		switch {
		case en.content != "":
			b.WriteString(m.renderer.Render(en.content))
		case en.thinking != "":
			b.WriteString(dimStyle.Render("Thinking…"))
		}
		if en.err != nil {
			b.WriteString("\n" + errorStyle.Render(en.err.Error()))
		}
	}
	return b.String()
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return ""
	}
	header := headerStyle.Render(ChatName) + dimStyle.Render(" · "+models.PrettyName(m.chat.Model()))

	status := m.status
	if m.busy {
		status = m.spinner.View() + " Generating…"
	}
	help := "enter send · ctrl+s save · esc quit"
	if m.busy {
		help = "esc stop · ctrl+c quit"
	}
	if m.saved {
		help = strings.Replace(help, "ctrl+s save · ", "", 1)
	}
	line := fmt.Sprintf("%s  %s", status, dimStyle.Render(help))

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.view.View(),
		line,
		m.input.View(),
	)
}
