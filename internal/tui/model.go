package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"docqa/internal/models"
	"docqa/internal/session"
)

// ChatPort is the TUI-facing subset of a session.
type ChatPort interface {
	Ask(ctx context.Context, question string) models.Reply
	Documents() []session.DocumentInfo
	Select(name string, selected bool) error
}

type replyMsg struct {
	reply models.Reply
}

type entry struct {
	role    models.Role
	text    string
	sources []string
	failed  bool
}

// Model is the Bubble Tea model for the chat window.
type Model struct {
	ctx      context.Context
	session  ChatPort
	input    textinput.Model
	viewport viewport.Model
	entries  []entry
	sources  []string
	status   string
	busy     bool
	ready    bool
}

// New creates a chat model over sess. ctx bounds every question.
func New(ctx context.Context, sess ChatPort) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question or type /docs /sources /select NAME /unselect NAME"
	ti.Focus()
	ti.CharLimit = 0
	return Model{
		ctx:      ctx,
		session:  sess,
		input:    ti,
		viewport: viewport.New(0, 0),
		status:   documentSummary(sess.Documents()),
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, th := transcriptStyle.GetFrameSize()
		_, ih := inputStyle.GetFrameSize()
		reserved := 1 + 1 + ih + 1 // header, status, spacer
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-th)
		m.refresh()
		return m, nil

	case replyMsg:
		m.busy = false
		r := msg.reply
		if r.Failed() {
			m.entries = append(m.entries, entry{role: models.RoleAssistant, text: r.Failure.Message, failed: true})
			m.status = "Error: " + string(r.Failure.Code)
		} else {
			m.entries = append(m.entries, entry{role: models.RoleAssistant, text: r.Text, sources: r.Sources})
			m.sources = r.Sources
			m.status = "Answered (" + string(r.Mode) + ")"
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			if line == "" || m.busy {
				return m, nil
			}
			m.input.SetValue("")
			if strings.HasPrefix(line, "/") {
				return m.command(line)
			}
			m.entries = append(m.entries, entry{role: models.RoleUser, text: line})
			m.busy = true
			m.status = "Thinking..."
			m.refresh()
			return m, m.ask(line)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) ask(question string) tea.Cmd {
	ctx, sess := m.ctx, m.session
	return func() tea.Msg {
		return replyMsg{reply: sess.Ask(ctx, question)}
	}
}

func (m Model) command(line string) (tea.Model, tea.Cmd) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return m, tea.Quit
	case "/docs":
		m.status = documentSummary(m.session.Documents())
	case "/sources":
		if len(m.sources) == 0 {
			m.status = "No sources for the last answer."
			break
		}
		m.status = "Sources: " + strings.Join(m.sources, ", ")
	case "/select", "/unselect":
		if arg == "" {
			m.status = "Usage: " + name + " NAME"
			break
		}
		if err := m.session.Select(arg, name == "/select"); err != nil {
			m.status = "Error: " + err.Error()
			break
		}
		m.status = documentSummary(m.session.Documents())
	default:
		m.status = "Unknown command " + name
	}
	return m, nil
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Document Q&A")
	transcript := transcriptStyle.Render(m.viewport.View())
	input := inputStyle.Render(m.input.View())
	status := statusStyle.Render(m.status)
	return header + "\n" + transcript + "\n" + input + "\n" + status
}

func (m Model) renderTranscript() string {
	if len(m.entries) == 0 {
		return "No questions yet."
	}
	var b strings.Builder
	for i, e := range m.entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch {
		case e.role == models.RoleUser:
			b.WriteString(userStyle.Render("You: ") + e.text)
		case e.failed:
			b.WriteString(errorStyle.Render("Error: ") + e.text)
		default:
			b.WriteString(assistantStyle.Render("Assistant: ") + e.text)
			if len(e.sources) > 0 {
				b.WriteString("\n" + sourceStyle.Render("Sources: "+strings.Join(e.sources, ", ")))
			}
		}
	}
	return b.String()
}

func documentSummary(docs []session.DocumentInfo) string {
	if len(docs) == 0 {
		return "No documents indexed."
	}
	parts := make([]string, len(docs))
	for i, d := range docs {
		mark := " "
		if d.Selected {
			mark = "x"
		}
		parts[i] = fmt.Sprintf("[%s] %s", mark, d.Name)
	}
	return strings.Join(parts, "  ")
}

var (
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	userStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	sourceStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)
