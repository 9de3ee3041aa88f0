// This file implements the interactive chat interface using bubbletea.
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/types"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const chatConversationID = "local"

var (
	userStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	botStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	degradedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	footerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

type chatMessage struct {
	role    string // "user" or "bot"
	content string
	status  types.ResultStatus
	time    time.Time
}

type (
	responseMsg *types.HandlerResult
)

// chatModel is the bubbletea model for the interactive chat.
type chatModel struct {
	textinput textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	renderer  *glamour.TermRenderer

	history   []chatMessage
	isLoading bool
	width     int
	height    int
	ready     bool

	app *app
}

func initChat(a *app) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Type a message... (/help for commands, Ctrl+C to exit)"
	ti.Focus()
	ti.Prompt = "│ "
	ti.CharLimit = 2048
	ti.Width = 80

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	vp := viewport.New(80, 20)
	vp.SetContent("")

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return chatModel{
		textinput: ti,
		viewport:  vp,
		spinner:   sp,
		renderer:  renderer,
		app:       a,
	}
}

func (m chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.textinput.Value())
			if text == "" || m.isLoading {
				return m, nil
			}
			m.textinput.Reset()
			m.history = append(m.history, chatMessage{role: "user", content: text, time: time.Now()})
			m.isLoading = true
			m.refreshViewport()
			return m, tea.Batch(m.routeCmd(text), m.spinner.Tick)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 4
		m.textinput.Width = msg.Width - 4
		m.ready = true
		m.refreshViewport()

	case responseMsg:
		res := (*types.HandlerResult)(msg)
		m.isLoading = false
		m.history = append(m.history, chatMessage{
			role:    "bot",
			content: res.Message,
			status:  res.Status,
			time:    time.Now(),
		})
		m.refreshViewport()

	case spinner.TickMsg:
		if m.isLoading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	var cmd tea.Cmd
	m.textinput, cmd = m.textinput.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// routeCmd runs the dispatcher off the UI goroutine.
func (m chatModel) routeCmd(text string) tea.Cmd {
	dispatcher := m.app.dispatcher
	return func() tea.Msg {
		msg := types.NewInboundMessage(chatConversationID, "local-user", text)
		return responseMsg(dispatcher.Route(context.Background(), msg))
	}
}

func (m *chatModel) refreshViewport() {
	var b strings.Builder
	for _, entry := range m.history {
		switch entry.role {
		case "user":
			b.WriteString(userStyle.Render("you ") + entry.content + "\n")
		default:
			content := entry.content
			if m.renderer != nil && strings.Contains(content, "#") {
				if rendered, err := m.renderer.Render(content); err == nil {
					content = strings.TrimSpace(rendered)
				}
			}
			switch entry.status {
			case types.StatusDegraded:
				b.WriteString(degradedStyle.Render("bot ") + content + degradedStyle.Render("  (partially delivered)") + "\n")
			case types.StatusError:
				b.WriteString(errorStyle.Render("bot ") + content + "\n")
			default:
				b.WriteString(botStyle.Render("bot ") + content + "\n")
			}
		}
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m chatModel) View() string {
	if !m.ready {
		return "starting..."
	}

	footer := footerStyle.Render("taskpilot · Enter to send · Ctrl+C to quit")
	if m.isLoading {
		footer = m.spinner.View() + " thinking..."
	}
	return fmt.Sprintf("%s\n%s\n%s", m.viewport.View(), m.textinput.View(), footer)
}

// runChat starts the interactive chat loop.
func runChat(a *app) error {
	p := tea.NewProgram(initChat(a), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
