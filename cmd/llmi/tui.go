package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"github.com/llmi/llmi/internal/chat"
	"github.com/llmi/llmi/internal/eventbus"
	"github.com/llmi/llmi/internal/llm/openai"
)

// maxInputHistory bounds how many submitted inputs are kept for recall.
const maxInputHistory = 200

// helpText is the default status line.
const helpText = "Enter: send | Alt+Enter: newline | Ctrl+P/N: history | PgUp/PgDn: scroll | Ctrl+C: cancel | Ctrl+Q: quit"

// busEventMsg carries one bus event into the bubbletea update loop.
type busEventMsg struct {
	// Event is the next event from the bus.
	Event eventbus.Event
}

// busClosedMsg reports that the bus has nothing more to deliver.
type busClosedMsg struct {
	// Err is ErrClosed or the context error that stopped the wait.
	Err error
}

// tuiModel drives the full-screen terminal UI. Key presses are not handled
// where bubbletea delivers them: they go through the event bus so they are
// ordered with stream events.
type tuiModel struct {
	// ctx bounds waits on the bus and key forwarding.
	ctx context.Context
	// opts holds CLI options to respect slash-command disabling.
	opts *options
	// ctrl owns the conversation and submissions.
	ctrl *controller
	// source feeds key presses into the bus.
	source *eventbus.ChanSource
	// provider is shown in the header.
	provider string
	// model is shown in the header.
	model string
	// inputHistory stores prior user inputs for recall.
	inputHistory []string
	// historyIndex tracks the active position in inputHistory.
	historyIndex int
	// historyDraft preserves the in-progress input when browsing history.
	historyDraft string
	// chatView renders the conversation.
	chatView viewport.Model
	// input collects user input for new turns.
	input textarea.Model
	// spinner animates while a reply is streaming or queued.
	spinner spinner.Model
	// markdownRenderer formats assistant output when available.
	markdownRenderer *glamour.TermRenderer
	// rendered caches markdown output by source text.
	rendered map[string]string
	// statusText is the bottom status line.
	statusText string
	// chatAutoScroll keeps the chat viewport pinned to the bottom.
	chatAutoScroll bool
	// width tracks the terminal width.
	width int
	// height tracks the terminal height.
	height int
	// quitting indicates a user-requested exit.
	quitting bool
}

// runTUI starts the full-screen terminal UI.
func runTUI(ctx context.Context, opts *options, client *openai.Client, provider string, model string, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	source := eventbus.NewChanSource()
	bus := eventbus.New(ctx, source, eventbus.WithLogger(logger))
	defer bus.Close()
	ctrl := newController(ctx, client, bus, logger)
	defer ctrl.shutdown()

	modelState := newTUIModel(ctx, opts, ctrl, source, provider, model)
	program := tea.NewProgram(modelState, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	source.Close(nil)
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// newTUIModel constructs the initial TUI model state.
func newTUIModel(
	ctx context.Context,
	opts *options,
	ctrl *controller,
	source *eventbus.ChanSource,
	provider string,
	model string,
) *tuiModel {
	input := textarea.New()
	input.Placeholder = "Type a message..."
	input.Focus()
	input.CharLimit = 0
	input.Prompt = "> "
	input.ShowLineNumbers = false
	input.SetHeight(3)
	input.SetWidth(20)

	chatView := viewport.New(20, 10)

	var renderer *glamour.TermRenderer
	if glam, err := glamour.NewTermRenderer(glamour.WithAutoStyle()); err == nil {
		renderer = glam
	}

	modelState := &tuiModel{
		ctx:              ctx,
		opts:             opts,
		ctrl:             ctrl,
		source:           source,
		provider:         provider,
		model:            model,
		chatView:         chatView,
		input:            input,
		spinner:          spinner.New(spinner.WithSpinner(spinner.Dot)),
		markdownRenderer: renderer,
		rendered:         make(map[string]string),
		statusText:       helpText,
		chatAutoScroll:   true,
	}
	modelState.historyIndex = len(modelState.inputHistory)
	modelState.refreshChat()
	return modelState
}

// Init starts the blinking cursor and the first wait on the bus.
func (m *tuiModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.waitEvent())
}

// waitEvent blocks on the bus for the next event. Exactly one wait is
// outstanding at a time; each delivered event schedules the next.
func (m *tuiModel) waitEvent() tea.Cmd {
	bus := m.ctrl.bus
	ctx := m.ctx
	return func() tea.Msg {
		event, err := bus.Next(ctx)
		if err != nil {
			return busClosedMsg{Err: err}
		}
		return busEventMsg{Event: event}
	}
}

// Update handles terminal messages and bus events.
func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.applyWindowSize(typed)
		return m, nil
	case tea.KeyMsg:
		if err := m.source.Send(m.ctx, typed); err != nil {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	case busEventMsg:
		cmd := m.handleEvent(typed.Event)
		if m.quitting {
			return m, cmd
		}
		return m, tea.Batch(cmd, m.waitEvent())
	case busClosedMsg:
		m.quitting = true
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleEvent applies one bus event to the UI.
func (m *tuiModel) handleEvent(event eventbus.Event) tea.Cmd {
	changed := m.ctrl.apply(event)
	switch typed := event.(type) {
	case eventbus.Input:
		if key, ok := typed.Raw.(tea.KeyMsg); ok {
			return m.handleKey(key)
		}
		return nil
	case eventbus.Tick:
		if m.ctrl.busy() {
			m.spinner, _ = m.spinner.Update(spinner.TickMsg{ID: m.spinner.ID(), Time: typed.At})
			m.refreshChat()
		}
		return nil
	case eventbus.StreamStart:
		m.statusText = "Streaming..."
	case eventbus.StreamEnd:
		if typed.Err != nil {
			m.statusText = formatInteractiveError(typed.Err)
		} else {
			m.statusText = helpText
		}
	case eventbus.Notice:
		m.statusText = compactWhitespace(typed.Text)
	}
	if changed {
		m.refreshChat()
	}
	return nil
}

// View renders the full UI layout.
func (m *tuiModel) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 {
		return "Initializing..."
	}
	header := m.renderHeader()
	body := m.renderPane("Conversation", m.chatView.View(), m.chatView.Width+2)
	input := m.renderInput()
	status := m.renderStatus()
	return lipgloss.JoinVertical(lipgloss.Left, header, body, input, status)
}

// handleKey routes keyboard input and command submission.
func (m *tuiModel) handleKey(key tea.KeyMsg) tea.Cmd {
	switch key.String() {
	case "ctrl+c":
		if m.ctrl.busy() {
			m.ctrl.cancelInFlight()
			m.statusText = "Cancelled."
			m.refreshChat()
			return nil
		}
		m.quitting = true
		return tea.Quit
	case "ctrl+q":
		m.quitting = true
		return tea.Quit
	case "pgup":
		m.scrollChat(-10)
		return nil
	case "pgdown":
		m.scrollChat(10)
		return nil
	case "home":
		m.chatView.GotoTop()
		m.chatAutoScroll = false
		return nil
	case "end":
		m.chatView.GotoBottom()
		m.chatAutoScroll = true
		return nil
	case "ctrl+p":
		m.cycleInputHistory(-1)
		return nil
	case "ctrl+n":
		m.cycleInputHistory(1)
		return nil
	case "ctrl+j":
		m.input.InsertString("\n")
		return nil
	}

	if key.Type == tea.KeyEnter {
		if key.Alt {
			m.input.InsertString("\n")
			return nil
		}
		return m.submitInput()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(key)
	return cmd
}

// submitInput sends the current input as a new prompt. Prompts entered while
// a reply streams are queued behind it.
func (m *tuiModel) submitInput() tea.Cmd {
	value := strings.TrimSpace(m.input.Value())
	if value == "" {
		return nil
	}
	m.input.SetValue("")
	m.appendInputHistory(value)

	if handled, action, output := handleSlashCommand(value, m.opts); handled {
		switch action {
		case slashQuit:
			m.quitting = true
			return tea.Quit
		case slashClear:
			if !m.ctrl.reset() {
				m.statusText = "Wait for the current response or cancel with Ctrl+C."
				return nil
			}
			m.rendered = make(map[string]string)
			m.statusText = helpText
			m.refreshChat()
			return nil
		}
		m.statusText = compactWhitespace(output)
		return nil
	}

	m.ctrl.submit(value)
	m.chatAutoScroll = true
	m.statusText = "Thinking..."
	m.refreshChat()
	return nil
}

// appendInputHistory records an input line for history navigation.
func (m *tuiModel) appendInputHistory(value string) {
	if value == "" {
		return
	}
	m.inputHistory = append(m.inputHistory, value)
	if len(m.inputHistory) > maxInputHistory {
		m.inputHistory = m.inputHistory[len(m.inputHistory)-maxInputHistory:]
	}
	m.historyIndex = len(m.inputHistory)
	m.historyDraft = ""
}

// cycleInputHistory moves the input buffer through stored history entries.
func (m *tuiModel) cycleInputHistory(delta int) {
	if len(m.inputHistory) == 0 {
		return
	}
	if m.historyIndex == len(m.inputHistory) {
		m.historyDraft = m.input.Value()
	}
	next := min(max(m.historyIndex+delta, 0), len(m.inputHistory))
	m.historyIndex = next
	if m.historyIndex == len(m.inputHistory) {
		m.input.SetValue(m.historyDraft)
		return
	}
	m.input.SetValue(m.inputHistory[m.historyIndex])
}

// scrollChat scrolls the conversation and stops following new output.
func (m *tuiModel) scrollChat(delta int) {
	m.chatAutoScroll = false
	if delta > 0 {
		m.chatView.LineDown(delta)
	} else {
		m.chatView.LineUp(-delta)
	}
}

// refreshChat rebuilds the chat viewport content from the conversation.
func (m *tuiModel) refreshChat() {
	var builder strings.Builder
	streamText, _ := m.ctrl.conversation.InProgress()
	for _, turn := range m.ctrl.conversation.Turns() {
		if text, ok := turn.Text(); ok {
			builder.WriteString(m.renderMessage(turn.Role(), text, false))
		} else {
			builder.WriteString(m.renderMessage(turn.Role(), streamText, true))
		}
		builder.WriteString("\n\n")
	}
	if waiting := m.ctrl.conversation.Waiting(); waiting > 0 {
		fmt.Fprintf(&builder, "(%d queued)\n", waiting)
	}
	m.chatView.SetContent(builder.String())
	if m.chatAutoScroll {
		m.chatView.GotoBottom()
	}
}

// applyWindowSize recalculates the layout for a new window size.
func (m *tuiModel) applyWindowSize(msg tea.WindowSizeMsg) {
	m.width = msg.Width
	m.height = msg.Height

	headerHeight := 1
	statusHeight := 1
	inputHeight := m.input.Height() + 2
	bodyHeight := max(m.height-headerHeight-statusHeight-inputHeight, 4)

	m.chatView.Width = max(m.width-4, 20)
	m.chatView.Height = bodyHeight - 3
	m.input.SetWidth(max(m.width-4, 20))

	if renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(m.chatView.Width-2)); err == nil {
		m.markdownRenderer = renderer
		m.rendered = make(map[string]string)
	}
	m.refreshChat()
}

// renderHeader builds the top status line.
func (m *tuiModel) renderHeader() string {
	style := lipgloss.NewStyle().Bold(true)
	header := fmt.Sprintf("llmi | %s | model %s", m.provider, m.model)
	if m.ctrl.busy() || m.ctrl.client.Busy() {
		header = header + " | " + m.spinner.View() + " streaming"
	}
	return style.Render(padRight(header, m.width))
}

// renderInput returns the input box rendering.
func (m *tuiModel) renderInput() string {
	style := lipgloss.NewStyle().Border(m.border()).Padding(0, 1)
	return style.Render(m.input.View())
}

// renderStatus returns the bottom status line.
func (m *tuiModel) renderStatus() string {
	style := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	text := m.statusText
	if text == "" {
		text = "Ready"
	}
	return style.Render(padRight(truncateForDisplay(text, m.width), m.width))
}

// renderPane formats a bordered pane with a title.
func (m *tuiModel) renderPane(title string, content string, width int) string {
	style := lipgloss.NewStyle().Border(m.border()).Padding(0, 1)
	header := fmt.Sprintf("[%s]", title)
	pane := lipgloss.JoinVertical(lipgloss.Left, header, content)
	return style.Width(width).Render(pane)
}

// renderMessage formats one turn for display.
func (m *tuiModel) renderMessage(role chat.Role, content string, streaming bool) string {
	style := lipgloss.NewStyle().Bold(true)
	label := strings.ToUpper(role.String())
	switch role {
	case chat.RoleUser:
		style = style.Foreground(lipgloss.Color("39"))
		label = "YOU"
	case chat.RoleAssistant:
		style = style.Foreground(lipgloss.Color("10"))
		label = "ASSISTANT"
	}
	if streaming {
		label = label + " " + m.spinner.View()
	} else if role == chat.RoleAssistant {
		content = m.renderMarkdown(content)
	}
	return fmt.Sprintf("%s\n%s", style.Render(label+":"), content)
}

// renderMarkdown converts markdown into terminal-friendly output when possible.
func (m *tuiModel) renderMarkdown(content string) string {
	if m.markdownRenderer == nil {
		return content
	}
	if cached, ok := m.rendered[content]; ok {
		return cached
	}
	rendered, err := m.markdownRenderer.Render(content)
	if err != nil {
		return content
	}
	rendered = strings.TrimRight(rendered, "\n")
	m.rendered[content] = rendered
	return rendered
}

// border defines a simple ASCII border to avoid Unicode dependencies.
func (m *tuiModel) border() lipgloss.Border {
	return lipgloss.Border{
		Top:         "-",
		Bottom:      "-",
		Left:        "|",
		Right:       "|",
		TopLeft:     "+",
		TopRight:    "+",
		BottomLeft:  "+",
		BottomRight: "+",
	}
}

// padRight pads a string with spaces to the target width.
func padRight(value string, width int) string {
	runes := []rune(value)
	if len(runes) >= width {
		return value
	}
	return value + strings.Repeat(" ", width-len(runes))
}
