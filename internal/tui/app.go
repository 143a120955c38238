// Package tui is the screen shell over the pairing flow. It renders one
// screen per flow state and never drives business logic: every
// transition it shows originates from the orchestrator's event stream,
// and the only agent call it makes itself is the no-side-effect exit.
package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jask/devicelink/internal/agent"
	"github.com/jask/devicelink/internal/pairing"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	subtleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	codeStyle     = lipgloss.NewStyle().Bold(true).Padding(0, 2).Border(lipgloss.RoundedBorder())
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	toastStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	barFillStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	barEmptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	footerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Background(lipgloss.Color("238")).Padding(0, 2)
)

type keyMap struct {
	Quit key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// App renders the pairing flow.
type App struct {
	ctx   context.Context
	orch  *pairing.Orchestrator
	agent agent.Agent

	keys     keyMap
	spin     spinner.Model
	snap     pairing.Snapshot
	width    int
	quitting bool
}

type flowEventMsg pairing.Event
type flowClosedMsg struct{}

// New builds the shell over a running orchestrator.
func New(ctx context.Context, orch *pairing.Orchestrator, a agent.Agent) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = subtleStyle
	return &App{
		ctx:   ctx,
		orch:  orch,
		agent: a,
		keys:  newKeyMap(),
		spin:  sp,
		snap:  orch.Snapshot(),
		width: 72,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spin.Tick, a.waitForEvent())
}

// waitForEvent bridges the orchestrator's transition stream into the
// update loop.
func (a *App) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-a.orch.Events()
		if !ok {
			return flowClosedMsg{}
		}
		return flowEventMsg(ev)
	}
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		return a, nil
	case tea.KeyMsg:
		if key.Matches(msg, a.keys.Quit) {
			a.quitting = true
			a.orch.Exit()
			return a, tea.Sequence(a.exitAgent(), tea.Quit)
		}
		return a, nil
	case flowEventMsg:
		a.snap = a.orch.Snapshot()
		return a, a.waitForEvent()
	case flowClosedMsg:
		// flow finished; terminal screens stay up until the user quits
		a.snap = a.orch.Snapshot()
		return a, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd
	}
	return a, nil
}

// exitAgent sends the agent its exit request; failures are irrelevant at
// this point.
func (a *App) exitAgent() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(a.ctx, 2*time.Second)
		defer cancel()
		_ = a.agent.Exit(ctx)
		return nil
	}
}

func (a *App) View() string {
	if a.quitting {
		return ""
	}

	var b strings.Builder
	switch a.snap.State {
	case pairing.StateInit, pairing.StateCheckingConnectivity:
		b.WriteString(titleStyle.Render("Checking connectivity"))
		b.WriteString("\n\n" + a.spin.View() + subtleStyle.Render(" Looking for the machine agent..."))
	case pairing.StateNoConnectivity:
		b.WriteString(titleStyle.Render("No connectivity"))
		b.WriteString("\n\n" + errStyle.Render("The machine agent is not reachable."))
		b.WriteString("\n" + subtleStyle.Render("Check your network connection and restart setup."))
	case pairing.StateCheckingProvisionStatus:
		b.WriteString(titleStyle.Render("Checking machine status"))
		b.WriteString("\n\n" + a.spin.View() + subtleStyle.Render(" Asking the agent whether this machine is linked..."))
	case pairing.StatePairing, pairing.StatePollingConfirmation:
		a.viewPairing(&b)
	case pairing.StateResolvingIdentity:
		b.WriteString(titleStyle.Render("Configuring your machine"))
		b.WriteString("\n\n" + a.spin.View() + subtleStyle.Render(" Fetching machine identity..."))
	case pairing.StateConfigured:
		a.viewConfigured(&b)
	case pairing.StateTimedOut:
		b.WriteString(titleStyle.Render("Setup timed out"))
		b.WriteString("\n\n" + errStyle.Render("The agent took too long to report the machine identity."))
		b.WriteString("\n" + subtleStyle.Render("The agent may be slow; try again in a moment."))
	case pairing.StateFailed:
		b.WriteString(titleStyle.Render("Setup failed"))
		b.WriteString("\n\n" + errStyle.Render(a.snap.Failure))
	}

	b.WriteString("\n\n" + footerStyle.Render("q quit"))
	return b.String() + "\n"
}

func (a *App) viewPairing(b *strings.Builder) {
	b.WriteString(titleStyle.Render("Link your machine"))
	b.WriteString("\n" + subtleStyle.Render("Enter this code in the console under Machines > Add Machine"))
	b.WriteString("\n\n" + codeStyle.Render(a.snap.Code.Value))
	b.WriteString("\n" + a.countdownBar())
	if a.snap.Advisory == pairing.AdvisoryInvalidCode {
		b.WriteString("\n\n" + toastStyle.Render("That code was not recognized. A fresh code is on its way."))
	}
}

func (a *App) viewConfigured(b *strings.Builder) {
	b.WriteString(titleStyle.Render("Your machine"))
	b.WriteString("\n\n" + subtleStyle.Render("Name  ") + a.snap.Identity.Name)
	b.WriteString("\n" + subtleStyle.Render("ID    ") + a.snap.Identity.ID)
	if a.snap.Identity.IconURL != "" {
		b.WriteString("\n" + subtleStyle.Render("Icon  ") + a.snap.Identity.IconURL)
	}
	if a.snap.Liveness.Active {
		b.WriteString("\n\n" + okStyle.Render("● agent active"))
	} else {
		b.WriteString("\n\n" + errStyle.Render("○ agent not responding"))
	}
	if a.snap.Advisory == pairing.AdvisoryAgentDown {
		b.WriteString("\n" + toastStyle.Render("Machine agent not running or no internet connectivity"))
	}
}

// countdownBar renders the remaining code lifetime as a bar. The bar is
// display only; rotation runs on its own clock.
func (a *App) countdownBar() string {
	width := 40
	if a.width > 0 && a.width-4 < width {
		width = a.width - 4
	}
	if width < 4 {
		width = 4
	}
	ttl := a.snap.Code.TTLSeconds
	if ttl <= 0 {
		ttl = 1
	}
	filled := a.snap.Countdown * width / ttl
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return barFillStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", width-filled))
}
