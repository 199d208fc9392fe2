package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/seatshare/internal/config"
)

// runDashboardCommand polls a running fleet's /healthz endpoint and
// renders a live status view: a tick-driven bubbletea program with no
// input handling beyond quit.
func runDashboardCommand(ctx context.Context, configPath string) int {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "dashboard requires an interactive terminal; use `seatshare status` instead")
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	addr := strings.TrimSpace(cfg.Server.Addr)
	if addr == "" {
		addr = ":8080"
	}
	healthURL := healthURLForAddr(addr)

	p := tea.NewProgram(newDashboardModel(ctx, healthURL), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
		return 1
	}
	return 0
}

func healthURLForAddr(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "http://" + host + "/healthz"
}

type dashboardModel struct {
	ctx       context.Context
	healthURL string
	lastCheck time.Time
	healthy   bool
	lastErr   string
}

func newDashboardModel(ctx context.Context, healthURL string) dashboardModel {
	return dashboardModel{ctx: ctx, healthURL: healthURL}
}

type healthTickMsg struct{}

type healthResultMsg struct {
	healthy bool
	errMsg  string
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(pollHealth(m.healthURL), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg { return healthTickMsg{} })
}

func pollHealth(healthURL string) tea.Cmd {
	return func() tea.Msg {
		client := http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(healthURL)
		if err != nil {
			return healthResultMsg{healthy: false, errMsg: err.Error()}
		}
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return healthResultMsg{healthy: resp.StatusCode == http.StatusOK}
	}
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case healthTickMsg:
		return m, tea.Batch(pollHealth(m.healthURL), tickCmd())
	case healthResultMsg:
		m.healthy = msg.healthy
		m.lastErr = msg.errMsg
		m.lastCheck = time.Now()
	}
	return m, nil
}

var (
	dashboardTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dashboardOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dashboardFailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func (m dashboardModel) View() string {
	var b strings.Builder
	b.WriteString(dashboardTitleStyle.Render("seatshare fleet status"))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("endpoint: %s\n", m.healthURL))
	if m.lastCheck.IsZero() {
		b.WriteString("checking...\n")
	} else if m.healthy {
		b.WriteString(dashboardOKStyle.Render("healthy") + "\n")
	} else {
		b.WriteString(dashboardFailStyle.Render("unreachable: "+m.lastErr) + "\n")
	}
	b.WriteString(fmt.Sprintf("last check: %s\n\n", m.lastCheck.Format(time.Kitchen)))
	b.WriteString("press q to quit\n")
	return b.String()
}
