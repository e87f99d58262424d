// Package main implements rendercore-top, a terminal dashboard that polls a
// running rendercore instance's GET /health and GET /v1/pool/status
// endpoints and renders a live view of pool and rate-limiter state.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kestrel-labs/rendercore/internal/types"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).Margin(0, 1, 1, 0)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75"))
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:3000", "rendercore base address")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	flag.Parse()

	m := newModel(*addr, *interval)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		fmt.Fprintln(os.Stderr, "rendercore-top:", err)
		os.Exit(1)
	}
}

type tickMsg time.Time

type fetchResultMsg struct {
	health *types.HealthResponse
	pool   *types.PoolStatusResponse
	err    error
}

type model struct {
	client   *http.Client
	addr     string
	interval time.Duration

	health *types.HealthResponse
	pool   *types.PoolStatusResponse
	err    error
	ticks  int
}

func newModel(addr string, interval time.Duration) model {
	return model{
		client:   &http.Client{Timeout: 5 * time.Second},
		addr:     strings.TrimRight(addr, "/"),
		interval: interval,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) fetch() tea.Cmd {
	return func() tea.Msg {
		health, err := getJSON[types.HealthResponse](m.client, m.addr+"/health")
		if err != nil {
			return fetchResultMsg{err: err}
		}
		pool, err := getJSON[types.PoolStatusEnvelope](m.client, m.addr+"/v1/pool/status")
		if err != nil {
			return fetchResultMsg{err: err}
		}
		return fetchResultMsg{health: health, pool: &pool.Data}
	}
}

func getJSON[T any](client *http.Client, url string) (*T, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.ticks++
		return m, tea.Batch(m.fetch(), m.tick())
	case fetchResultMsg:
		m.err = msg.err
		if msg.err == nil {
			m.health = msg.health
			m.pool = msg.pool
		}
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("rendercore-top") + labelStyle.Render("  "+m.addr) + "\n\n")

	if m.err != nil {
		b.WriteString(errStyle.Render("connection error: "+m.err.Error()) + "\n\n")
	}
	if m.health == nil {
		b.WriteString("waiting for first poll...\n")
		b.WriteString(labelStyle.Render("\nq to quit\n"))
		return b.String()
	}

	b.WriteString(boxStyle.Render(m.healthSection()))
	b.WriteString(boxStyle.Render(m.poolSection()))
	if m.pool != nil && len(m.pool.Domains) > 0 {
		b.WriteString("\n" + boxStyle.Render(m.domainsSection()))
	}
	b.WriteString("\n" + labelStyle.Render("q to quit"))
	return b.String()
}

func (m model) healthSection() string {
	status := okStyle.Render(m.health.Status)
	if m.health.Status != "ok" {
		status = errStyle.Render(m.health.Status)
	}
	rl := m.health.RateLimiter
	rlLine := labelStyle.Render("rate limit  ") + valueStyle.Render("disabled")
	if rl.Enabled {
		rlLine = labelStyle.Render("rate limit  ") +
			valueStyle.Render(fmt.Sprintf("%d req / %dms, %d active clients", rl.MaxRequests, rl.WindowMs, rl.ActiveClients))
	}
	return strings.Join([]string{
		labelStyle.Render("status      ") + status,
		labelStyle.Render("version     ") + valueStyle.Render(m.health.Version),
		labelStyle.Render("uptime      ") + valueStyle.Render(fmt.Sprintf("%.0fs", m.health.UptimeS)),
		rlLine,
	}, "\n")
}

func (m model) poolSection() string {
	p := m.health.Pool
	leasedStyle := okStyle
	if p.Instances > 0 && p.LeasedContexts >= p.Instances*p.MaxContextsPerBrowser {
		leasedStyle = warnStyle
	}
	return strings.Join([]string{
		labelStyle.Render("browsers    ") + valueStyle.Render(fmt.Sprintf("%d (min %d, max %d)", p.Instances, p.MinBrowsers, p.MaxBrowsers)),
		labelStyle.Render("leased      ") + leasedStyle.Render(fmt.Sprintf("%d / %d", p.LeasedContexts, p.Instances*p.MaxContextsPerBrowser)),
		labelStyle.Render("queued      ") + valueStyle.Render(fmt.Sprintf("%d", p.QueuedAcquisitions)),
	}, "\n")
}

func (m model) domainsSection() string {
	var lines []string
	lines = append(lines, titleStyle.Render("top domains"))
	for _, d := range m.pool.Domains {
		rateStyle := okStyle
		if d.ErrorRate > 0.2 {
			rateStyle = errStyle
		} else if d.ErrorRate > 0.05 {
			rateStyle = warnStyle
		}
		lines = append(lines, fmt.Sprintf("%-28s %6d req  %s  suggested delay %dms",
			d.Domain, d.RequestCount, rateStyle.Render(fmt.Sprintf("%.0f%% err", d.ErrorRate*100)), d.SuggestedDelayMs))
	}
	return strings.Join(lines, "\n")
}
