package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jiangwu1911/memtest/internal/container"
	"github.com/jiangwu1911/memtest/internal/gpu"
	"github.com/jiangwu1911/memtest/internal/system"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7B68EE")).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00D4FF")).
			Width(8)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			Italic(true)

	tableStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
)

// StatsSource is what the stats view polls
type StatsSource interface {
	Stats() container.Stats
	Device() gpu.Device
}

type tickMsg time.Time

// StatsModel is a live view of allocator counters and device memory use
type StatsModel struct {
	source   StatsSource
	interval time.Duration
	table    table.Model
	bar      progress.Model
	stats    container.Stats
	ticks    int
}

// NewStatsModel creates a view refreshing from src every interval
func NewStatsModel(src StatsSource, interval time.Duration) StatsModel {
	columns := []table.Column{
		{Title: "Location", Width: 8},
		{Title: "Allocs", Width: 8},
		{Title: "Frees", Width: 8},
		{Title: "Hits", Width: 8},
		{Title: "Misses", Width: 8},
		{Title: "Evicted", Width: 8},
		{Title: "Idle", Width: 8},
		{Title: "Pooled", Width: 11},
		{Title: "Outstanding", Width: 11},
	}

	m := StatsModel{
		source:   src,
		interval: interval,
		table: table.New(
			table.WithColumns(columns),
			table.WithHeight(gpu.NumLocations+2),
			table.WithFocused(false),
		),
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
	m.refresh()
	return m
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m StatsModel) Init() tea.Cmd {
	return tick(m.interval)
}

func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.refresh()
		m.ticks++
		return m, tick(m.interval)

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.bar.Width = max(10, min(60, msg.Width-40))
	}
	return m, nil
}

func (m *StatsModel) refresh() {
	m.stats = m.source.Stats()

	rows := make([]table.Row, 0, gpu.NumLocations)
	for loc := gpu.LocationHost; loc < gpu.LocationInvalid; loc++ {
		s := m.stats.At(loc)
		rows = append(rows, table.Row{
			loc.String(),
			strconv.FormatInt(s.Allocations, 10),
			strconv.FormatInt(s.Frees, 10),
			strconv.FormatInt(s.PoolHits, 10),
			strconv.FormatInt(s.PoolMisses, 10),
			strconv.FormatInt(s.Evictions, 10),
			strconv.FormatInt(s.Collected, 10),
			system.FormatBytes(s.PooledBytes),
			system.FormatBytes(s.OutstandingBytes),
		})
	}
	m.table.SetRows(rows)
}

func (m StatsModel) View() string {
	var sb strings.Builder

	dev := m.source.Device()
	sb.WriteString(titleStyle.Render(fmt.Sprintf("memtest top: %s (%s)", dev.Name(), dev.Type())))
	sb.WriteString("\n")
	sb.WriteString(tableStyle.Render(m.table.View()))
	sb.WriteString("\n\n")

	for loc := gpu.LocationHost; loc < gpu.LocationInvalid; loc++ {
		used, limit := dev.MemoryUsage(loc)
		sb.WriteString(labelStyle.Render(loc.String()))
		if limit > 0 {
			pct := float64(used) / float64(limit)
			sb.WriteString(m.bar.ViewAs(min(pct, 1)))
			sb.WriteString(fmt.Sprintf("  %s / %s", system.FormatBytes(used), system.FormatBytes(limit)))
		} else {
			sb.WriteString(fmt.Sprintf("%s (unlimited)", system.FormatBytes(used)))
		}
		sb.WriteString("\n")
		if !gpu.Accelerated(dev) {
			// Every location shares the host budget
			break
		}
	}

	sb.WriteString("\n")
	sb.WriteString(helpStyle.Render(fmt.Sprintf("refresh every %v • q to quit", m.interval)))
	sb.WriteString("\n")
	return sb.String()
}
