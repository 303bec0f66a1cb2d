package main

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// progress is shared between workers, the drain hook and the view.
type progress struct {
	plies   atomic.Int64
	games   atomic.Int64
	rows    atomic.Int64
	window  atomic.Int64
	evicted atomic.Int64
	flushes atomic.Int64
	batch   atomic.Value // float64 average evaluator batch
}

type gameUpdate struct {
	Worker int
	GameID string
	Winner int
	Plies  int
}

type model struct {
	progress    *progress
	startTime   time.Time
	recentGames []string
	updates     <-chan gameUpdate
	quit        func()
	stopping    bool
	now         time.Time
}

func newModel(p *progress, updates <-chan gameUpdate, quit func()) model {
	return model{
		progress:  p,
		startTime: time.Now(),
		now:       time.Now(),
		updates:   updates,
		quit:      quit,
	}
}

type tickMsg time.Time

type doneMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForUpdate(updates <-chan gameUpdate) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return doneMsg{}
		}
		return u
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.updates), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.stopping {
				return m, tea.Quit
			}
			// First press stops new games, the view stays up while workers
			// finish.
			m.stopping = true
			m.quit()
			return m, nil
		}
	case tickMsg:
		m.now = time.Time(msg)
		return m, tickCmd()
	case gameUpdate:
		line := fmt.Sprintf("worker %2d  %s  winner %d  plies %d", msg.Worker, shortID(msg.GameID), msg.Winner, msg.Plies)
		m.recentGames = append([]string{line}, m.recentGames...)
		if len(m.recentGames) > 10 {
			m.recentGames = m.recentGames[:10]
		}
		return m, waitForUpdate(m.updates)
	case doneMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m model) View() string {
	elapsed := m.now.Sub(m.startTime)
	games := m.progress.games.Load()
	plies := m.progress.plies.Load()
	gamesPerSec, pliesPerSec := 0.0, 0.0
	if elapsed >= time.Second {
		gamesPerSec = float64(games) / elapsed.Seconds()
		pliesPerSec = float64(plies) / elapsed.Seconds()
	}
	batch, _ := m.progress.batch.Load().(float64)

	var b strings.Builder
	fmt.Fprintf(&b, "Games:          %d\n", games)
	fmt.Fprintf(&b, "Plies:          %d\n", plies)
	fmt.Fprintf(&b, "Rows written:   %d (%d flushes)\n", m.progress.rows.Load(), m.progress.flushes.Load())
	fmt.Fprintf(&b, "Window:         %d (evicted %d)\n", m.progress.window.Load(), m.progress.evicted.Load())
	fmt.Fprintf(&b, "Duration:       %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(&b, "Games/Sec:      %.2f\n", gamesPerSec)
	fmt.Fprintf(&b, "Plies/Sec:      %.2f\n", pliesPerSec)
	if batch > 0 {
		fmt.Fprintf(&b, "Eval batch avg: %.1f\n", batch)
	}

	b.WriteString("\nRecent Games:\n")
	for _, g := range m.recentGames {
		b.WriteString(g + "\n")
	}

	if m.stopping {
		b.WriteString("\nStopping: workers are finishing their games. Press q again to leave the view.\n")
	} else {
		b.WriteString("\nPress q to stop.\n")
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
