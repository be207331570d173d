package sync

import (
	"fmt"
	gosync "sync"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// Reporter receives progress events while bodies are being mirrored.
type Reporter interface {
	StartFolder(account, folder string, total int)
	BodyDone()
	FinishFolder()
}

// nopReporter discards all progress events.
type nopReporter struct{}

func (nopReporter) StartFolder(string, string, int) {}
func (nopReporter) BodyDone()                       {}
func (nopReporter) FinishFolder()                   {}

// bodyDoneMsg advances the bar by one fetched body.
type bodyDoneMsg struct{}

// finishMsg ends the progress display for the current folder.
type finishMsg struct{}

// TerminalReporter renders a live spinner and progress bar for each
// folder's body mirroring. Accounts may sync in parallel, so a mutex
// serializes folders onto the one terminal.
type TerminalReporter struct {
	mu      gosync.Mutex
	program *tea.Program
	done    chan struct{}
}

// NewTerminalReporter creates a reporter for interactive runs.
func NewTerminalReporter() *TerminalReporter {
	return &TerminalReporter{}
}

func (r *TerminalReporter) StartFolder(account, folder string, total int) {
	r.mu.Lock()

	m := progressModel{
		label: fmt.Sprintf("%s/%s", account, folder),
		total: total,
		bar:   progress.New(progress.WithDefaultGradient()),
		spin:  spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
	r.program = tea.NewProgram(m)
	r.done = make(chan struct{})

	go func(p *tea.Program, done chan struct{}) {
		_, _ = p.Run()
		close(done)
	}(r.program, r.done)
}

func (r *TerminalReporter) BodyDone() {
	if r.program != nil {
		r.program.Send(bodyDoneMsg{})
	}
}

func (r *TerminalReporter) FinishFolder() {
	if r.program != nil {
		r.program.Send(finishMsg{})
		<-r.done
		r.program = nil
	}
	r.mu.Unlock()
}

// progressModel is the Bubble Tea model behind the sync progress bar.
type progressModel struct {
	label string
	total int
	done  int
	bar   progress.Model
	spin  spinner.Model
}

func (m progressModel) Init() tea.Cmd {
	return m.spin.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case bodyDoneMsg:
		m.done++
		return m, nil
	case finishMsg:
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m progressModel) View() string {
	percent := 1.0
	if m.total > 0 {
		percent = float64(m.done) / float64(m.total)
	}
	return fmt.Sprintf("%s %s %s %d/%d\n",
		m.spin.View(), m.label, m.bar.ViewAs(percent), m.done, m.total)
}
