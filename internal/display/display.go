// Package display implements the live queue/read status board, adapted
// from the teacher's internal/output (manager.go, vars.go, helpers.go) and
// internal/process-manager.go ETA/speed calculation — the "live status
// board" supplemented feature in SPEC_FULL.md, driven by the same
// ProgressFunc-shaped callback the DirectRead Application callback
// already requires (spec.md §6).
package display

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tanq16/xfercore/internal/transfer"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
)

const (
	symBar    = "━"
	symBullet = "•"
)

func progressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
	}
	if current > total {
		current = total
	}
	percent := float64(current) / float64(total)
	filled := int(percent * float64(width))
	if filled > width {
		filled = width
	}
	bar := symBullet + strings.Repeat(symBar, filled) + strings.Repeat(" ", width-filled) + symBullet
	return fmt.Sprintf("%s %5.1f%%", bar, percent*100)
}

func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

// Entry tracks one active transfer or direct read's live progress.
type Entry struct {
	Label     string
	Total     int64
	Done      int64
	Speed     float64
	StartedAt time.Time
	Failed    bool
	Message   string
}

// Board is a terminal live status board, mirroring the teacher's
// output.Manager registration/update/render cycle.
type Board struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
}

func NewBoard() *Board {
	return &Board{entries: map[string]*Entry{}}
}

func (b *Board) Register(id, label string, total int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[id]; ok {
		return
	}
	b.entries[id] = &Entry{Label: label, Total: total, StartedAt: time.Now()}
	b.order = append(b.order, id)
}

// Update is shaped like the DirectRead Data callback: it receives bytes
// delivered so far and the instantaneous speed.
func (b *Board) Update(id string, done int64, speed float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return
	}
	e.Done = done
	e.Speed = speed
}

func (b *Board) Fail(id string, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[id]; ok {
		e.Failed = true
		e.Message = msg
	}
}

func (b *Board) Complete(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[id]; ok {
		e.Done = e.Total
		e.Message = "done"
	}
}

func eta(e *Entry) string {
	if e.Speed <= 0 || e.Done >= e.Total {
		return "--"
	}
	remain := float64(e.Total-e.Done) / e.Speed
	d := time.Duration(remain) * time.Second
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func formatBytes(n int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	f := float64(n)
	i := 0
	for f >= 1024 && i < len(units)-1 {
		f /= 1024
		i++
	}
	return fmt.Sprintf("%.1f%s", f, units[i])
}

func formatSpeed(bps float64) string {
	return formatBytes(int64(bps)) + "/s"
}

// Render prints the current state of every registered entry, matching the
// teacher's redraw-per-tick style (internal/output/manager.go
// updateDisplay).
func (b *Board) Render() {
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("xfercore — active transfers"))
	width := terminalWidth() - 40
	if width < 10 {
		width = 10
	}
	for _, id := range b.order {
		e := b.entries[id]
		bar := progressBar(e.Done, e.Total, width)
		switch {
		case e.Failed:
			fmt.Printf("%s %s %s\n", errorStyle.Render("✗"), e.Label, e.Message)
		case e.Done >= e.Total && e.Total > 0:
			fmt.Printf("%s %s %s\n", successStyle.Render("✓"), e.Label, bar)
		default:
			fmt.Printf("%s %s %s  %s  eta %s\n", pendingStyle.Render("◉"), e.Label, bar, infoStyle.Render(formatSpeed(e.Speed)), eta(e))
		}
	}
}

// RunTicker renders on an interval until stop is closed, the same shape as
// process-manager.go's StartDisplay loop.
func (b *Board) RunTicker(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			b.Render()
		}
	}
}

// LabelForTransfer mirrors the teacher's per-job status line composition.
func LabelForTransfer(t *transfer.Transfer) string {
	return fmt.Sprintf("[%s] %s", t.Direction, t.LocalFilename)
}
