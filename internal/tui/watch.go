// Package tui is the live view behind `tunsvctl watch`.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/kolkov/tunsv/internal/logbuf"
	"github.com/kolkov/tunsv/internal/supervisor"
)

// Source is the subset of the control client the view polls.
type Source interface {
	Status(ctx context.Context) (supervisor.Status, error)
	TailLogs(ctx context.Context, maxLines int) (string, error)
}

type Options struct {
	Interval time.Duration
	LogLines int
	Socket   string
}

// snapshot is one poll of the daemon.
type snapshot struct {
	status supervisor.Status
	logs   string
	err    error
	at     time.Time
}

// tracker remembers when the current pid was first seen, the daemon does not
// report start times.
type tracker struct {
	pid   int
	since time.Time
}

func (t *tracker) observe(s snapshot) (uptime string) {
	if !s.status.Running {
		t.pid = 0
		return "N/A"
	}
	if s.status.Pid != t.pid {
		t.pid = s.status.Pid
		t.since = s.at
	}
	return formatUptime(s.at.Sub(t.since))
}

func poll(ctx context.Context, src Source, logLines int) snapshot {
	s := snapshot{at: time.Now()}
	s.status, s.err = src.Status(ctx)
	if s.err != nil {
		return s
	}
	s.logs, s.err = src.TailLogs(ctx, logLines)
	return s
}

// Run blocks until the user quits or ctx is cancelled.
func Run(ctx context.Context, src Source, opts Options) error {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.LogLines <= 0 {
		opts.LogLines = 200
	}

	app := tview.NewApplication()

	table := tview.NewTable().
		SetBorders(true).
		SetFixed(1, 0)

	headerStyle := tcell.Style{}.
		Foreground(tcell.ColorYellow).
		Background(tcell.ColorBlack).
		Bold(true)

	for col, title := range []string{"Socket", "PID", "Status", "Seen for"} {
		table.SetCell(0, col, tview.NewTableCell(title).SetStyle(headerStyle))
	}

	logView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	logView.SetBorder(true).SetTitle("Logs")

	footer := tview.NewTextView().SetDynamicColors(true)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(table, 5, 0, false).
		AddItem(logView, 0, 1, true).
		AddItem(footer, 1, 0, false)

	var seen tracker
	update := func(s snapshot) {
		pid, state, color := "N/A", "stopped", tcell.ColorBlue
		switch {
		case s.err != nil:
			state, color = "unreachable", tcell.ColorRed
		case s.status.Running:
			pid, state, color = fmt.Sprintf("%d", s.status.Pid), "running", tcell.ColorGreen
		}
		uptime := seen.observe(s)

		table.SetCell(1, 0, tview.NewTableCell(opts.Socket))
		table.SetCell(1, 1, tview.NewTableCell(pid))
		table.SetCell(1, 2, tview.NewTableCell(state).SetTextColor(color))
		table.SetCell(1, 3, tview.NewTableCell(uptime))

		if s.err != nil {
			footer.SetText(fmt.Sprintf("[red]%s[-]  q: quit", tview.Escape(s.err.Error())))
			return
		}
		footer.SetText(fmt.Sprintf("updated %s  q: quit  tab: focus", s.at.Format("15:04:05")))
		logView.SetText(colorize(s.logs))
		logView.ScrollToEnd()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	update(poll(ctx, src, opts.LogLines))

	go func() {
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				app.Stop()
				return
			case <-ticker.C:
				s := poll(ctx, src, opts.LogLines)
				app.QueueUpdateDraw(func() { update(s) })
			}
		}
	}()

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Key() == tcell.KeyCtrlC, event.Rune() == 'q':
			app.Stop()
			return nil
		case event.Key() == tcell.KeyTab:
			if app.GetFocus() == table {
				app.SetFocus(logView)
			} else {
				app.SetFocus(table)
			}
			return nil
		}
		return event
	})

	return app.SetRoot(flex, true).SetFocus(logView).Run()
}

// colorize escapes buffered lines and tints them by stream tag.
func colorize(logs string) string {
	if logs == "" {
		return ""
	}
	lines := strings.Split(logs, "\n")
	for i, line := range lines {
		escaped := tview.Escape(line)
		switch {
		case strings.HasPrefix(line, "["+string(logbuf.TagErr)+"]"):
			lines[i] = "[red]" + escaped + "[-]"
		case strings.HasPrefix(line, "["+string(logbuf.TagProc)+"]"):
			lines[i] = "[yellow]" + escaped + "[-]"
		default:
			lines[i] = escaped
		}
	}
	return strings.Join(lines, "\n")
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d - h*time.Hour) / time.Minute
	s := (d - h*time.Hour - m*time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%02dm%02ds", m, s)
}
