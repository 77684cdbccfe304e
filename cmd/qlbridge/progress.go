package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"qlbridge/internal/runner"
)

// progressPrinter renders runner events on a terminal as one rewritten
// status line. Off a terminal it stays silent and leaves progress to the
// sampled log output.
type progressPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	enabled bool
	width   int
}

func newProgressPrinter(out io.Writer, quiet bool) *progressPrinter {
	return &progressPrinter{out: out, enabled: !quiet && isTerminal(out)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *progressPrinter) Handle(evt runner.Event) {
	if !p.enabled {
		return
	}
	line := formatProgress(evt)
	p.mu.Lock()
	defer p.mu.Unlock()
	pad := ""
	if n := p.width - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	p.width = len(line)
	fmt.Fprintf(p.out, "\r%s%s", line, pad)
}

// Done clears the status line.
func (p *progressPrinter) Done() {
	if !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.width > 0 {
		fmt.Fprintf(p.out, "\r%s\r", strings.Repeat(" ", p.width))
		p.width = 0
	}
}

func formatProgress(evt runner.Event) string {
	msg := strings.TrimSpace(evt.Progress.Message)
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	const maxMessage = 60
	if len(msg) > maxMessage {
		msg = msg[:maxMessage-3] + "..."
	}
	if evt.Progress.MaxStep > 0 {
		pct := evt.Progress.Step * 100 / evt.Progress.MaxStep
		return fmt.Sprintf("[%s] %3d%% %s", evt.QueryName, pct, msg)
	}
	return fmt.Sprintf("[%s] %s", evt.QueryName, msg)
}
