package util

import (
	"fmt"
	"io"
	"time"
)

// ProgressPrinter prints a message followed by a dot every interval, so
// long-running operations don't look hung.
type ProgressPrinter struct {
	out  io.Writer
	msg  string
	stop chan struct{}
	done chan struct{}
}

// NewProgressPrinter creates a printer for the given message. Start it with
// `go pp.Run()` and end it with pp.Stop().
func NewProgressPrinter(out io.Writer, msg string) *ProgressPrinter {
	return &ProgressPrinter{
		out:  out,
		msg:  msg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run prints until Stop is called.
func (pp *ProgressPrinter) Run() {
	defer close(pp.done)
	fmt.Fprint(pp.out, pp.msg)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fmt.Fprint(pp.out, ".")
		case <-pp.stop:
			fmt.Fprintln(pp.out)
			return
		}
	}
}

// Stop ends the printer and waits for its final newline.
func (pp *ProgressPrinter) Stop() {
	close(pp.stop)
	<-pp.done
}
