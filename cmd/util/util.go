package util

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/buger/goterm"
	log "github.com/sirupsen/logrus"

	"github.com/wpeztools/ezsync/pkg/errors"
	"github.com/wpeztools/ezsync/pkg/sync"
)

// HandleFatalError prints a friendly version of the error and exits.
func HandleFatalError(err error) {
	fmt.Fprintln(os.Stderr,
		goterm.Color(errors.GetPrintableMessage(err), goterm.RED))
	os.Exit(1)
}

// HandlePanic converts a panic into a readable crash report. It should be
// deferred at the top of main.
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}

	log.WithField("stack", string(debug.Stack())).
		Errorf("Unexpected crash: %v", r)
	fmt.Fprintln(os.Stderr, goterm.Color(
		"ezsync crashed. The stack trace above is worth attaching to a "+
			"bug report.", goterm.RED))
	os.Exit(1)
}

// PrintReport renders a finished sync run, green for synced items and red
// for failures.
func PrintReport(report sync.Report) {
	for _, name := range report.Synced {
		line := "  synced " + name
		if count, ok := report.Replaced[name]; ok {
			line += fmt.Sprintf(" (%d fields rewritten)", count)
		}
		fmt.Println(goterm.Color(line, goterm.GREEN))
	}
	for _, failure := range report.Failures {
		fmt.Println(goterm.Color(
			fmt.Sprintf("  failed %s: %s", failure.Name,
				errors.GetPrintableMessage(failure.Err)), goterm.RED))
	}

	summary := fmt.Sprintf("%d synced, %d failed",
		len(report.Synced), len(report.Failures))
	if report.RolledBack {
		summary += " (watermark rolled back; the next run will retry)"
	}
	fmt.Println(summary)
}
