// Package debug holds the CLI's output switches: verbose diagnostics on
// stderr and normal output on stdout that --quiet suppresses.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	enabled     = os.Getenv("YT2CH_DEBUG") != ""
	verboseMode = false
	quietMode   = false

	outMu  sync.Mutex
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// SetQuiet enables quiet mode (suppress non-essential output)
func SetQuiet(quiet bool) {
	quietMode = quiet
}

// IsQuiet returns true if quiet mode is enabled
func IsQuiet() bool {
	return quietMode
}

// SetOutput redirects stdout and stderr output. Nil leaves a stream as is.
func SetOutput(out, errOut io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	if out != nil {
		stdout = out
	}
	if errOut != nil {
		stderr = errOut
	}
}

func Logf(format string, args ...interface{}) {
	if Enabled() {
		write(stderr, format, args...)
	}
}

// Warnf prints a warning to stderr. Warnings are shown even in quiet mode.
func Warnf(format string, args ...interface{}) {
	write(stderr, format, args...)
}

// PrintNormal prints output unless quiet mode is enabled
func PrintNormal(format string, args ...interface{}) {
	if !quietMode {
		write(stdout, format, args...)
	}
}

// PrintlnNormal prints a line unless quiet mode is enabled
func PrintlnNormal(args ...interface{}) {
	if !quietMode {
		outMu.Lock()
		defer outMu.Unlock()
		_, _ = fmt.Fprintln(stdout, args...)
	}
}

// Progress returns the writer progress markers go to: stdout, or
// io.Discard in quiet mode.
func Progress() io.Writer {
	if quietMode {
		return io.Discard
	}
	outMu.Lock()
	defer outMu.Unlock()
	return stdout
}

func write(w io.Writer, format string, args ...interface{}) {
	outMu.Lock()
	defer outMu.Unlock()
	_, _ = fmt.Fprintf(w, format, args...)
}
