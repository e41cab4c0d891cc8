// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"regexp"
	"strings"

	ps "github.com/mitchellh/go-ps"

	"github.com/nodebooks/kernel/internal/events"
)

// CrashAnalyzer classifies a worker's exit from its trailing stderr/log
// lines plus its OS exit code (C11). It never blocks on process-table
// lookups; ConfirmExited is a best-effort cross-check only.
type CrashAnalyzer struct {
	panicRe   *regexp.Regexp
	oomRe     *regexp.Regexp
	sigTermRe *regexp.Regexp
	sigKillRe *regexp.Regexp
}

// NewCrashAnalyzer creates a CrashAnalyzer.
func NewCrashAnalyzer() *CrashAnalyzer {
	return &CrashAnalyzer{
		panicRe:   regexp.MustCompile(`(?i)^panic:`),
		oomRe:     regexp.MustCompile(`(?i)(out of memory|cannot allocate memory|oom.?killed)`),
		sigTermRe: regexp.MustCompile(`(?i)(signal[:\s]+terminated|SIGTERM)`),
		sigKillRe: regexp.MustCompile(`(?i)(signal[:\s]+killed|SIGKILL)`),
	}
}

// Analyze examines a worker's trailing log lines and OS exit code to
// classify the crash reason and a short human-readable detail string.
func (a *CrashAnalyzer) Analyze(lines []string, exitCode int) (events.CrashReason, string) {
	for _, line := range lines {
		if a.panicRe.MatchString(line) {
			return events.CrashReasonPanic, strings.TrimPrefix(line, "panic: ")
		}
	}
	for _, line := range lines {
		if a.oomRe.MatchString(line) {
			return events.CrashReasonOOM, "out of memory"
		}
	}
	for _, line := range lines {
		if a.sigKillRe.MatchString(line) {
			return events.CrashReasonSignal, "SIGKILL"
		}
		if a.sigTermRe.MatchString(line) {
			return events.CrashReasonSignal, "SIGTERM"
		}
	}

	switch {
	case exitCode == 0:
		return events.CrashReasonUnknown, "process exited 0 while still reserved"
	case exitCode >= 128:
		return events.CrashReasonSignal, signalName(exitCode - 128)
	case exitCode > 0:
		return events.CrashReasonUnknown, "nonzero exit, no diagnostic log lines"
	default:
		return events.CrashReasonUnknown, "unknown"
	}
}

// ConfirmExited cross-checks the OS process table and reports whether
// pid is gone. The pool does not call it.
func ConfirmExited(pid int) bool {
	proc, err := ps.FindProcess(pid)
	if err != nil {
		// Process-table lookup is inherently best-effort; treat an
		// error the same as "can't confirm, assume exited" so a flaky
		// lookup never blocks replacement.
		return true
	}
	return proc == nil
}

func signalName(num int) string {
	switch num {
	case 1:
		return "SIGHUP"
	case 2:
		return "SIGINT"
	case 9:
		return "SIGKILL"
	case 11:
		return "SIGSEGV"
	case 15:
		return "SIGTERM"
	default:
		return "signal"
	}
}
