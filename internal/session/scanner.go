// scanner.go turns a session's output stream into structured health signals.
// Agents emit "@farmhand ..." status lines; everything else still counts as
// activity, and obvious error markers are counted even without a directive.
package session

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// directivePrefix marks a structured status line emitted by the agent.
const directivePrefix = "@farmhand "

// errorSignalPattern matches unstructured output lines that indicate an
// error condition in the agent's work.
var errorSignalPattern = regexp.MustCompile(`(?i)\b(error|panic|traceback|fatal)\b`)

// scanOutput reads lines from r until EOF, updating the handle. Every line
// refreshes the activity timestamp.
func scanOutput(r io.Reader, h *Handle) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.Touch()

		if strings.HasPrefix(line, directivePrefix) {
			parseDirective(strings.TrimPrefix(line, directivePrefix), h)
			continue
		}
		if errorSignalPattern.MatchString(line) {
			h.RecordError()
		}
	}
}

// parseDirective handles the structured directives:
//
//	status state=<phase> context_left=<percent>
//	error <message>
//
// Unknown directives are ignored so agents can be newer than the
// coordinator.
func parseDirective(rest string, h *Handle) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "status":
		for _, f := range fields[1:] {
			key, value, ok := strings.Cut(f, "=")
			if !ok {
				continue
			}
			switch key {
			case "state":
				h.SetState(value)
			case "context_left":
				pct := strings.TrimSuffix(value, "%")
				if n, err := strconv.Atoi(pct); err == nil {
					h.SetContextLeft(n)
				}
			}
		}
	case "error":
		h.RecordError()
	}
}
