// Package pylog extracts log levels from Python worker output.
package pylog

import "strings"

// ParseLogLevel extracts the log level from a line written by Python's
// logging module or uvicorn. Recognised shapes:
//
//	INFO:telegram_bot:Bot started          (logging.basicConfig default)
//	INFO:     Uvicorn running on ...       (uvicorn)
//	2025-01-27 10:30:00,123 - bot - WARNING - slow update   (custom formatter)
//
// The returned level is one of "fatal", "error", "warning", "info", "debug".
// Unrecognised lines are "info" and returned unchanged.
func ParseLogLevel(line string) (level, msg string) {
	if strings.HasPrefix(line, "Traceback (most recent call last)") {
		return "error", line
	}

	if colon := strings.IndexByte(line, ':'); colon > 0 {
		if lvl, ok := mapLevel(line[:colon]); ok {
			return lvl, strings.TrimLeft(line[colon+1:], " ")
		}
	}

	parts := strings.SplitN(line, " - ", 4)
	if len(parts) == 4 {
		if lvl, ok := mapLevel(parts[2]); ok {
			return lvl, parts[1] + ": " + parts[3]
		}
	}

	return "info", line
}

func mapLevel(s string) (string, bool) {
	switch s {
	case "CRITICAL", "FATAL":
		return "fatal", true
	case "ERROR":
		return "error", true
	case "WARNING", "WARN":
		return "warning", true
	case "INFO":
		return "info", true
	case "DEBUG", "NOTSET":
		return "debug", true
	}
	return "", false
}
