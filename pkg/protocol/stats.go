package protocol

import (
	"strconv"
	"strings"

	"github.com/cachemir/memcachedb/pkg/bufreader"
)

// parseStatsReplies reads "STAT <name> <value>" lines until END, coercing
// each value per spec.md §4.5: version stays a string; rusage_user and
// rusage_system parse as seconds+microseconds/1e6 from "<secs>:<usecs>";
// all-digit values become integers; everything else stays a string.
func parseStatsReplies(r *bufreader.BufferedReader) (map[string]any, error) {
	out := make(map[string]any)
	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(string(line), "\r\n")
		if trimmed == "END" {
			return out, nil
		}
		if err := checkErrorLine(trimmed); err != nil {
			return nil, err
		}

		fields := strings.Fields(trimmed)
		if len(fields) < 3 || fields[0] != "STAT" {
			return nil, &ProtocolError{Message: "malformed STAT line: " + trimmed}
		}
		name := fields[1]
		value := strings.Join(fields[2:], " ")
		out[name] = coerceStatValue(name, value)
	}
}

func coerceStatValue(name, value string) any {
	if name == "version" {
		return value
	}
	if name == "rusage_user" || name == "rusage_system" {
		if v, ok := parseRusage(value); ok {
			return v
		}
		return value
	}
	if isAllDigits(value) {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return value
}

// parseRusage converts "<secs>:<usecs>" into seconds + microseconds/1e6.
func parseRusage(value string) (float64, bool) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	secs, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, false
	}
	usecs, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, false
	}
	return secs + usecs/1e6, true
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
