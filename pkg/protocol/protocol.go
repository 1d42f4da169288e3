// Package protocol implements C5 from spec.md §4.5: the memcachedb text
// wire protocol engine — command formatting, response parsing, the
// CLIENT_/SERVER_/plain ERROR taxonomy, the no-reply fast path, and the
// FRESH → ATTEMPT → {SUCCESS, RECOVERABLE, FATAL} retry state machine
// wrapping each socket operation. Command dispatch is grounded in the
// teacher's pkg/protocol/protocol.go (one function per command kind,
// length-prefixed binary framing), generalized here to the memcachedb CRLF
// text frames the spec requires.
package protocol

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cachemir/memcachedb/pkg/bufreader"
	"github.com/cachemir/memcachedb/pkg/deadline"
)

const crlf = "\r\n"

// StatusLine is the literal token a storage or deletion command replies
// with, per spec.md §4.5: "return the literal token".
type StatusLine string

const (
	Stored    StatusLine = "STORED"
	NotStored StatusLine = "NOT_STORED"
	Exists    StatusLine = "EXISTS"
	Deleted   StatusLine = "DELETED"
	NotFound  StatusLine = "NOT_FOUND"
)

// Item is a single retrieved value, returned from Get/GetMulti.
type Item struct {
	Key       string
	Value     []byte
	Flags     uint32
	CasUnique uint64
}

var errorLineRE = regexp.MustCompile(`^(CLIENT_|SERVER_)?ERROR(.*)`)

// ProtocolError is raised for any response line matching
// ^(CLIENT_|SERVER_)?ERROR(.*), per spec.md §4.5, and for malformed
// responses. The retry engine does not tell the two apart: either one
// closes the socket and the command is retried once on a fresh socket
// before the error surfaces.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Message }

// checkErrorLine inspects a response line and returns a *ProtocolError if
// it matches the error taxonomy.
func checkErrorLine(line string) error {
	trimmed := strings.TrimRight(line, "\r\n")
	if m := errorLineRE.FindStringSubmatch(trimmed); m != nil {
		return &ProtocolError{Message: strings.TrimSpace(m[2])}
	}
	return nil
}

// --- command formatting -----------------------------------------------

// formatStorage builds the storage command line from spec.md §4.5:
// "<verb> <key> <flags=0> <expiry> <bytelen>[ <cas>][ noreply]\r\n<payload>\r\n".
func formatStorage(verb, key string, flags uint32, expiry int, payload []byte, casUnique uint64, noReply bool) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %d %d %d", verb, key, flags, expiry, len(payload))
	if verb == "cas" {
		fmt.Fprintf(&b, " %d", casUnique)
	}
	if noReply {
		b.WriteString(" noreply")
	}
	b.WriteString(crlf)
	out := make([]byte, 0, b.Len()+len(payload)+2)
	out = append(out, []byte(b.String())...)
	out = append(out, payload...)
	out = append(out, crlf...)
	return out
}

// formatRetrieval builds a "get"/"gets" command for one or more keys.
func formatRetrieval(verb string, keys []string) []byte {
	return []byte(verb + " " + strings.Join(keys, " ") + crlf)
}

// formatIncrDecr builds an "incr"/"decr" command.
func formatIncrDecr(verb, key string, delta uint64, noReply bool) []byte {
	line := fmt.Sprintf("%s %s %d", verb, key, delta)
	if noReply {
		line += " noreply"
	}
	return []byte(line + crlf)
}

// formatDelete builds a "delete" command.
func formatDelete(key string, noReply bool) []byte {
	line := "delete " + key
	if noReply {
		line += " noreply"
	}
	return []byte(line + crlf)
}

// formatStats builds the "stats" command.
func formatStats() []byte { return []byte("stats" + crlf) }

// --- low-level I/O -------------------------------------------------------

func writeCommand(conn net.Conn, timeout time.Duration, data []byte) error {
	return deadline.Run(conn, timeout, func() error {
		_, err := conn.Write(data)
		return err
	})
}

// --- response parsing ----------------------------------------------------

// parseStorageReply reads one reply line and returns its literal token, or
// a *ProtocolError if the line is an error line.
func parseStorageReply(r *bufreader.BufferedReader) (StatusLine, error) {
	line, err := r.ReadLine()
	if err != nil {
		return "", err
	}
	trimmed := strings.TrimRight(string(line), "\r\n")
	if err := checkErrorLine(trimmed); err != nil {
		return "", err
	}
	return StatusLine(trimmed), nil
}

// parseCounterReply reads an incr/decr reply: a numeric line (which may
// have trailing spaces before the CRLF) converted to an integer, or
// NOT_FOUND meaning the key doesn't exist (nil, not an error), per
// spec.md §4.5 and §7.
func parseCounterReply(r *bufreader.BufferedReader) (*uint64, error) {
	line, err := r.ReadLine()
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(strings.TrimRight(string(line), "\r\n"))
	if err := checkErrorLine(trimmed); err != nil {
		return nil, err
	}
	if trimmed == string(NotFound) {
		return nil, nil
	}
	v, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return nil, &ProtocolError{Message: "unexpected counter reply: " + trimmed}
	}
	return &v, nil
}

// parseGetReplies reads VALUE lines (and their payloads) until a
// terminating END line, per spec.md §4.5. withCas controls whether each
// VALUE line carries a trailing CAS token (gets vs get).
func parseGetReplies(r *bufreader.BufferedReader, withCas bool) ([]Item, error) {
	var items []Item
	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(string(line), "\r\n")
		if trimmed == "END" {
			return items, nil
		}
		if err := checkErrorLine(trimmed); err != nil {
			return nil, err
		}

		item, err := parseValueLine(trimmed, withCas)
		if err != nil {
			return nil, err
		}

		payload, err := r.ReadExact(len(item.Value) + 2)
		if err != nil {
			return nil, err
		}
		if len(payload) < 2 || payload[len(payload)-2] != '\r' || payload[len(payload)-1] != '\n' {
			return nil, &ProtocolError{Message: "malformed VALUE payload trailer"}
		}
		item.Value = payload[:len(payload)-2]
		items = append(items, item)
	}
}

// parseValueLine parses "VALUE <key> <flags> <bytelen>[ <cas>]" and
// pre-sizes item.Value to bytelen as a length carrier (the caller reads
// the actual payload separately).
func parseValueLine(line string, withCas bool) (Item, error) {
	fields := strings.Fields(line)
	minFields := 4
	if withCas {
		minFields = 5
	}
	if len(fields) < minFields || fields[0] != "VALUE" {
		return Item{}, &ProtocolError{Message: "malformed VALUE line: " + line}
	}

	flags64, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return Item{}, &ProtocolError{Message: "malformed VALUE flags: " + line}
	}
	byteLen, err := strconv.Atoi(fields[3])
	if err != nil || byteLen < 0 {
		return Item{}, &ProtocolError{Message: "malformed VALUE length: " + line}
	}

	item := Item{
		Key:   fields[1],
		Flags: uint32(flags64),
		Value: make([]byte, byteLen),
	}
	if withCas {
		cas, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			return Item{}, &ProtocolError{Message: "malformed VALUE cas: " + line}
		}
		item.CasUnique = cas
	}
	return item, nil
}
