package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/cachemir/memcachedb/pkg/bufreader"
)

func TestFormatStorage(t *testing.T) {
	got := formatStorage("set", "foo", 0, 60, []byte("bar"), 0, false)
	want := "set foo 0 60 3\r\nbar\r\n"
	if string(got) != want {
		t.Errorf("formatStorage() = %q, want %q", got, want)
	}
}

func TestFormatStorageCasIncludesToken(t *testing.T) {
	got := formatStorage("cas", "foo", 0, 0, []byte("v"), 42, false)
	want := "cas foo 0 0 1 42\r\nv\r\n"
	if string(got) != want {
		t.Errorf("formatStorage() = %q, want %q", got, want)
	}
}

func TestFormatStorageNoReply(t *testing.T) {
	got := formatStorage("set", "foo", 0, 0, []byte("v"), 0, true)
	want := "set foo 0 0 1 noreply\r\nv\r\n"
	if string(got) != want {
		t.Errorf("formatStorage() = %q, want %q", got, want)
	}
}

func TestFormatRetrieval(t *testing.T) {
	got := formatRetrieval("get", []string{"a", "b", "c"})
	want := "get a b c\r\n"
	if string(got) != want {
		t.Errorf("formatRetrieval() = %q, want %q", got, want)
	}
}

func TestCheckErrorLine(t *testing.T) {
	cases := []struct {
		line    string
		wantErr bool
	}{
		{"STORED\r\n", false},
		{"ERROR\r\n", true},
		{"CLIENT_ERROR bad command line format\r\n", true},
		{"SERVER_ERROR out of memory\r\n", true},
		{"END\r\n", false},
	}
	for _, c := range cases {
		err := checkErrorLine(c.line)
		if (err != nil) != c.wantErr {
			t.Errorf("checkErrorLine(%q) error = %v, wantErr %v", c.line, err, c.wantErr)
		}
	}
}

func TestParseValueLine(t *testing.T) {
	item, err := parseValueLine("VALUE foo 5 3", false)
	if err != nil {
		t.Fatalf("parseValueLine() error = %v", err)
	}
	if item.Key != "foo" || item.Flags != 5 || len(item.Value) != 3 {
		t.Errorf("parseValueLine() = %+v", item)
	}
}

func TestParseValueLineWithCas(t *testing.T) {
	item, err := parseValueLine("VALUE foo 0 3 99", true)
	if err != nil {
		t.Fatalf("parseValueLine() error = %v", err)
	}
	if item.CasUnique != 99 {
		t.Errorf("parseValueLine() CasUnique = %d, want 99", item.CasUnique)
	}
}

func TestParseValueLineMalformed(t *testing.T) {
	if _, err := parseValueLine("VALUE foo", false); err == nil {
		t.Error("expected error for malformed VALUE line")
	}
}

// pipePair returns a connected client/server net.Conn pair for testing
// bufreader-backed parsers without a real memcachedb server.
func pipePair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestParseStorageReplyStored(t *testing.T) {
	client, srv := pipePair()
	defer client.Close()
	defer srv.Close()

	go func() {
		srv.Write([]byte("STORED\r\n"))
	}()

	r := bufreader.New(client, time.Second)
	status, err := parseStorageReply(r)
	if err != nil {
		t.Fatalf("parseStorageReply() error = %v", err)
	}
	if status != Stored {
		t.Errorf("parseStorageReply() = %q, want %q", status, Stored)
	}
}

func TestParseStorageReplyError(t *testing.T) {
	client, srv := pipePair()
	defer client.Close()
	defer srv.Close()

	go func() {
		srv.Write([]byte("CLIENT_ERROR bad data chunk\r\n"))
	}()

	r := bufreader.New(client, time.Second)
	if _, err := parseStorageReply(r); err == nil {
		t.Error("expected a protocol error")
	}
}

func TestParseGetRepliesSingleItem(t *testing.T) {
	client, srv := pipePair()
	defer client.Close()
	defer srv.Close()

	go func() {
		srv.Write([]byte("VALUE foo 0 3\r\nbar\r\nEND\r\n"))
	}()

	r := bufreader.New(client, time.Second)
	items, err := parseGetReplies(r, false)
	if err != nil {
		t.Fatalf("parseGetReplies() error = %v", err)
	}
	if len(items) != 1 || items[0].Key != "foo" || string(items[0].Value) != "bar" {
		t.Errorf("parseGetReplies() = %+v", items)
	}
}

func TestParseGetRepliesEmpty(t *testing.T) {
	client, srv := pipePair()
	defer client.Close()
	defer srv.Close()

	go func() {
		srv.Write([]byte("END\r\n"))
	}()

	r := bufreader.New(client, time.Second)
	items, err := parseGetReplies(r, false)
	if err != nil {
		t.Fatalf("parseGetReplies() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("parseGetReplies() = %+v, want empty", items)
	}
}

func TestParseCounterReplyNotFound(t *testing.T) {
	client, srv := pipePair()
	defer client.Close()
	defer srv.Close()

	go func() {
		srv.Write([]byte("NOT_FOUND\r\n"))
	}()

	r := bufreader.New(client, time.Second)
	v, err := parseCounterReply(r)
	if err != nil {
		t.Fatalf("parseCounterReply() error = %v", err)
	}
	if v != nil {
		t.Errorf("parseCounterReply() = %v, want nil", *v)
	}
}

func TestParseCounterReplyValue(t *testing.T) {
	client, srv := pipePair()
	defer client.Close()
	defer srv.Close()

	go func() {
		srv.Write([]byte("42\r\n"))
	}()

	r := bufreader.New(client, time.Second)
	v, err := parseCounterReply(r)
	if err != nil {
		t.Fatalf("parseCounterReply() error = %v", err)
	}
	if v == nil || *v != 42 {
		t.Errorf("parseCounterReply() = %v, want 42", v)
	}
}

func TestParseStatsReplies(t *testing.T) {
	client, srv := pipePair()
	defer client.Close()
	defer srv.Close()

	go func() {
		srv.Write([]byte("STAT version 1.6.0\r\nSTAT curr_items 3\r\nSTAT rusage_user 1:500000\r\nEND\r\n"))
	}()

	r := bufreader.New(client, time.Second)
	stats, err := parseStatsReplies(r)
	if err != nil {
		t.Fatalf("parseStatsReplies() error = %v", err)
	}
	if stats["version"] != "1.6.0" {
		t.Errorf("stats[version] = %v, want 1.6.0", stats["version"])
	}
	if stats["curr_items"] != int64(3) {
		t.Errorf("stats[curr_items] = %v (%T), want int64(3)", stats["curr_items"], stats["curr_items"])
	}
	if stats["rusage_user"] != 1.5 {
		t.Errorf("stats[rusage_user] = %v, want 1.5", stats["rusage_user"])
	}
}
