package server

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/cachemir/memcachedb/internal/fixture"
)

func newTestServer(t *testing.T, f *fixture.Server) *Server {
	t.Helper()
	host, portStr, err := net.SplitHostPort(f.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", f.Addr(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi(%q): %v", portStr, err)
	}
	return New(Config{Host: host, Port: port, Weight: 1, Timeout: time.Second})
}

func TestAcquireSocketLazilyDials(t *testing.T) {
	f, err := fixture.New()
	if err != nil {
		t.Fatalf("fixture.New() error = %v", err)
	}
	defer f.Close()

	s := newTestServer(t, f)
	if s.StatusString() != "NOT CONNECTED" {
		t.Errorf("StatusString() = %q before first use, want NOT CONNECTED", s.StatusString())
	}

	handle, err := s.AcquireSocket(context.Background())
	if err != nil {
		t.Fatalf("AcquireSocket() error = %v", err)
	}
	if handle == nil {
		t.Fatal("AcquireSocket() returned nil handle for a reachable server")
	}
	handle.Release()

	if s.StatusString() != "CONNECTED" {
		t.Errorf("StatusString() = %q after first use, want CONNECTED", s.StatusString())
	}
}

func TestAcquireSocketReturnsNilWhenQuarantined(t *testing.T) {
	f, err := fixture.New()
	if err != nil {
		t.Fatalf("fixture.New() error = %v", err)
	}
	s := newTestServer(t, f)
	f.Close() // dial will fail

	handle, err := s.AcquireSocket(context.Background())
	if err != nil {
		t.Fatalf("AcquireSocket() error = %v, want nil error with nil handle", err)
	}
	if handle != nil {
		t.Fatal("expected nil handle for an unreachable server")
	}
	if s.Alive() {
		t.Error("expected server to be quarantined after a failed dial")
	}

	// A second attempt within the quarantine window must not even try to
	// dial again.
	handle2, err := s.AcquireSocket(context.Background())
	if err != nil || handle2 != nil {
		t.Errorf("AcquireSocket() during quarantine = (%v, %v), want (nil, nil)", handle2, err)
	}
}

func TestHandleFailQuarantines(t *testing.T) {
	f, err := fixture.New()
	if err != nil {
		t.Fatalf("fixture.New() error = %v", err)
	}
	defer f.Close()

	s := newTestServer(t, f)
	handle, err := s.AcquireSocket(context.Background())
	if err != nil || handle == nil {
		t.Fatalf("AcquireSocket() = (%v, %v)", handle, err)
	}

	handle.Fail(errForTest)
	if s.Alive() {
		t.Error("expected server to be quarantined after Handle.Fail")
	}
}

func TestHandleCloseDoesNotQuarantine(t *testing.T) {
	f, err := fixture.New()
	if err != nil {
		t.Fatalf("fixture.New() error = %v", err)
	}
	defer f.Close()

	s := newTestServer(t, f)
	handle, err := s.AcquireSocket(context.Background())
	if err != nil || handle == nil {
		t.Fatalf("AcquireSocket() = (%v, %v)", handle, err)
	}

	handle.Close()
	if !s.Alive() {
		t.Error("Handle.Close must not quarantine the server")
	}

	handle2, err := s.AcquireSocket(context.Background())
	if err != nil || handle2 == nil {
		t.Fatalf("expected a fresh socket to be available immediately after Close, got (%v, %v)", handle2, err)
	}
	handle2.Release()
}

var errForTest = &testError{"simulated transport failure"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
