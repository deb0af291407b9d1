package listen

import (
	"os"
	"strconv"
	"testing"
)

func TestListen_TCP(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	l, inheritedSocket, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() unexpected error: %v", err)
	}
	defer func() {
		_ = l.Close()
	}()

	if inheritedSocket {
		t.Error("expected a fresh listener without activation variables")
	}
	if l.Addr().Network() != "tcp" {
		t.Errorf("expected tcp listener, got %s", l.Addr().Network())
	}
}

func TestListen_OtherProcess(t *testing.T) {
	t.Setenv("LISTEN_PID", "99999999")
	t.Setenv("LISTEN_FDS", "1")

	l, inheritedSocket, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() unexpected error: %v", err)
	}
	defer func() {
		_ = l.Close()
	}()

	if inheritedSocket {
		t.Error("sockets meant for another process must be ignored")
	}
}

func TestListen_InvalidEnvironment(t *testing.T) {
	tests := []struct {
		name string
		pid  string
		fds  string
	}{
		{"invalid pid", "not-a-number", "1"},
		{"invalid fds", strconv.Itoa(os.Getpid()), "not-a-number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LISTEN_PID", tt.pid)
			t.Setenv("LISTEN_FDS", tt.fds)

			if _, _, err := Listen("127.0.0.1:0"); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestListen_InvalidAddr(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	if _, _, err := Listen("not an address"); err == nil {
		t.Error("expected error for invalid address, got nil")
	}
}
