package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
)

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "tapline.pid")

	if err := writePidFile(pidFile, 4242); err != nil {
		t.Fatalf("writePidFile: %v", err)
	}
	b, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got, _ := strconv.Atoi(string(b)); got != 4242 {
		t.Fatalf("pid = %q", b)
	}

	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatal("PID file was not removed")
	}
	if err := removePidFile(""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
}

func TestDaemonArgs(t *testing.T) {
	in := []string{"-c", "a.toml", "--daemonize", "--pidfile", "/old.pid", "--log-file=/old.log", "-w"}
	got := daemonArgs(in, "/run/tapline.pid", "")
	want := []string{"-c", "a.toml", "-w", "--pidfile", "/run/tapline.pid"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("daemonArgs = %v, want %v", got, want)
	}
}
