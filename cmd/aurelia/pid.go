package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func parsePID(raw []byte) (int, error) {
	trimmed := strings.TrimSpace(string(raw))
	pid, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid pid %q: %w", trimmed, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}
	return pid, nil
}

// writePIDFile records the running process's own pid at path, so a
// later "aurelia stop" can find and signal it.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// removePIDFile deletes the pidfile written by writePIDFile. Called
// once the runtime has shut down; a missing file is not an error.
func removePIDFile(path string) {
	_ = os.Remove(path)
}
