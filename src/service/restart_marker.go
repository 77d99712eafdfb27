package service

import (
	"os"
	"path/filepath"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
)

// restartMarkerPath is the file left behind by a runtime bound exit so the next process
// reports RESTART instead of START
func (l *Loop) restartMarkerPath() string {
	dir := l.cfg.StateDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, l.cfg.ServiceName+".restart")
}

func (l *Loop) consumeRestartMarker() bool {
	path := l.restartMarkerPath()
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		log.Warn("Could not remove restart marker %s: %s", path, err.Error())
	}
	return true
}

func (l *Loop) writeRestartMarker() {
	path := l.restartMarkerPath()
	if err := os.WriteFile(path, []byte(l.now().UTC().Format(time.RFC3339)+"\n"), 0o600); err != nil {
		log.Warn("Could not write restart marker %s: %s", path, err.Error())
	}
}
