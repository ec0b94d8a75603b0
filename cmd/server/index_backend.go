package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/persistence/indexdb"
	"tilecraft.ai/internal/sim/world"
)

// openRuntimeIndex opens the read-model index selected by TC_INDEX_BACKEND. It never affects
// simulation determinism; a nil index means indexing is off.
func openRuntimeIndex(worldDir string, disableDB bool, log *logrus.Entry) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("TC_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}
	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(worldDir, "index", "world.sqlite"), log)
	default:
		return nil, fmt.Errorf("unsupported TC_INDEX_BACKEND: %s", backend)
	}
}

type multiTickLogger []world.TickLogger

func (m multiTickLogger) WriteTick(entry world.TickLogEntry) error {
	var first error
	for _, l := range m {
		if err := l.WriteTick(entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type multiJobLogger []world.JobLogger

func (m multiJobLogger) WriteJobEvent(entry world.JobLogEntry) error {
	var first error
	for _, l := range m {
		if err := l.WriteJobEvent(entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}
