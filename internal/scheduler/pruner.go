package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// FilePruner deletes rotated log files older than MaxAge from Dir.
type FilePruner struct {
	Dir    string
	MaxAge time.Duration
}

func (p *FilePruner) Prune() {
	if p.Dir == "" {
		return
	}
	cutoff := time.Now().Add(-p.MaxAge)
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		logrus.WithError(err).WithField("dir", p.Dir).Warn("Failed to scan log directory")
		return
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(p.Dir, entry.Name())); err != nil {
			logrus.WithError(err).WithField("file", entry.Name()).Warn("Failed to prune log file")
			continue
		}
		removed++
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{"dir": p.Dir, "removed": removed}).Info("Pruned old log files")
	}
}
