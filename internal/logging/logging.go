package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"qb-autoseed/internal/storage"
)

// New builds the process logger: everything from level up goes to stdout, and info and
// above also go to a daily file in dir. An empty dir disables the file.
func New(level, dir string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	logger.SetLevel(lvl)

	if dir != "" {
		hook, err := NewDailyFileHook(dir, logrus.InfoLevel)
		if err != nil {
			return nil, err
		}
		logger.AddHook(hook)
	}
	return logger, nil
}

// DailyFileHook appends entries to dir/logYYYY-MM-DD.log, switching files at midnight.
type DailyFileHook struct {
	dir       string
	levels    []logrus.Level
	formatter logrus.Formatter
	now       func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

func NewDailyFileHook(dir string, lowest logrus.Level) (*DailyFileHook, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= lowest {
			levels = append(levels, l)
		}
	}
	return &DailyFileHook{
		dir:       dir,
		levels:    levels,
		formatter: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true},
		now:       time.Now,
	}, nil
}

func (h *DailyFileHook) Levels() []logrus.Level { return h.levels }

func (h *DailyFileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	name := h.now().Format(storage.LogFileLayout)
	if h.file == nil || name != h.day {
		if h.file != nil {
			h.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(h.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			h.file = nil
			return fmt.Errorf("open log file: %w", err)
		}
		h.file, h.day = f, name
	}
	_, err = h.file.Write(line)
	return err
}

// Close releases the current file.
func (h *DailyFileHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}
