package logsink

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/personium/personium-core-sub028/errors"
)

// FileConfig configures the file sink
type FileConfig struct {
	Directory     string        `json:"directory" yaml:"directory"`
	FileName      string        `json:"file_name" yaml:"file_name"`
	BufferSize    int           `json:"buffer_size" yaml:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// Validate checks the configuration for errors
func (c FileConfig) Validate() error {
	if c.Directory == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "FileConfig", "Validate", "directory is required")
	}
	if c.BufferSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "FileConfig", "Validate", "buffer_size cannot be negative")
	}
	return nil
}

// DefaultFileConfig returns the defaults used for unset fields
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Directory:     "/var/log/personium/events",
		FileName:      "default.log",
		BufferSize:    64,
		FlushInterval: time.Second,
	}
}

// File appends lines to <directory>/<cellID>/<file_name>. Lines are buffered per cell and
// flushed when the buffer fills, on the flush interval and on Stop.
type File struct {
	cfg    FileConfig
	logger *slog.Logger

	mu     sync.Mutex
	files  map[string]*os.File
	buffer map[string][]string
	count  int

	written atomic.Int64
	failed  atomic.Int64

	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// NewFile creates a file sink
func NewFile(cfg FileConfig, logger *slog.Logger) (*File, error) {
	def := DefaultFileConfig()
	if cfg.FileName == "" {
		cfg.FileName = def.FileName
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &File{
		cfg:    cfg,
		logger: logger.With("component", "logsink"),
		files:  make(map[string]*os.File),
		buffer: make(map[string][]string),
	}, nil
}

// Start begins the periodic flush
func (f *File) Start() error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()
	if f.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "File", "Start", "check running state")
	}
	if err := os.MkdirAll(f.cfg.Directory, 0o755); err != nil {
		return errors.WrapFatal(err, "File", "Start", "create log directory")
	}

	f.shutdown = make(chan struct{})
	f.wg.Add(1)
	go f.flushLoop(f.shutdown)
	f.running = true
	f.logger.Info("Event log sink started", "directory", f.cfg.Directory)
	return nil
}

// Stop flushes buffered lines and closes all files
func (f *File) Stop(timeout time.Duration) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()
	if !f.running {
		return nil
	}
	close(f.shutdown)

	waitCh := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("shutdown timeout after %v", timeout), "File", "Stop", "shutdown")
	}

	f.Flush()

	f.mu.Lock()
	for id, file := range f.files {
		if err := file.Close(); err != nil {
			f.logger.Warn("Failed to close log file", "cell", id, "error", err)
		}
	}
	f.files = make(map[string]*os.File)
	f.mu.Unlock()

	f.running = false
	return nil
}

// Write implements Sink
func (f *File) Write(cellID string, level Level, fields []string) error {
	if cellID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "File", "Write", "cell id is required")
	}
	line := FormatLine(fields)

	f.mu.Lock()
	f.buffer[cellID] = append(f.buffer[cellID], line)
	f.count++
	full := f.count >= f.cfg.BufferSize
	f.mu.Unlock()

	if full {
		f.Flush()
	}
	return nil
}

func (f *File) flushLoop(shutdown <-chan struct{}) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			f.Flush()
		}
	}
}

// Flush writes all buffered lines
func (f *File) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for cellID, lines := range f.buffer {
		if len(lines) == 0 {
			continue
		}
		if err := f.appendLines(cellID, lines); err != nil {
			f.failed.Add(int64(len(lines)))
			f.logger.Error("Failed to write event log", "cell", cellID, "lines_lost", len(lines), "error", err)
		} else {
			f.written.Add(int64(len(lines)))
		}
	}
	f.buffer = make(map[string][]string)
	f.count = 0
}

// appendLines requires f.mu
func (f *File) appendLines(cellID string, lines []string) error {
	file, ok := f.files[cellID]
	if !ok {
		dir := filepath.Join(f.cfg.Directory, filepath.Base(cellID))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		var err error
		file, err = os.OpenFile(filepath.Join(dir, f.cfg.FileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		f.files[cellID] = file
	}

	w := bufio.NewWriter(file)
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Stats returns lines written and lines lost
func (f *File) Stats() (written, failed int64) {
	return f.written.Load(), f.failed.Load()
}
