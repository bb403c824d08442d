package events

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	errJournalClosed = errors.New("journal is closed")
	errJournalFull   = errors.New("journal buffer full")
)

// Journal appends events as JSON lines to <dir>/<date>/events.jsonl with
// size-based rotation. Writes are queued and never block the publisher.
type Journal struct {
	dir       string
	maxSizeMB int
	writeCh   chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

// NewJournal starts the journal's write loop.
func NewJournal(dir string, bufferSize, maxSizeMB int) *Journal {
	j := &Journal{
		dir:       dir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan Event, bufferSize),
		done:      make(chan struct{}),
	}
	j.wg.Add(1)
	go j.writeLoop()
	return j
}

// Write queues an event.
func (j *Journal) Write(evt Event) error {
	select {
	case <-j.done:
		return errJournalClosed
	default:
	}
	select {
	case j.writeCh <- evt:
		return nil
	default:
		slog.Warn("event journal buffer full, dropping event", "type", evt.Type)
		return errJournalFull
	}
}

// Close flushes queued events and closes the current file.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() { close(j.done) })
	j.wg.Wait()

	// Drain whatever was queued before done closed.
	for {
		select {
		case evt := <-j.writeCh:
			j.writeEvent(evt)
			continue
		default:
		}
		break
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.logger != nil {
		return j.logger.Close()
	}
	return nil
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for {
		select {
		case evt := <-j.writeCh:
			j.writeEvent(evt)
		case <-j.done:
			return
		}
	}
}

func (j *Journal) writeEvent(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("failed to marshal event", "error", err, "type", evt.Type)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	date := time.Now().UTC().Format("2006-01-02")
	if date != j.currentDate || j.logger == nil {
		j.rotateForDate(date)
	}
	if j.logger == nil {
		return
	}
	if _, err := j.logger.Write(append(data, '\n')); err != nil {
		slog.Error("failed to write event", "error", err)
	}
}

func (j *Journal) rotateForDate(date string) {
	if j.logger != nil {
		_ = j.logger.Close()
		j.logger = nil
	}

	dir := filepath.Join(j.dir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("failed to create journal directory", "error", err, "dir", dir)
		return
	}

	filename := filepath.Join(dir, "events.jsonl")
	j.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    j.maxSizeMB,
		MaxBackups: 20,
		MaxAge:     30,
	}
	j.currentDate = date
	slog.Info("opened event journal", "file", filename)
}
