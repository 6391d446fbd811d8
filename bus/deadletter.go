package bus

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
)

// DeadLetter receives messages whose retry budget is exhausted. Consumers ack
// the message after handing it over, so the sink is the last durable record
// of the failure.
type DeadLetter interface {
	DeadLetter(ev event.Event, queue string, attempts int, cause error) error
}

// DeadLetterRecord is the journal line written per dead-lettered message.
type DeadLetterRecord struct {
	Event      event.Event `json:"event"`
	Queue      string      `json:"queue"`
	Attempts   int         `json:"attempts"`
	Cause      string      `json:"cause"`
	RecordedAt time.Time   `json:"recordedAt"`
}

// JournalSink appends dead-lettered messages to a date-segmented journal file
// and fsyncs each record before the consumer is allowed to ack.
type JournalSink struct {
	dir    string
	logger *log.Logger

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	fileDate string
}

// NewJournalSink creates the journal directory when absent.
func NewJournalSink(dir string, logger *log.Logger) (*JournalSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("dead-letter dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &JournalSink{dir: dir, logger: logger}, nil
}

// DeadLetter implements DeadLetter.
func (s *JournalSink) DeadLetter(ev event.Event, queue string, attempts int, cause error) error {
	rec := DeadLetterRecord{
		Event:      ev,
		Queue:      queue,
		Attempts:   attempts,
		RecordedAt: time.Now().UTC(),
	}
	if cause != nil {
		rec.Cause = cause.Error()
	}
	line, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateLocked(rec.RecordedAt); err != nil {
		return err
	}
	if _, err := s.writer.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.WithFields(log.Fields{
			"eventId":   ev.EventID,
			"eventType": ev.EventType,
			"queue":     queue,
			"attempts":  attempts,
		}).Warn("message dead-lettered")
	}
	return nil
}

func (s *JournalSink) rotateLocked(now time.Time) error {
	date := now.Format("2006-01-02")
	if s.file != nil && s.fileDate == date {
		return nil
	}
	if s.file != nil {
		s.writer.Flush()
		s.file.Close()
	}
	path := filepath.Join(s.dir, "deadletter-"+date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	s.fileDate = date
	return nil
}

// Close flushes and closes the current journal file.
func (s *JournalSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.writer.Flush()
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadJournal loads every record from the sink directory, oldest file first.
// It is used by operational tooling to inspect or re-drive failures.
func ReadJournal(dir string) ([]DeadLetterRecord, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "deadletter-*.jsonl"))
	if err != nil {
		return nil, err
	}
	var records []DeadLetterRecord
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var rec DeadLetterRecord
			if err := sonic.Unmarshal(scanner.Bytes(), &rec); err != nil {
				f.Close()
				return nil, fmt.Errorf("corrupt journal line in %s: %w", path, err)
			}
			records = append(records, rec)
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()
	}
	return records, nil
}

// DiscardSink drops dead-lettered messages after logging them. It preserves
// the legacy ack-and-drop behavior for deployments that accept the loss.
type DiscardSink struct {
	Logger *log.Logger
}

// DeadLetter implements DeadLetter.
func (s DiscardSink) DeadLetter(ev event.Event, queue string, attempts int, cause error) error {
	logger := s.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger.WithFields(log.Fields{
		"eventId":   ev.EventID,
		"eventType": ev.EventType,
		"queue":     queue,
		"attempts":  attempts,
	}).Error("message dropped after retry exhaustion")
	return nil
}
