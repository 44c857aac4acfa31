// Package eventlog appends every broadcast event to a newline-delimited
// JSON journal with bounded buffering and rate limiting.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	BufferSize         = 1024                   // pending entries before the oldest are dropped
	MaxEventsPerSec    = 1000                   // global admission rate
	BatchFlushSize     = 64                     // entries per write batch
	BatchFlushInterval = 100 * time.Millisecond // how often to flush
)

// Entry is one journal line.
type Entry struct {
	Sequence uint64          `json:"seq"`
	Time     time.Time       `json:"ts"`
	Type     string          `json:"type"`
	Event    json.RawMessage `json:"event"`
}

// Journal is a broadcast sink that writes events to a file in the
// background. Forward never blocks on disk.
type Journal struct {
	limiter *rate.Limiter
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending []Entry
	seq     uint64

	file     *os.File
	w        *bufio.Writer
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool

	droppedCount atomic.Uint64
	writtenCount atomic.Uint64
}

// Open creates or appends to path and starts the writer.
func Open(path string, log zerolog.Logger) (*Journal, error) {
	if path == "" {
		return nil, errors.New("eventlog: path is required")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		limiter:  rate.NewLimiter(MaxEventsPerSec, MaxEventsPerSec/10),
		log:      log,
		now:      time.Now,
		pending:  make([]Entry, 0, BatchFlushSize),
		file:     f,
		w:        bufio.NewWriter(f),
		stopChan: make(chan struct{}),
	}
	j.running.Store(true)
	j.wg.Add(1)
	go j.writerLoop()
	return j, nil
}

// Forward queues one encoded event. Events over the rate limit, or beyond
// BufferSize pending entries, are dropped and counted.
func (j *Journal) Forward(kind string, data []byte) error {
	if !j.running.Load() {
		return nil
	}
	if !j.limiter.Allow() {
		j.droppedCount.Add(1)
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.pending) >= BufferSize {
		// Rolling window: drop the oldest
		j.pending = j.pending[1:]
		j.droppedCount.Add(1)
	}
	j.seq++
	j.pending = append(j.pending, Entry{
		Sequence: j.seq,
		Time:     j.now(),
		Type:     kind,
		Event:    append(json.RawMessage(nil), data...),
	})
	return nil
}

// Close flushes what is pending and closes the file.
func (j *Journal) Close() error {
	var err error
	j.stopOnce.Do(func() {
		j.running.Store(false)
		close(j.stopChan)
		j.wg.Wait()
		err = j.file.Close()
	})
	return err
}

func (j *Journal) writerLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(BatchFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopChan:
			for j.flush() > 0 {
			}
			return
		case <-ticker.C:
			j.flush()
		}
	}
}

// flush writes up to BatchFlushSize entries and returns how many it took.
func (j *Journal) flush() int {
	j.mu.Lock()
	n := min(len(j.pending), BatchFlushSize)
	batch := make([]Entry, n)
	copy(batch, j.pending[:n])
	j.pending = j.pending[n:]
	j.mu.Unlock()

	if n == 0 {
		return 0
	}
	for _, e := range batch {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		j.w.Write(line)
		j.w.WriteByte('\n')
	}
	if err := j.w.Flush(); err != nil {
		j.log.Warn().Err(err).Int("entries", n).Msg("event journal write failed")
		return n
	}
	j.writtenCount.Add(uint64(n))
	return n
}

// Stats returns journal counters.
func (j *Journal) Stats() map[string]interface{} {
	j.mu.Lock()
	pending := len(j.pending)
	j.mu.Unlock()

	return map[string]interface{}{
		"written": j.writtenCount.Load(),
		"dropped": j.droppedCount.Load(),
		"pending": pending,
		"running": j.running.Load(),
	}
}
