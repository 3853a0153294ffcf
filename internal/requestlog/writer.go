package requestlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"go.uber.org/zap"
)

// Sink persists a batch of admission log entries.
type Sink interface {
	CreateBatch(ctx context.Context, logs []models.AdmissionLog) error
}

// Writer batches admission log entries in the background. Enqueue never blocks:
// entries are dropped when the buffer is full.
type Writer struct {
	sink          Sink
	logger        *zap.Logger
	entries       chan models.AdmissionLog
	batchSize     int
	flushInterval time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   atomic.Int64
}

type Config struct {
	BufferSize    int           // Default: 1000
	BatchSize     int           // Default: 100
	FlushInterval time.Duration // Default: 5 seconds
}

func NewWriter(sink Sink, cfg Config, logger *zap.Logger) *Writer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Writer{
		sink:          sink,
		logger:        logger,
		entries:       make(chan models.AdmissionLog, cfg.BufferSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		done:          make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run()

	return w
}

// Enqueue reports whether the entry was accepted.
func (w *Writer) Enqueue(entry models.AdmissionLog) bool {
	select {
	case <-w.done:
		return false
	default:
	}

	select {
	case w.entries <- entry:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close stops accepting entries and flushes what is buffered, or gives up when ctx ends.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() { close(w.done) })

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer w.wg.Done()

	batch := make([]models.AdmissionLog, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.insert(batch)
		batch = make([]models.AdmissionLog, 0, w.batchSize)
	}

	for {
		select {
		case entry := <-w.entries:
			batch = append(batch, entry)
			if len(batch) >= w.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			for {
				select {
				case entry := <-w.entries:
					batch = append(batch, entry)
					if len(batch) >= w.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) insert(batch []models.AdmissionLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.sink.CreateBatch(ctx, batch); err != nil {
		w.logger.Error("failed to insert admission logs", zap.Int("count", len(batch)), zap.Error(err))
	}
}
