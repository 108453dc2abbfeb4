package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mgiraud/papermill/internal/chunker"
	"github.com/mgiraud/papermill/internal/notify"
	"github.com/mgiraud/papermill/internal/store"
)

// chunkOp is one chunk write queued for the index.
type chunkOp struct {
	taskID string
	chunk  *chunker.TextChunk
	result chan<- error
}

// SinkConfig configures the chunk index sink.
type SinkConfig struct {
	Store *store.Store
	Hub   *notify.Hub

	BatchSize     int           // flush after N chunks (default 64)
	FlushInterval time.Duration // or after this long (default 2s)
	QueueSize     int           // queue buffer (default 512)

	Logger *slog.Logger
}

// Sink batches chunk writes to the store so indexing a large document
// does not serialize the pipeline on per-chunk commits. Writes for one
// task are applied in enqueue order.
type Sink struct {
	store  *store.Store
	hub    *notify.Hub
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	queue   chan chunkOp
	batch   []chunkOp
	batchMu sync.Mutex
	flushCh chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSink creates a chunk index sink.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		store:         cfg.Store,
		hub:           cfg.Hub,
		logger:        logger.With("component", "sink"),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan chunkOp, cfg.QueueSize),
		batch:         make([]chunkOp, 0, cfg.BatchSize),
		flushCh:       make(chan struct{}, 1),
	}
}

// Start begins processing queued chunks.
func (s *Sink) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runBatcher()
}

// Stop drains the queue, flushes the remaining batch, and shuts down.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		close(s.queue)
		s.wg.Wait()
		s.cancel()
		s.logger.Info("sink stopped")
	})
}

// Enqueue queues one chunk write, fire-and-forget.
func (s *Sink) Enqueue(taskID string, chunk *chunker.TextChunk) {
	defer func() {
		if recover() != nil {
			s.logger.Warn("sink closed, dropping chunk", "task_id", taskID, "chunk_id", chunk.ID)
		}
	}()
	select {
	case s.queue <- chunkOp{taskID: taskID, chunk: chunk}:
	case <-s.ctx.Done():
		s.logger.Warn("sink closed, dropping chunk", "task_id", taskID, "chunk_id", chunk.ID)
	}
}

// EnqueueWait queues one chunk write and waits for it to commit. Queue
// order is preserved, so waiting on a task's final chunk implies every
// earlier chunk of that task has been written.
func (s *Sink) EnqueueWait(ctx context.Context, taskID string, chunk *chunker.TextChunk) error {
	resultCh := make(chan error, 1)

	select {
	case s.queue <- chunkOp{taskID: taskID, chunk: chunk, result: resultCh}:
	case <-s.ctx.Done():
		return fmt.Errorf("sink closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	s.signalFlush()

	select {
	case err := <-resultCh:
		return err
	case <-s.ctx.Done():
		return fmt.Errorf("sink closed while waiting for chunk write")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) signalFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Sink) runBatcher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case op, ok := <-s.queue:
			if !ok {
				s.flushBatch()
				return
			}
			s.addToBatch(op)

		case <-ticker.C:
			s.flushBatch()

		case <-s.flushCh:
			// Drain anything already queued so a waiter's op is in the
			// batch before the flush runs.
			for {
				select {
				case op, ok := <-s.queue:
					if !ok {
						s.flushBatch()
						return
					}
					s.addToBatch(op)
					continue
				default:
				}
				break
			}
			s.flushBatch()
		}
	}
}

func (s *Sink) addToBatch(op chunkOp) {
	s.batchMu.Lock()
	s.batch = append(s.batch, op)
	full := len(s.batch) >= s.batchSize
	s.batchMu.Unlock()

	if full {
		s.flushBatch()
	}
}

func (s *Sink) flushBatch() {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	ops := s.batch
	s.batch = make([]chunkOp, 0, s.batchSize)
	s.batchMu.Unlock()

	s.logger.Debug("flushing chunk batch", "count", len(ops))

	for _, op := range ops {
		err := s.store.PutChunk(context.Background(), op.taskID, op.chunk.ID, op.chunk)
		if err != nil {
			s.logger.Error("chunk write failed", "task_id", op.taskID, "chunk_id", op.chunk.ID, "error", err)
		} else if s.hub != nil {
			s.hub.Publish(notify.Event{TaskID: op.taskID, Kind: notify.KindChunkIndexed, Payload: op.chunk.ID})
		}
		if op.result != nil {
			op.result <- err
			close(op.result)
		}
	}
}
