package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/promptrelay/promptrelay/internal/ledger"
)

// Store wraps a ledger.Store with asynchronous batched writes so usage
// recording never sits on the finalize path. Entries may be lost if the
// process crashes before a flush.
type Store struct {
	underlying    ledger.Store
	entries       chan ledger.Entry
	batchSize     int
	flushInterval time.Duration
	logger        *log.Logger
	stop          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// Config configures the async ledger behavior.
type Config struct {
	BatchSize     int           // maximum entries per batch (default 100)
	FlushInterval time.Duration // maximum time between flushes (default 1s)
	ChannelBuffer int           // queue depth before entries are dropped (default 1024)
	Logger        *log.Logger
}

// New wraps an existing ledger store with async batch writing.
func New(underlying ledger.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 1024
	}
	s := &Store{
		underlying:    underlying,
		entries:       make(chan ledger.Entry, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
		stop:          make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// Record queues an entry for batched writing. It never blocks; when the
// queue is full the entry is dropped and logged.
func (s *Store) Record(_ context.Context, entry ledger.Entry) error {
	select {
	case s.entries <- entry:
	default:
		if s.logger != nil {
			s.logger.Printf("ledger queue full, dropping entry job=%s", entry.JobID)
		}
	}
	return nil
}

// Summary delegates to the underlying store.
func (s *Store) Summary(ctx context.Context, callerID int64) (ledger.Summary, error) {
	return s.underlying.Summary(ctx, callerID)
}

// ListRecent delegates to the underlying store.
func (s *Store) ListRecent(ctx context.Context, callerID int64, limit int) ([]ledger.Entry, error) {
	return s.underlying.ListRecent(ctx, callerID, limit)
}

// Close flushes queued entries and closes the underlying store.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
	return s.underlying.Close()
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]ledger.Entry, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for _, e := range batch {
			if err := s.underlying.Record(ctx, e); err != nil && s.logger != nil {
				s.logger.Printf("ledger write failed job=%s: %v", e.JobID, err)
			}
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.entries:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case e := <-s.entries:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}
