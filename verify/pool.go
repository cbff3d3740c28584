// Package verify off-loads SHA-1 piece verification to a bounded worker pool
// so hashing never stalls the swarm manager's event loop.
package verify

import (
	"context"
	"crypto/sha1"
	"errors"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueueCapacity = 128
	defaultChunkSize     = 1 << 18
	defaultShutdownGrace = 5 * time.Second
)

// ErrPoolClosed returns from Submit once the pool has begun shutting down.
var ErrPoolClosed = errors.New("verify: pool is closed")

// Events receives the outcome of a piece's hash check.
type Events interface {
	MarkVerified(pieceIndex int)
	MarkFailed(pieceIndex int)
}

// Config controls worker pool sizing and hashing granularity.
type Config struct {
	Workers       int
	QueueCapacity int
	ChunkSize     int
}

func (c Config) applyDefaults() Config {
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
		if c.Workers > 4 {
			c.Workers = 4
		}
		if c.Workers < 1 {
			c.Workers = 1
		}
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = defaultChunkSize
	}
	return c
}

type job struct {
	pieceIndex int
	data       []byte
	want       [20]byte
}

// Pool verifies completed pieces against their expected SHA-1 hash on a
// fixed number of background workers, reporting results via Events.
type Pool struct {
	config Config
	events Events
	logger *zap.SugaredLogger

	queue  chan job
	hashes func(pieceIndex int) ([20]byte, error)

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewPool starts a Pool of config.Workers goroutines. hashes resolves the
// expected SHA-1 for a piece index (typically core.TorrentInfo.PieceHash).
func NewPool(
	config Config,
	hashes func(pieceIndex int) ([20]byte, error),
	events Events,
	logger *zap.SugaredLogger,
) *Pool {
	config = config.applyDefaults()

	p := &Pool{
		config: config,
		events: events,
		logger: logger,
		queue:  make(chan job, config.QueueCapacity),
		hashes: hashes,
		closed: make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues piece data for verification, blocking if the queue is at
// capacity. Returns ErrPoolClosed if the pool is shutting down.
func (p *Pool) Submit(pieceIndex int, data []byte) error {
	select {
	case <-p.closed:
		return ErrPoolClosed
	default:
	}

	want, err := p.hashes(pieceIndex)
	if err != nil {
		return err
	}
	j := job{pieceIndex: pieceIndex, data: data, want: want}
	select {
	case p.queue <- j:
		return nil
	case <-p.closed:
		return ErrPoolClosed
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.queue:
			p.verify(j)
		case <-p.closed:
			return
		}
	}
}

func (p *Pool) verify(j job) {
	h := sha1.New()
	for off := 0; off < len(j.data); off += p.config.ChunkSize {
		end := off + p.config.ChunkSize
		if end > len(j.data) {
			end = len(j.data)
		}
		h.Write(j.data[off:end])
	}
	var sum [20]byte
	copy(sum[:], h.Sum(nil))

	if sum == j.want {
		p.events.MarkVerified(j.pieceIndex)
	} else {
		p.logger.Warnw("piece hash mismatch", "piece", j.pieceIndex)
		p.events.MarkFailed(j.pieceIndex)
	}
}

// Close stops accepting new work and waits up to a 5s grace period for
// in-flight workers to finish.
func (p *Pool) Close() error {
	return p.CloseContext(context.Background())
}

// CloseContext is Close with a caller-supplied context, for callers that
// want to fold pool shutdown into a larger cancellation tree.
func (p *Pool) CloseContext(ctx context.Context) error {
	p.closeOnce.Do(func() {
		close(p.closed)
	})

	ctx, cancel := context.WithTimeout(ctx, defaultShutdownGrace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("verify: workers did not finish within shutdown grace period")
	}
}
