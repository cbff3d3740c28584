package verify

import (
	"crypto/sha1"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEvents struct {
	mu       sync.Mutex
	verified []int
	failed   []int
	done     chan struct{}
}

func newFakeEvents(expect int) *fakeEvents {
	return &fakeEvents{done: make(chan struct{}, expect)}
}

func (f *fakeEvents) MarkVerified(index int) {
	f.mu.Lock()
	f.verified = append(f.verified, index)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeEvents) MarkFailed(index int) {
	f.mu.Lock()
	f.failed = append(f.failed, index)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func TestPoolVerifiesMatchingHash(t *testing.T) {
	require := require.New(t)

	data := []byte("hello world, this is a piece of data")
	want := sha1.Sum(data)

	events := newFakeEvents(1)
	pool := NewPool(Config{Workers: 1, ChunkSize: 8}, func(int) ([20]byte, error) {
		return want, nil
	}, events, zap.NewNop().Sugar())
	defer pool.Close()

	require.NoError(pool.Submit(0, data))
	<-events.done

	require.Equal([]int{0}, events.verified)
	require.Empty(events.failed)
}

func TestPoolReportsFailedOnMismatch(t *testing.T) {
	require := require.New(t)

	events := newFakeEvents(1)
	pool := NewPool(Config{Workers: 1}, func(int) ([20]byte, error) {
		return [20]byte{0xFF}, nil
	}, events, zap.NewNop().Sugar())
	defer pool.Close()

	require.NoError(pool.Submit(0, []byte("corrupt data")))
	<-events.done

	require.Equal([]int{0}, events.failed)
	require.Empty(events.verified)
}

func TestPoolCloseStopsAcceptingWork(t *testing.T) {
	require := require.New(t)

	events := newFakeEvents(0)
	pool := NewPool(Config{Workers: 1}, func(int) ([20]byte, error) {
		return [20]byte{}, nil
	}, events, zap.NewNop().Sugar())

	require.NoError(pool.Close())
	err := pool.Submit(0, []byte("too late"))
	require.ErrorIs(err, ErrPoolClosed)
}
