package bandwidth

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReserveEgressWithinBudget(t *testing.T) {
	l := NewLimiter(Config{
		EgressBitsPerSec: 1 << 20,
		TokenSize:        1,
	}, zap.NewNop().Sugar())

	require.NoError(t, l.ReserveEgress(64))
}

func TestReserveEgressExceedsBurst(t *testing.T) {
	l := NewLimiter(Config{
		EgressBitsPerSec: 8,
		TokenSize:        1,
	}, zap.NewNop().Sugar())

	err := l.ReserveEgress(1 << 30)
	require.Error(t, err)
}

func TestDisabledLimiterNeverBlocks(t *testing.T) {
	l := NewLimiter(Config{Disable: true}, zap.NewNop().Sugar())
	require.NoError(t, l.ReserveEgress(1<<30))
	require.NoError(t, l.ReserveIngress(1<<30))
}
