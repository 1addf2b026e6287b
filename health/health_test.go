package health

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	samples []string
	calls   int
	err     error
}

func (s *scriptedSource) NodeRegistrationStatus() ([]byte, error) {
	i := s.calls
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if i >= len(s.samples) {
		i = len(s.samples) - 1
	}
	return []byte(s.samples[i]), nil
}

func sample(registered, total int) string {
	return fmt.Sprintf(`{"NumberOfNodesRegistered":%d,"NumberOfNodes":%d}`, registered, total)
}

func newTestChecker(src StatusSource, slept *int) *Checker {
	return NewChecker(src, Options{
		Sleep: func(_ context.Context, d time.Duration) error {
			if slept != nil {
				*slept++
			}
			return nil
		},
	})
}

func TestCheckPassesImmediately(t *testing.T) {
	src := &scriptedSource{samples: []string{sample(90, 100)}}
	slept := 0
	c := newTestChecker(src, &slept)

	require.NoError(t, c.Check(context.Background()))
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 0, slept, "no retries expected")
}

func TestCheckExactThresholdPasses(t *testing.T) {
	src := &scriptedSource{samples: []string{sample(85, 100)}}
	c := newTestChecker(src, nil)

	require.NoError(t, c.Check(context.Background()))
	assert.Equal(t, 1, src.calls)
}

func TestCheckJustBelowThresholdRetries(t *testing.T) {
	// 8499/10000 = 0.8499
	src := &scriptedSource{samples: []string{sample(8499, 10000), sample(8500, 10000)}}
	slept := 0
	c := newTestChecker(src, &slept)

	require.NoError(t, c.Check(context.Background()))
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, 1, slept)
}

func TestCheckGivesUpAfterFourRetries(t *testing.T) {
	src := &scriptedSource{samples: []string{sample(50, 100)}}
	slept := 0
	c := newTestChecker(src, &slept)

	err := c.Check(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetworkNotHealthy)
	assert.Equal(t, 5, src.calls, "first sample plus four retries")
	assert.Equal(t, 4, slept)
}

func TestCheckZeroTotalFails(t *testing.T) {
	src := &scriptedSource{samples: []string{sample(0, 0)}}
	c := newTestChecker(src, nil)
	assert.ErrorIs(t, c.Check(context.Background()), ErrNetworkNotHealthy)
}

func TestCheckSourceErrorCountsAsFailure(t *testing.T) {
	src := &scriptedSource{err: errors.New("engine offline")}
	c := newTestChecker(src, nil)

	err := c.Check(context.Background())
	assert.ErrorIs(t, err, ErrNetworkNotHealthy)
	assert.Equal(t, 5, src.calls)
}

func TestCheckCancelled(t *testing.T) {
	src := &scriptedSource{samples: []string{sample(1, 100)}}
	c := NewChecker(src, Options{RetryDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Check(ctx), context.Canceled)
}

func TestStatusRatio(t *testing.T) {
	assert.Equal(t, 0.0, Status{}.Ratio())
	assert.InDelta(t, 0.9, Status{Registered: 9, Total: 10}.Ratio(), 1e-9)
}
