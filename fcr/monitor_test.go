package fcr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubClient struct {
	mu       sync.Mutex
	progress Progress
	progErr  error
	certs    map[uint64]*Certificate
}

func (s *stubClient) GetProgress(context.Context) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress, s.progErr
}

func (s *stubClient) GetCertificate(_ context.Context, instance uint64) (*Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cert, ok := s.certs[instance]; ok {
		return cert, nil
	}
	return nil, errors.New("not decided")
}

func (s *stubClient) GetLatestCertificate(context.Context) (*Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Certificate
	for _, cert := range s.certs {
		if best == nil || cert.Instance > best.Instance {
			best = cert
		}
	}
	if best == nil {
		return nil, errors.New("no certificates")
	}
	return best, nil
}

func (s *stubClient) GetManifest(context.Context) (*Manifest, error) {
	return &Manifest{NetworkName: "testnet"}, nil
}

func (s *stubClient) set(p Progress) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

func (s *stubClient) decide(instance uint64, height int64) {
	s.mu.Lock()
	if s.certs == nil {
		s.certs = make(map[uint64]*Certificate)
	}
	s.certs[instance] = &Certificate{Instance: instance, ECChain: []ECTipset{{Epoch: height}}}
	s.mu.Unlock()
}

func newTestMonitor(client Client, requireRoundZero bool) (*Monitor, *time.Time) {
	m := NewMonitor(Config{
		Enabled:          true,
		PollInterval:     time.Second,
		RequireRoundZero: requireRoundZero,
	}, client, nil)
	now := time.Now()
	m.nowFn = func() time.Time { return now }
	return m, &now
}

func TestPhaseLevels(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{}
	m, now := newTestMonitor(client, true)

	tests := []struct {
		name     string
		progress Progress
		elapse   time.Duration
		want     Level
	}{
		{"quality", Progress{Instance: 1, Phase: PhaseQuality}, 0, LevelL1},
		{"converge", Progress{Instance: 2, Phase: PhaseConverge}, 0, LevelL1},
		{"prepare young", Progress{Instance: 3, Phase: PhasePrepare}, time.Second, LevelL1},
		{"prepare aged", Progress{Instance: 4, Phase: PhasePrepare}, 6 * time.Second, LevelL2},
		{"commit", Progress{Instance: 5, Phase: PhaseCommit}, 0, LevelL2},
		{"decide", Progress{Instance: 6, Phase: PhaseDecide}, 0, LevelL3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client.set(tc.progress)
			m.poll(ctx)
			*now = now.Add(tc.elapse)
			require.Equal(t, tc.want, m.TopLevel())
		})
	}
}

func TestRoundBumpDemotesPrepare(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{}
	m, now := newTestMonitor(client, true)

	client.set(Progress{Instance: 9, Round: 0, Phase: PhasePrepare})
	m.poll(ctx)
	*now = now.Add(10 * time.Second)
	require.Equal(t, LevelL2, m.TopLevel())

	// A backup round restarts PREPARE; with requireRoundZero the instance
	// cannot re-qualify until COMMIT.
	client.set(Progress{Instance: 9, Round: 1, Phase: PhasePrepare})
	m.poll(ctx)
	*now = now.Add(10 * time.Second)
	require.Equal(t, LevelL1, m.TopLevel())

	state, sampled := m.State()
	require.True(t, sampled)
	require.Equal(t, 1, state.RoundBumps)

	client.set(Progress{Instance: 9, Round: 1, Phase: PhaseCommit})
	m.poll(ctx)
	require.Equal(t, LevelL2, m.TopLevel())
}

func TestPrepareAgedWithoutRoundZeroRequirement(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{}
	m, now := newTestMonitor(client, false)

	client.set(Progress{Instance: 3, Round: 2, Phase: PhasePrepare})
	m.poll(ctx)
	*now = now.Add(6 * time.Second)
	require.Equal(t, LevelL2, m.TopLevel())
}

func TestEvaluateMapsHeights(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{}
	m, _ := newTestMonitor(client, true)

	// No sample yet: pending mapping, conservative L1.
	status := m.Evaluate(ctx, 100)
	require.Equal(t, LevelL1, status.Level)

	client.set(Progress{Instance: 7, Round: 0, Phase: PhaseCommit})
	m.poll(ctx)

	// Active instance, COMMIT phase.
	status = m.Evaluate(ctx, 100)
	require.Equal(t, LevelL2, status.Level)
	require.Equal(t, uint64(7), status.Instance)
	require.Equal(t, "COMMIT", status.Phase)

	// A certificate covering the height finalizes it.
	client.decide(7, 100)
	status = m.Evaluate(ctx, 100)
	require.Equal(t, LevelL3, status.Level)
	require.True(t, status.Finalized)

	// Heights above the certificate stay unfinalized.
	status = m.Evaluate(ctx, 101)
	require.NotEqual(t, LevelL3, status.Level)
}

func TestCertificateCacheServesRepeatLookups(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{}
	m, _ := newTestMonitor(client, true)

	client.set(Progress{Instance: 7, Round: 0, Phase: PhaseCommit})
	m.poll(ctx)
	client.decide(7, 100)

	require.Equal(t, LevelL3, m.Evaluate(ctx, 100).Level)

	// Remove the node-side certificate; the cache keeps answering.
	client.mu.Lock()
	client.certs = nil
	client.mu.Unlock()
	require.Equal(t, LevelL3, m.Evaluate(ctx, 100).Level)
}

func TestPollFailureKeepsPreviousSample(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{}
	m, _ := newTestMonitor(client, true)

	client.set(Progress{Instance: 4, Phase: PhaseCommit})
	m.poll(ctx)
	require.True(t, m.Healthy())

	client.mu.Lock()
	client.progErr = errors.New("node down")
	client.mu.Unlock()
	m.poll(ctx)
	require.False(t, m.Healthy())
	require.Equal(t, LevelL2, m.TopLevel())
}

func TestWaitForLevel(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{}
	m, _ := newTestMonitor(client, true)

	client.set(Progress{Instance: 4, Phase: PhaseQuality})
	m.poll(ctx)

	// Already satisfied: returns immediately.
	require.NoError(t, m.WaitForLevel(ctx, LevelL1))

	// Timeout while the network sits below the requested level.
	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.WaitForLevel(timeoutCtx, LevelL3), context.DeadlineExceeded)

	// A poll that reaches the level wakes the waiter.
	done := make(chan error, 1)
	go func() { done <- m.WaitForLevel(ctx, LevelL3) }()
	time.Sleep(20 * time.Millisecond)
	client.set(Progress{Instance: 4, Phase: PhaseDecide})
	m.poll(ctx)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake")
	}
}

func TestWaitForLevelCapsAtConfirmationTimeout(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{}
	m := NewMonitor(Config{
		Enabled:             true,
		PollInterval:        time.Second,
		ConfirmationTimeout: 30 * time.Millisecond,
	}, client, nil)

	client.set(Progress{Instance: 4, Phase: PhaseQuality})
	m.poll(ctx)

	// No caller deadline: the configured timeout bounds the wait anyway.
	start := time.Now()
	require.ErrorIs(t, m.WaitForLevel(ctx, LevelL3), context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestMinPrepareFloorIsClamped(t *testing.T) {
	m := NewMonitor(Config{Enabled: true, MinTimeInPrepare: time.Second}, &stubClient{}, nil)
	require.Equal(t, 5*time.Second, m.cfg.MinTimeInPrepare)
}

func TestDisabledMonitorReportsL0(t *testing.T) {
	m := NewMonitor(Config{}, nil, nil)
	require.False(t, m.Enabled())
	require.Equal(t, LevelL0, m.TopLevel())
}
