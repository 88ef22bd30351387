package fcr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"

	"filpay/observability"
)

const (
	defaultPollInterval = time.Second
	// minPrepareFloor is the propagation guard of the L2 heuristic. It is the
	// safety claim itself, so configuration can raise it but never lower it.
	minPrepareFloor = 5 * time.Second
	certCacheSize   = 100
	// roundBumpWarn is the number of backup rounds in one instance after
	// which the monitor flags the network as contended.
	roundBumpWarn = 2
)

// Config tunes the monitor.
type Config struct {
	Enabled             bool
	PollInterval        time.Duration
	RequireRoundZero    bool
	MinTimeInPrepare    time.Duration
	ConfirmationTimeout time.Duration
}

// InstanceState is the monitor's view of the consensus subprotocol. Mutated
// only by the poller; everybody else reads copies.
type InstanceState struct {
	Instance   uint64    `json:"instance"`
	Round      uint64    `json:"round"`
	Phase      Phase     `json:"-"`
	PhaseName  string    `json:"phase"`
	PhaseStart time.Time `json:"phaseStart"`
	RoundBumps int       `json:"roundBumpsInInstance"`
}

// MappingStatus classifies how an instance relates to a target height.
type MappingStatus int

const (
	MappingPending MappingStatus = iota
	MappingActive
	MappingFinalized
)

// ConfirmationStatus is the result of evaluating one tipset height against
// the monitor's state.
type ConfirmationStatus struct {
	Level       Level  `json:"level"`
	Instance    uint64 `json:"instance"`
	Round       uint64 `json:"round"`
	Phase       string `json:"phase"`
	Finalized   bool   `json:"finalized"`
	Certificate uint64 `json:"certificateId,omitempty"`
}

type certEntry struct {
	cert      *Certificate
	finalized int64
}

// Monitor polls the consensus subprotocol and evaluates per-tipset
// confirmation levels. It never surfaces its own errors to callers: a failed
// poll keeps the previous sample and tries again next tick.
type Monitor struct {
	cfg    Config
	client Client
	log    *slog.Logger
	nowFn  func() time.Time

	mu         sync.RWMutex
	sampled    bool
	state      InstanceState
	latest     *certEntry
	certs      *lru.Cache[uint64, *certEntry]
	notify     chan struct{}
	fetchBusy  bool
	lastHealth error
}

// NewMonitor constructs a monitor. The client may be nil when disabled.
func NewMonitor(cfg Config, client Client, logger *slog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MinTimeInPrepare < minPrepareFloor {
		cfg.MinTimeInPrepare = minPrepareFloor
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg,
		client: client,
		log:    logger.With("component", "fcr"),
		nowFn:  time.Now,
		certs:  lru.NewCache[uint64, *certEntry](certCacheSize),
		notify: make(chan struct{}),
	}
}

// Enabled reports whether the monitor is polling.
func (m *Monitor) Enabled() bool {
	return m.cfg.Enabled && m.client != nil
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.PollInterval*3+time.Second)
	progress, err := m.client.GetProgress(callCtx)
	cancel()
	if err != nil {
		m.mu.Lock()
		m.lastHealth = err
		m.mu.Unlock()
		m.log.Debug("consensus progress unavailable", "err", err)
		return
	}

	now := m.nowFn()
	var fetchInstance uint64
	var fetch bool

	m.mu.Lock()
	m.lastHealth = nil
	prev := m.state
	switch {
	case !m.sampled || progress.Instance > prev.Instance:
		if m.sampled {
			// The previous instance is decided; pull its certificate off the
			// poller's critical path.
			fetchInstance = prev.Instance
			fetch = !m.fetchBusy
			if fetch {
				m.fetchBusy = true
			}
		}
		m.state = InstanceState{
			Instance:   progress.Instance,
			Round:      progress.Round,
			Phase:      progress.Phase,
			PhaseName:  progress.Phase.String(),
			PhaseStart: now,
		}
		m.sampled = true
	case progress.Round > prev.Round:
		m.state.Round = progress.Round
		m.state.Phase = progress.Phase
		m.state.PhaseName = progress.Phase.String()
		m.state.PhaseStart = now
		m.state.RoundBumps++
		observability.Facilitator().FCRRoundBumps.Inc()
		if m.state.RoundBumps >= roundBumpWarn {
			m.log.Warn("consensus instance needed backup rounds",
				"instance", progress.Instance, "round", progress.Round, "bumps", m.state.RoundBumps)
		}
	case progress.Phase != prev.Phase:
		m.state.Phase = progress.Phase
		m.state.PhaseName = progress.Phase.String()
		m.state.PhaseStart = now
	}
	state := m.state
	m.broadcastLocked()
	m.mu.Unlock()

	observability.Facilitator().FCRInstance.Set(float64(state.Instance))
	observability.Facilitator().FCRPhase.Set(float64(state.Phase))

	if fetch {
		go m.fetchLatestCertificate(ctx, fetchInstance)
	}
}

func (m *Monitor) fetchLatestCertificate(ctx context.Context, decided uint64) {
	defer func() {
		m.mu.Lock()
		m.fetchBusy = false
		m.mu.Unlock()
	}()
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cert, err := m.client.GetLatestCertificate(callCtx)
	if err != nil {
		m.log.Debug("latest certificate unavailable", "instance", decided, "err", err)
		return
	}
	m.storeCertificate(cert)
}

func (m *Monitor) storeCertificate(cert *Certificate) *certEntry {
	if cert == nil {
		return nil
	}
	entry := &certEntry{cert: cert, finalized: cert.FinalizedHeight()}
	m.certs.Add(cert.Instance, entry)
	m.mu.Lock()
	if m.latest == nil || cert.Instance >= m.latest.cert.Instance {
		m.latest = entry
	}
	m.broadcastLocked()
	m.mu.Unlock()
	return entry
}

// certificateFor reads through the cache to the node.
func (m *Monitor) certificateFor(ctx context.Context, instance uint64) *certEntry {
	if entry, ok := m.certs.Get(instance); ok {
		return entry
	}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cert, err := m.client.GetCertificate(callCtx, instance)
	if err != nil || cert == nil {
		return nil
	}
	return m.storeCertificate(cert)
}

// State returns the current instance snapshot and whether a sample exists.
func (m *Monitor) State() (InstanceState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.sampled
}

// Healthy reports whether the last poll succeeded.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sampled && m.lastHealth == nil
}

// MapHeight resolves which consensus instance covers the target height.
func (m *Monitor) MapHeight(ctx context.Context, height uint64) (uint64, MappingStatus) {
	m.mu.RLock()
	latest := m.latest
	state, sampled := m.state, m.sampled
	m.mu.RUnlock()

	if latest != nil && latest.finalized >= int64(height) {
		return latest.cert.Instance, MappingFinalized
	}
	if !sampled {
		return 0, MappingPending
	}
	if entry := m.certificateFor(ctx, state.Instance); entry != nil {
		if entry.finalized >= int64(height) {
			return state.Instance, MappingFinalized
		}
		// The current instance is already decided and does not cover the
		// height; the next instance will.
		return state.Instance + 1, MappingPending
	}
	return state.Instance, MappingActive
}

// Evaluate computes the confirmation status for a tipset height. It is a
// pure function of the monitor's snapshot, the cache, and the clock; it
// never reports L0.
func (m *Monitor) Evaluate(ctx context.Context, height uint64) ConfirmationStatus {
	instance, mapping := m.MapHeight(ctx, height)
	state, _ := m.State()

	switch mapping {
	case MappingFinalized:
		return ConfirmationStatus{
			Level:       LevelL3,
			Instance:    instance,
			Finalized:   true,
			Certificate: instance,
		}
	case MappingActive:
		if instance == state.Instance {
			return ConfirmationStatus{
				Level:    m.phaseLevel(state),
				Instance: state.Instance,
				Round:    state.Round,
				Phase:    state.Phase.String(),
			}
		}
		return ConfirmationStatus{Level: LevelL1, Instance: instance}
	default:
		return ConfirmationStatus{Level: LevelL1, Instance: instance}
	}
}

// phaseLevel applies the FCR-safe heuristic to the active instance.
func (m *Monitor) phaseLevel(state InstanceState) Level {
	switch {
	case state.Phase >= PhaseDecide:
		return LevelL3
	case state.Phase == PhaseCommit:
		return LevelL2
	case state.Phase == PhasePrepare:
		if m.cfg.RequireRoundZero && state.Round != 0 {
			return LevelL1
		}
		if m.nowFn().Sub(state.PhaseStart) >= m.cfg.MinTimeInPrepare {
			return LevelL2
		}
		return LevelL1
	default:
		return LevelL1
	}
}

// TopLevel is the level the active instance currently provides, served by
// GET /fcr/status and awaited by GET /fcr/wait.
func (m *Monitor) TopLevel() Level {
	state, sampled := m.State()
	if !sampled {
		return LevelL0
	}
	return m.phaseLevel(state)
}

// WaitForLevel blocks until the top level reaches the requested level or the
// context expires. ConfirmationTimeout, when set, caps the wait regardless
// of the caller's context.
func (m *Monitor) WaitForLevel(ctx context.Context, level Level) error {
	if m.cfg.ConfirmationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ConfirmationTimeout)
		defer cancel()
	}
	for {
		if m.TopLevel() >= level {
			return nil
		}
		m.mu.RLock()
		ch := m.notify
		m.mu.RUnlock()
		// The PREPARE guard advances on the clock alone, so cap the wait.
		timer := time.NewTimer(500 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// broadcastLocked wakes every WaitForLevel waiter. Callers hold m.mu.
func (m *Monitor) broadcastLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}
