package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/connectgate/contract"
	"github.com/c360/connectgate/discovery"
	"github.com/c360/connectgate/errors"
	"github.com/c360/connectgate/health"
	"github.com/c360/connectgate/metric"
)

// State is the lifecycle state of the served registry
type State int32

// Registry states
const (
	StateUninitialized State = iota
	StateDiscovering
	StateReady
	StateReloading
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	case StateReloading:
		return "reloading"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Serving reports whether a registry is available in this state
func (s State) Serving() bool {
	return s == StateReady || s == StateReloading
}

// Outcome of a reload
type Outcome string

// Reload outcomes
const (
	OutcomeSwapped   Outcome = "swapped"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// Report describes one discovery run
type Report struct {
	Outcome     Outcome       `json:"outcome"`
	Fingerprint string        `json:"fingerprint"`
	Services    int           `json:"services"`
	Contracts   int           `json:"contracts"`
	Skipped     []string      `json:"skipped,omitempty"`
	Duration    time.Duration `json:"duration"`
	At          time.Time     `json:"at"`
	Err         error         `json:"-"`
}

// Error returns the failure message, or an empty string
func (r Report) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Discoverer builds a complete registry
type Discoverer interface {
	Discover(ctx context.Context) (*discovery.Result, error)
}

// SwapFunc is notified with the new registry after every swap
type SwapFunc func(reg *contract.Registry)

// Holder owns the served registry. Readers load the current snapshot
// without locking; Initialize and Reload are serialized and replace the
// snapshot in one atomic store.
type Holder struct {
	discoverer Discoverer
	logger     *slog.Logger
	metrics    *metric.Metrics

	current atomic.Pointer[contract.Registry]
	state   atomic.Int32

	// mu serializes writers and guards last
	mu   sync.Mutex
	last Report

	subsMu sync.RWMutex
	subs   []SwapFunc
}

// Option configures a Holder
type Option func(*Holder)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Holder) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records state and reload outcomes
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(h *Holder) {
		if reg != nil {
			h.metrics = reg.CoreMetrics()
		}
	}
}

// NewHolder creates an uninitialized holder
func NewHolder(d Discoverer, opts ...Option) *Holder {
	h := &Holder{discoverer: d, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "registry")
	return h
}

// State returns the current state
func (h *Holder) State() State {
	return State(h.state.Load())
}

func (h *Holder) setState(s State) {
	h.state.Store(int32(s))
	if h.metrics != nil {
		h.metrics.RecordRegistryState(int(s))
	}
}

// Current returns the served registry, or nil before the first successful
// discovery.
func (h *Holder) Current() *contract.Registry {
	return h.current.Load()
}

// Resolve looks up a contract in the served registry
func (h *Holder) Resolve(service, method string) (*contract.Contract, error) {
	reg := h.Current()
	if reg == nil {
		return nil, errors.New(errors.KindNotReady, "no contract registry is being served")
	}
	return reg.Resolve(service, method)
}

// LastReport returns the outcome of the most recent discovery run
func (h *Holder) LastReport() Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// OnSwap registers fn to run after every swap, including the initial one
func (h *Holder) OnSwap(fn SwapFunc) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	h.subs = append(h.subs, fn)
}

func (h *Holder) notify(reg *contract.Registry) {
	h.subsMu.RLock()
	subs := append([]SwapFunc(nil), h.subs...)
	h.subsMu.RUnlock()
	for _, fn := range subs {
		fn(reg)
	}
}

// Initialize runs the first discovery. On failure the holder moves to
// StateFailed and never serves.
func (h *Holder) Initialize(ctx context.Context) (Report, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s := h.State(); s != StateUninitialized {
		return Report{}, fmt.Errorf("registry already initialized (state %s)", s)
	}
	h.setState(StateDiscovering)

	report, reg := h.discover(ctx)
	h.last = report
	if report.Err != nil {
		h.setState(StateFailed)
		h.logger.Error("Initial discovery failed", "error", report.Err)
		return report, report.Err
	}

	report.Outcome = OutcomeSwapped
	h.last = report
	h.swap(reg)
	h.logger.Info("Registry ready",
		"services", report.Services,
		"contracts", report.Contracts,
		"fingerprint", short(report.Fingerprint))
	return report, nil
}

// Reload builds a replacement registry and swaps it in when it differs
// from the served one. On failure the served registry stays in place and
// the error is returned in the report.
func (h *Holder) Reload(ctx context.Context) (Report, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s := h.State(); s != StateReady {
		return Report{}, errors.New(errors.KindNotReady, "cannot reload in state %s", s)
	}
	h.setState(StateReloading)
	defer h.setState(StateReady)

	report, reg := h.discover(ctx)
	if report.Err != nil {
		report.Outcome = OutcomeFailed
		h.last = report
		h.recordReload(report)
		h.logger.Warn("Reload failed, keeping current registry", "error", report.Err)
		return report, report.Err
	}

	if reg.Fingerprint() == h.Current().Fingerprint() {
		report.Outcome = OutcomeUnchanged
		h.last = report
		h.recordReload(report)
		h.logger.Info("Reload found no changes", "fingerprint", short(report.Fingerprint))
		return report, nil
	}

	report.Outcome = OutcomeSwapped
	h.last = report
	h.recordReload(report)
	h.swap(reg)
	h.logger.Info("Registry swapped",
		"services", report.Services,
		"contracts", report.Contracts,
		"fingerprint", short(report.Fingerprint))
	return report, nil
}

func (h *Holder) discover(ctx context.Context) (Report, *contract.Registry) {
	start := time.Now()
	res, err := h.discoverer.Discover(ctx)
	report := Report{Duration: time.Since(start), At: time.Now()}
	if err != nil {
		report.Err = err
		return report, nil
	}
	report.Fingerprint = res.Registry.Fingerprint()
	report.Services = len(res.Registry.Services())
	report.Contracts = res.Registry.Len()
	report.Skipped = res.Skipped
	return report, res.Registry
}

func (h *Holder) swap(reg *contract.Registry) {
	h.current.Store(reg)
	h.setState(StateReady)
	if h.metrics != nil {
		h.metrics.RecordRegistrySize(len(reg.Services()), reg.Len())
	}
	h.notify(reg)
}

func (h *Holder) recordReload(r Report) {
	if h.metrics != nil {
		h.metrics.RecordReload(string(r.Outcome))
	}
}

// Probe reports registry health: unhealthy until a registry is served,
// degraded while the last reload failed.
func (h *Holder) Probe(context.Context) health.Status {
	const name = "registry"
	state := h.State()
	if !state.Serving() {
		return health.NewUnhealthy(name, "registry "+state.String())
	}
	last := h.LastReport()
	if last.Outcome == OutcomeFailed {
		return health.NewDegraded(name, "last reload failed: "+last.Error())
	}
	reg := h.Current()
	return health.NewHealthy(name, fmt.Sprintf("%d services, %d contracts", len(reg.Services()), reg.Len()))
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
