package keeper

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// Status is a keeper's registry state. Only Active keepers receive work.
type Status int

const (
	StatusActive Status = iota
	StatusSuspended
	StatusSlashed
	StatusInactive
	StatusDeactivated
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusSuspended:
		return "Suspended"
	case StatusSlashed:
		return "Slashed"
	case StatusInactive:
		return "Inactive"
	case StatusDeactivated:
		return "Deactivated"
	}
	return "Unknown"
}

// EvidenceKind identifies a slashable offense.
type EvidenceKind int

const (
	EvidenceMissedLiquidation EvidenceKind = iota
	EvidenceInvalidExecution
	EvidenceExtendedDowntime
)

func (k EvidenceKind) String() string {
	switch k {
	case EvidenceMissedLiquidation:
		return "MissedLiquidation"
	case EvidenceInvalidExecution:
		return "InvalidExecution"
	case EvidenceExtendedDowntime:
		return "ExtendedDowntime"
	}
	return "Unknown"
}

// Keeper is one registered liquidator agent.
type Keeper struct {
	ID       string
	Operator string

	// Stake is held in micro-units. Score is in basis points of the
	// maximum, so priority = stake * score / 10000.
	Stake int64
	Score int64

	Specializations []string
	Status          Status

	Successes           int64
	Failures            int64
	ConsecutiveFailures int

	seq          uint64
	RegisteredAt time.Time
}

// HasSpecialization reports whether the keeper holds the named capability.
// An empty requirement matches every keeper.
func (k *Keeper) HasSpecialization(spec string) bool {
	if spec == "" {
		return true
	}
	for _, s := range k.Specializations {
		if s == spec {
			return true
		}
	}
	return false
}

// RegistryConfig holds the coordinator's staking and scoring parameters.
type RegistryConfig struct {
	MinStake     int64 // micro-units
	InitialScore int64
	MaxScore     int64

	// Scoring is asymmetric: failures cost more than successes earn.
	SuccessStep int64
	FailureStep int64

	SuspendScore           int64
	MaxConsecutiveFailures int

	SlashBps map[EvidenceKind]int64
}

// DefaultRegistryConfig returns production staking and scoring parameters.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MinStake:               10_000 * 1_000_000,
		InitialScore:           5000,
		MaxScore:               10000,
		SuccessStep:            100,
		FailureStep:            500,
		SuspendScore:           2500,
		MaxConsecutiveFailures: 3,
		SlashBps: map[EvidenceKind]int64{
			EvidenceMissedLiquidation: 500,
			EvidenceInvalidExecution:  1000,
			EvidenceExtendedDowntime:  200,
		},
	}
}

// Registry tracks keeper stake, performance and eligibility. Outcome reports
// arrive from transport callbacks, so the registry carries its own lock.
type Registry struct {
	cfg    RegistryConfig
	logger log.Logger

	mu      sync.RWMutex
	keepers map[string]*Keeper
	nextSeq uint64
}

// NewRegistry creates an empty keeper registry.
func NewRegistry(cfg RegistryConfig, logger log.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		keepers: make(map[string]*Keeper),
	}
}

// Register admits a keeper with the mid-range starting score. New entrants
// are neither trusted fully nor cold-started at zero.
func (r *Registry) Register(id, operator string, stake int64, specializations ...string) (*Keeper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keepers[id]; ok {
		return nil, ErrAlreadyRegistered
	}
	if stake < r.cfg.MinStake {
		return nil, ErrInsufficientStake
	}

	k := &Keeper{
		ID:              id,
		Operator:        operator,
		Stake:           stake,
		Score:           r.cfg.InitialScore,
		Specializations: specializations,
		Status:          StatusActive,
		seq:             r.nextSeq,
		RegisteredAt:    time.Now(),
	}
	r.nextSeq++
	r.keepers[id] = k

	r.logger.Info("keeper registered",
		"keeper", id,
		"operator", operator,
		"stake", stake,
		"specializations", len(specializations))
	return k, nil
}

// Get returns a copy of the keeper record.
func (r *Registry) Get(id string) (Keeper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keepers[id]
	if !ok {
		return Keeper{}, ErrKeeperNotFound
	}
	return *k, nil
}

// Priority returns stake * score / 10000 for work ordering.
func (r *Registry) Priority(id string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keepers[id]
	if !ok {
		return 0, ErrKeeperNotFound
	}
	return priority(k)
}

func priority(k *Keeper) (int64, error) {
	p := new(big.Int).Mul(big.NewInt(k.Stake), big.NewInt(k.Score))
	p.Quo(p, big.NewInt(10000))
	if !p.IsInt64() {
		return 0, ErrOverflow
	}
	return p.Int64(), nil
}

// RankFor returns the active keepers holding the given specialization,
// highest priority first, ties broken by earliest registration.
func (r *Registry) RankFor(specialization string) []Keeper {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type ranked struct {
		k *Keeper
		p int64
	}
	var eligible []ranked
	for _, k := range r.keepers {
		if k.Status != StatusActive || !k.HasSpecialization(specialization) {
			continue
		}
		p, err := priority(k)
		if err != nil {
			continue
		}
		eligible = append(eligible, ranked{k, p})
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].p != eligible[j].p {
			return eligible[i].p > eligible[j].p
		}
		return eligible[i].k.seq < eligible[j].k.seq
	})

	out := make([]Keeper, len(eligible))
	for i, e := range eligible {
		out[i] = *e.k
	}
	return out
}

// RecordOutcome adjusts a keeper's score after an execution attempt.
// A score below the suspension threshold, or too many consecutive failures,
// forces Suspended.
func (r *Registry) RecordOutcome(id string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.keepers[id]
	if !ok {
		return ErrKeeperNotFound
	}

	if success {
		k.Successes++
		k.ConsecutiveFailures = 0
		k.Score += r.cfg.SuccessStep
		if k.Score > r.cfg.MaxScore {
			k.Score = r.cfg.MaxScore
		}
		return nil
	}

	k.Failures++
	k.ConsecutiveFailures++
	k.Score -= r.cfg.FailureStep
	if k.Score < 0 {
		k.Score = 0
	}

	if k.Status == StatusActive &&
		(k.Score < r.cfg.SuspendScore || k.ConsecutiveFailures >= r.cfg.MaxConsecutiveFailures) {
		k.Status = StatusSuspended
		r.logger.Warn("keeper suspended",
			"keeper", id,
			"score", k.Score,
			"consecutive_failures", k.ConsecutiveFailures)
	}
	return nil
}

// Slash confiscates a fixed percentage of stake for the given evidence kind
// and returns the confiscated amount. The caller redistributes it to the
// insurance pool; slashed stake is never destroyed. A keeper slashed below
// the minimum stake becomes ineligible.
func (r *Registry) Slash(id string, kind EvidenceKind) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.keepers[id]
	if !ok {
		return 0, ErrKeeperNotFound
	}
	bps, ok := r.cfg.SlashBps[kind]
	if !ok {
		return 0, ErrUnknownEvidence
	}

	amount := new(big.Int).Mul(big.NewInt(k.Stake), big.NewInt(bps))
	amount.Quo(amount, big.NewInt(10000))
	slashed := amount.Int64()

	k.Stake -= slashed
	if k.Stake < r.cfg.MinStake {
		k.Status = StatusSlashed
	}

	r.logger.Warn("keeper slashed",
		"keeper", id,
		"evidence", kind.String(),
		"amount", slashed,
		"remaining_stake", k.Stake,
		"status", k.Status.String())
	return slashed, nil
}

// MarkInactive takes a keeper out of rotation when it stops responding to
// assignments. Unlike suspension, inactivity carries no score penalty.
func (r *Registry) MarkInactive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.keepers[id]
	if !ok {
		return ErrKeeperNotFound
	}
	if k.Status != StatusActive {
		return ErrKeeperInactive
	}
	k.Status = StatusInactive
	return nil
}

// Deactivate removes a keeper from work assignment voluntarily. Its record
// and stake remain for withdrawal settlement outside this layer.
func (r *Registry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.keepers[id]
	if !ok {
		return ErrKeeperNotFound
	}
	k.Status = StatusDeactivated
	return nil
}

// Reinstate returns a suspended or inactive keeper to active duty, resetting
// its failure streak. Slashed keepers must re-stake through governance first.
func (r *Registry) Reinstate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.keepers[id]
	if !ok {
		return ErrKeeperNotFound
	}
	if k.Status != StatusSuspended && k.Status != StatusInactive {
		return ErrKeeperInactive
	}
	k.Status = StatusActive
	k.ConsecutiveFailures = 0
	if k.Score < r.cfg.SuspendScore {
		k.Score = r.cfg.SuspendScore
	}
	return nil
}

// All returns a copy of every keeper record in any status.
func (r *Registry) All() []Keeper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Keeper, 0, len(r.keepers))
	for _, k := range r.keepers {
		out = append(out, *k)
	}
	return out
}

// Len returns the number of registered keepers in any status.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keepers)
}
