// Package trust keeps the reputation of every contributing device. All trust
// mutation goes through Store.RecordOutcome so bounds and decay are enforced
// in one place.
package trust

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"crowdbus/internal/config"
	"crowdbus/internal/domain"
)

// CorruptionRecorder is notified when a stored score had to be clamped.
type CorruptionRecorder interface {
	TrustCorruption()
}

type record struct {
	mu     sync.Mutex
	device domain.Device
}

// Store holds device records. The map is guarded by an RWMutex; each record
// has its own mutex so updates for different devices never contend.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*record

	cfg      config.Trust
	logger   *slog.Logger
	recorder CorruptionRecorder
}

func NewStore(cfg config.Trust, logger *slog.Logger) *Store {
	return &Store{
		devices: make(map[string]*record),
		cfg:     cfg,
		logger:  logger.With("component", "trust"),
	}
}

// SetRecorder attaches a corruption counter. Call before use.
func (s *Store) SetRecorder(r CorruptionRecorder) {
	s.recorder = r
}

// RecordOutcome folds one contribution into the device's reputation and
// returns the updated trust score. A valid contribution counts with its
// agreement against the fused result; an invalid one counts as zero.
func (s *Store) RecordOutcome(deviceID string, wasValid bool, agreement float64, now time.Time) float64 {
	rec := s.getOrCreate(deviceID, now)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	d := &rec.device
	s.repair(d)

	rep := s.decayed(d.ReputationScore, d.LastActivity, now)

	outcome := 0.0
	if wasValid {
		outcome = clamp01(agreement)
	}
	rep = rep*(1-s.cfg.Smoothing) + outcome*s.cfg.Smoothing

	d.ReputationScore = clamp01(rep)
	d.TotalContributions++
	if wasValid && agreement > 0.5 {
		d.AccurateContributions++
	}
	if now.After(d.LastActivity) {
		d.LastActivity = now
	}
	wasTrusted := d.IsTrusted
	d.TrustScore = s.trustFrom(d.ReputationScore)
	d.IsTrusted = s.trusted(d.TrustScore, d.TotalContributions)
	if d.IsTrusted != wasTrusted {
		s.logger.Info("device trust changed",
			"device_id", d.ID,
			"trusted", d.IsTrusted,
			"trust", d.TrustScore,
			"accuracy", d.AccuracyRatio(),
			"contributions", d.TotalContributions,
		)
	}

	return d.TrustScore
}

// TrustScore returns the current trust of a device with dormancy decay
// applied. Unknown devices read as the neutral baseline.
func (s *Store) TrustScore(deviceID string, now time.Time) float64 {
	d, ok := s.Get(deviceID, now)
	if !ok {
		return s.trustFrom(s.cfg.Baseline)
	}
	return d.TrustScore
}

// IsTrusted reports whether a device has earned trusted status.
func (s *Store) IsTrusted(deviceID string, now time.Time) bool {
	d, ok := s.Get(deviceID, now)
	return ok && d.IsTrusted
}

// Get returns a copy of the device record as seen at now. The stored record
// is not modified by the read.
func (s *Store) Get(deviceID string, now time.Time) (domain.Device, bool) {
	s.mu.RLock()
	rec, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return domain.Device{}, false
	}

	rec.mu.Lock()
	d := rec.device
	rec.mu.Unlock()

	rep := s.decayed(clamp01(d.ReputationScore), d.LastActivity, now)
	d.ReputationScore = rep
	d.TrustScore = s.trustFrom(rep)
	d.IsTrusted = s.trusted(d.TrustScore, d.TotalContributions)
	return d, true
}

// Count returns the number of known devices.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// TrustedCount returns how many devices are currently trusted.
func (s *Store) TrustedCount(now time.Time) int {
	n := 0
	for _, d := range s.Snapshot() {
		if s.trusted(s.trustFrom(s.decayed(d.ReputationScore, d.LastActivity, now)), d.TotalContributions) {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all stored records sorted by ID.
func (s *Store) Snapshot() []domain.Device {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.devices))
	for _, r := range s.devices {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	out := make([]domain.Device, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		out = append(out, r.device)
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads records from a checkpoint, replacing any in memory.
// Out-of-range scores are repaired on the way in.
func (s *Store) Restore(devices []domain.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range devices {
		if d.ID == "" {
			continue
		}
		rec := &record{device: d}
		s.repair(&rec.device)
		s.devices[d.ID] = rec
	}
}

func (s *Store) getOrCreate(deviceID string, now time.Time) *record {
	s.mu.RLock()
	rec, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if ok {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok = s.devices[deviceID]; ok {
		return rec
	}
	rec = &record{device: domain.Device{
		ID:              deviceID,
		ReputationScore: s.cfg.Baseline,
		TrustScore:      s.trustFrom(s.cfg.Baseline),
		FirstSeen:       now,
		LastActivity:    now,
	}}
	s.devices[deviceID] = rec
	return rec
}

// decayed applies dormancy decay: once LastActivity is older than the decay
// window, reputation above the baseline halves every DecayHalfLife.
// Reputation at or below baseline is left alone.
func (s *Store) decayed(rep float64, last, now time.Time) float64 {
	idle := now.Sub(last)
	if idle <= s.cfg.DecayWindow || rep <= s.cfg.Baseline {
		return rep
	}
	over := idle - s.cfg.DecayWindow
	factor := math.Pow(0.5, over.Hours()/s.cfg.DecayHalfLife.Hours())
	return s.cfg.Baseline + (rep-s.cfg.Baseline)*factor
}

func (s *Store) trustFrom(rep float64) float64 {
	return math.Max(s.cfg.Floor, clamp01(rep))
}

func (s *Store) trusted(score float64, total int64) bool {
	return score >= s.cfg.TrustedThreshold && total >= s.cfg.MinContributions
}

// repair clamps a corrupted record back into range. Caller holds the record lock.
func (s *Store) repair(d *domain.Device) {
	if inRange(d.ReputationScore) && inRange(d.TrustScore) &&
		d.AccurateContributions <= d.TotalContributions && d.TotalContributions >= 0 {
		return
	}

	s.logger.Warn("trust record corrupted, clamping",
		"device_id", d.ID,
		"reputation", d.ReputationScore,
		"trust", d.TrustScore,
		"error", domain.ErrTrustCorruption,
	)
	if s.recorder != nil {
		s.recorder.TrustCorruption()
	}

	if math.IsNaN(d.ReputationScore) {
		d.ReputationScore = s.cfg.Baseline
	}
	d.ReputationScore = clamp01(d.ReputationScore)
	d.TrustScore = s.trustFrom(d.ReputationScore)
	if d.TotalContributions < 0 {
		d.TotalContributions = 0
	}
	if d.AccurateContributions > d.TotalContributions {
		d.AccurateContributions = d.TotalContributions
	}
	if d.AccurateContributions < 0 {
		d.AccurateContributions = 0
	}
}

func inRange(v float64) bool {
	return v >= 0 && v <= 1
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
