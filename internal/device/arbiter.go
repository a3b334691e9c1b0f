// Package device tracks compute devices and hands out bounded execution slots.
// The arbiter prefers GPU slots and degrades to CPU under pressure instead of
// rejecting outright.
package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-clone-service/internal/core"
)

// Device is one compute device with a bounded number of concurrent jobs.
type Device struct {
	ID       string
	Kind     core.DeviceKind
	Capacity int

	mu                sync.Mutex
	inUse             int
	consecutiveFaults int
	unhealthy         bool
	probation         bool
	cooldownUntil     time.Time
}

// Lease is a granted slot on one device. It is released exactly once through
// the arbiter, on every exit path of the holding job.
type Lease struct {
	device   *Device
	released bool
}

// Kind reports the device class backing the lease.
func (l *Lease) Kind() core.DeviceKind {
	return l.device.Kind
}

// DeviceID reports the identifier of the leased device.
func (l *Lease) DeviceID() string {
	return l.device.ID
}

// Arbiter assigns each accepted job to exactly one device slot.
type Arbiter struct {
	devices        []*Device
	cpuFallback    bool
	faultThreshold int
	cooldown       time.Duration
	log            *logger.Logger
	now            func() time.Time
}

// Options bound the arbiter's health policy.
type Options struct {
	// CPUFallback permits acquiring a CPU slot when every GPU is saturated
	// or unhealthy.
	CPUFallback bool
	// FaultThreshold is the number of consecutive faults that mark a device
	// unhealthy.
	FaultThreshold int
	// Cooldown is how long an unhealthy device is excluded from assignment.
	Cooldown time.Duration
	// Clock overrides the time source; nil means time.Now.
	Clock func() time.Time
}

// NewArbiter creates an arbiter over the given devices. Devices are probed in
// order, so list preferred devices first within each kind.
func NewArbiter(devices []*Device, opts Options, log *logger.Logger) (*Arbiter, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no devices configured", core.ErrNoCapacity)
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Arbiter{
		devices:        devices,
		cpuFallback:    opts.CPUFallback,
		faultThreshold: opts.FaultThreshold,
		cooldown:       opts.Cooldown,
		log:            log,
		now:            clock,
	}, nil
}

// Acquire grants a slot on a device of the preferred kind, falling back to CPU
// when the preference is GPU, nothing matched, and fallback is enabled. The
// probe never blocks; saturation surfaces as ErrNoCapacity.
func (a *Arbiter) Acquire(preferred core.DeviceKind) (*Lease, error) {
	lease := a.tryAcquire(preferred)
	if lease != nil {
		return lease, nil
	}

	if preferred == core.DeviceGPU && a.cpuFallback {
		lease = a.tryAcquire(core.DeviceCPU)
		if lease != nil {
			return lease, nil
		}
	}

	return nil, fmt.Errorf("%w: all %s slots saturated", core.ErrNoCapacity, preferred)
}

func (a *Arbiter) tryAcquire(kind core.DeviceKind) *Lease {
	now := a.now()

	for _, dev := range a.devices {
		if dev.Kind != kind {
			continue
		}

		dev.mu.Lock()

		if dev.available(now) {
			dev.inUse++
			dev.mu.Unlock()

			return &Lease{device: dev}
		}

		dev.mu.Unlock()
	}

	return nil
}

// available reports whether the device can take one more job. Callers hold
// dev.mu.
func (d *Device) available(now time.Time) bool {
	if d.inUse >= d.Capacity {
		return false
	}

	if !d.unhealthy {
		return true
	}

	if now.Before(d.cooldownUntil) {
		return false
	}

	// Cooldown elapsed: probationary, one job at a time until a success.
	if !d.probation {
		d.probation = true
	}

	return d.inUse == 0
}

// Release returns the slot. Releasing a lease twice is a no-op.
func (a *Arbiter) Release(lease *Lease) {
	if lease == nil {
		return
	}

	dev := lease.device

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if lease.released {
		return
	}

	lease.released = true

	if dev.inUse > 0 {
		dev.inUse--
	}
}

// ReportSuccess records a completed job on the leased device, restoring full
// health after probation.
func (a *Arbiter) ReportSuccess(lease *Lease) {
	dev := lease.device

	dev.mu.Lock()
	defer dev.mu.Unlock()

	dev.consecutiveFaults = 0

	if dev.unhealthy || dev.probation {
		a.log.Info("Device %s recovered", dev.ID)
	}

	dev.unhealthy = false
	dev.probation = false
}

// ReportFault records a device-specific failure. The device turns unhealthy
// after the configured run of consecutive faults; a fault during probation
// restarts the cooldown.
func (a *Arbiter) ReportFault(lease *Lease) {
	dev := lease.device
	now := a.now()

	dev.mu.Lock()
	defer dev.mu.Unlock()

	dev.consecutiveFaults++

	if dev.probation || dev.consecutiveFaults >= a.faultThreshold {
		if !dev.unhealthy {
			a.log.Warn("Device %s marked unhealthy after %d consecutive faults", dev.ID, dev.consecutiveFaults)
		}

		dev.unhealthy = true
		dev.probation = false
		dev.cooldownUntil = now.Add(a.cooldown)
	}
}

// CPUFallbackEnabled reports whether GPU-preferred work may degrade to CPU
// slots.
func (a *Arbiter) CPUFallbackEnabled() bool {
	return a.cpuFallback
}

// CapacityOf sums the slot capacity of the given device class.
func (a *Arbiter) CapacityOf(kind core.DeviceKind) int {
	total := 0

	for _, dev := range a.devices {
		if dev.Kind == kind {
			total += dev.Capacity
		}
	}

	return total
}

// Snapshot reports per-device utilization for the health signal.
func (a *Arbiter) Snapshot() []core.DeviceStats {
	now := a.now()
	stats := make([]core.DeviceStats, 0, len(a.devices))

	for _, dev := range a.devices {
		dev.mu.Lock()
		stats = append(stats, core.DeviceStats{
			Kind:     dev.Kind,
			Capacity: dev.Capacity,
			InUse:    dev.inUse,
			Healthy:  !dev.unhealthy || !now.Before(dev.cooldownUntil),
		})
		dev.mu.Unlock()
	}

	return stats
}
