// Package scheduler picks volunteers for tasks and keeps per-volunteer trust
// scores current as task statuses come in.
package scheduler

import (
	"errors"
	"sort"

	"github.com/voluntix/coordinator/internal/store"
)

// ErrNoVolunteer is returned when no available volunteer can host the task.
var ErrNoVolunteer = errors.New("scheduler: no volunteer available")

// DefaultEstimate is assumed for workflows that do not declare resource
// needs.
var DefaultEstimate = store.Resources{
	CPUCores: 2,
	MemoryMB: 1024,
	DiskMB:   500,
	GPU:      false,
}

// fits reports whether have covers need on every axis.
func fits(have, need store.Resources) bool {
	if have.CPUCores < need.CPUCores {
		return false
	}
	if have.MemoryMB < need.MemoryMB {
		return false
	}
	if have.DiskMB < need.DiskMB {
		return false
	}
	if need.GPU && !have.GPU {
		return false
	}
	return true
}

// Select returns the best available volunteer for the estimated resources:
// highest trust score first, then most tasks completed, then lowest id so
// the choice is deterministic.
func Select(available []store.Volunteer, estimate store.Resources) (*store.Volunteer, error) {
	ranked := Rank(available, estimate)
	if len(ranked) == 0 {
		return nil, ErrNoVolunteer
	}
	return &ranked[0], nil
}

// Rank filters the available volunteers down to those whose resources cover
// the estimate and orders them by preference.
func Rank(available []store.Volunteer, estimate store.Resources) []store.Volunteer {
	var fit []store.Volunteer
	for _, v := range available {
		if v.Status != store.VolunteerAvailable {
			continue
		}
		if fits(v.Resources, estimate) {
			fit = append(fit, v)
		}
	}
	sort.Slice(fit, func(i, j int) bool {
		if fit[i].TrustScore != fit[j].TrustScore {
			return fit[i].TrustScore > fit[j].TrustScore
		}
		if fit[i].TasksCompleted != fit[j].TasksCompleted {
			return fit[i].TasksCompleted > fit[j].TasksCompleted
		}
		return fit[i].ID < fit[j].ID
	})
	return fit
}

// Estimate merges declared needs over the defaults. Missing or non-positive
// fields fall back to the default value.
func Estimate(declared map[string]any) store.Resources {
	est := DefaultEstimate
	if n, ok := asInt(declared["cpu_cores"]); ok && n > 0 {
		est.CPUCores = n
	}
	if n, ok := asInt(declared["memory_mb"]); ok && n > 0 {
		est.MemoryMB = n
	}
	if n, ok := asInt(declared["disk_mb"]); ok && n > 0 {
		est.DiskMB = n
	}
	if b, ok := declared["gpu"].(bool); ok {
		est.GPU = b
	}
	return est
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	}
	return 0, false
}
