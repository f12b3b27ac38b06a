// Package fingerprint recognises returning volunteer machines from their
// hardware description, so a reinstall does not create a duplicate account.
package fingerprint

import (
	"fmt"
	"strings"

	"github.com/voluntix/coordinator/internal/store"
)

// Primary signals identify a machine strongly; three concordant values are
// treated as the same physical host. Secondary signals only break ties when
// the primary pass is inconclusive.
var (
	primaryKeys = [][]string{
		{"cpu_model", "cpu.model"},
		{"cpu_cores", "cpu.cores"},
		{"os_architecture", "os.architecture"},
		{"total_ram_mb", "memory.total_mb"},
		{"available_storage_gb", "storage.available_gb"},
	}
	secondaryKeys = [][]string{
		{"operating_system", "os.name"},
		{"cpu_max_frequency", "cpu.max_frequency"},
		{"bios_version", "bios.version"},
		{"motherboard", "motherboard.model"},
	}
)

const primaryThreshold = 3

// Match scans the known volunteers for one whose recorded machine matches
// info. It returns the match only when it is unambiguous: several plausible
// candidates mean registration should proceed as a new account.
func Match(volunteers []store.Volunteer, info map[string]any) (*store.Volunteer, bool) {
	if len(info) == 0 {
		return nil, false
	}

	var hits []*store.Volunteer
	for i := range volunteers {
		if primaryScore(volunteers[i].MachineInfo, info) >= primaryThreshold {
			hits = append(hits, &volunteers[i])
		}
	}
	if len(hits) == 1 {
		return hits[0], true
	}
	if len(hits) > 1 {
		return nil, false
	}

	// Fallback: hostname embedded in the volunteer name plus at least two
	// concordant secondary signals.
	hostname := normalize(lookup(info, "hostname", "host.name"))
	if hostname == "" {
		return nil, false
	}
	for i := range volunteers {
		v := &volunteers[i]
		if !strings.Contains(strings.ToLower(v.Name), hostname) {
			continue
		}
		if secondaryScore(v.MachineInfo, info) >= 2 {
			hits = append(hits, v)
		}
	}
	if len(hits) == 1 {
		return hits[0], true
	}
	return nil, false
}

func primaryScore(recorded, incoming map[string]any) int {
	return score(primaryKeys, recorded, incoming)
}

func secondaryScore(recorded, incoming map[string]any) int {
	return score(secondaryKeys, recorded, incoming)
}

func score(keys [][]string, recorded, incoming map[string]any) int {
	n := 0
	for _, paths := range keys {
		a := normalize(lookup(recorded, paths...))
		b := normalize(lookup(incoming, paths...))
		if a != "" && a == b {
			n++
		}
	}
	return n
}

// lookup tries each path in turn, supporting both flat keys and one level of
// dotted nesting.
func lookup(m map[string]any, paths ...string) any {
	for _, path := range paths {
		if v, ok := m[path]; ok {
			return v
		}
		if head, tail, ok := strings.Cut(path, "."); ok {
			if nested, okNested := m[head].(map[string]any); okNested {
				if v, okLeaf := nested[tail]; okLeaf {
					return v
				}
			}
		}
	}
	return nil
}

// normalize folds numeric spellings together: 8, 8.0 and "8" compare equal.
func normalize(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case string:
		return strings.ToLower(strings.TrimSpace(x))
	default:
		return strings.ToLower(fmt.Sprint(x))
	}
}
