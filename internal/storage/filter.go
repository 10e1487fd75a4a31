package storage

import (
	"sort"
	"strings"

	"firmware-depot/internal/semver"
)

// The query/filter engine. Backends hand raw records to these helpers
// so that stability filtering, limits, sorting and projection behave
// identically regardless of the persistence substrate. Backends that
// can push a filter into the store (Mongo device queries, SQL ORDER
// BY) still run their results through applyOptions for the parts the
// store cannot express.

// applyOptions filters stable-only and truncates to the limit, in
// that order. Invalid versions are excluded when OnlyStable is set.
func applyOptions(fws []Firmware, opts Options) []Firmware {
	filtered := fws
	if opts.OnlyStable {
		filtered = make([]Firmware, 0, len(fws))
		for _, fw := range fws {
			if semver.IsValid(fw.Version) && semver.IsStable(fw.Version) {
				filtered = append(filtered, fw)
			}
		}
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return filtered
}

// FilterVersion keeps the records whose version satisfies the range
// pattern (exact, wildcard, comparison operator, tilde or caret).
func FilterVersion(fws []Firmware, pattern string) []Firmware {
	out := make([]Firmware, 0, len(fws))
	for _, fw := range fws {
		if semver.Matches(fw.Version, pattern) {
			out = append(out, fw)
		}
	}
	return out
}

// MinimalOf projects records down to {id, version, sha1}.
func MinimalOf(fws []Firmware) []FirmwareMinimal {
	out := make([]FirmwareMinimal, 0, len(fws))
	for _, fw := range fws {
		out = append(out, FirmwareMinimal{ID: fw.ID, Version: fw.Version, SHA1: fw.SHA1})
	}
	return out
}

// sortVersionDesc orders newest version first. Used for per-device
// listings.
func sortVersionDesc(fws []Firmware) {
	sort.SliceStable(fws, func(i, j int) bool {
		return semver.Compare(fws[i].Version, fws[j].Version) > 0
	})
}

// sortCreatedDesc orders newest upload first. The default order for
// global listings and search results.
func sortCreatedDesc(fws []Firmware) {
	sort.SliceStable(fws, func(i, j int) bool {
		return fws[i].CreatedAt.After(fws[j].CreatedAt)
	})
}

// matchesSearch is the case-insensitive substring matcher across
// device type, version, description and original filename.
func matchesSearch(fw Firmware, term string) bool {
	term = strings.ToLower(term)
	return strings.Contains(strings.ToLower(fw.DeviceType), term) ||
		strings.Contains(strings.ToLower(fw.Version), term) ||
		strings.Contains(strings.ToLower(fw.Description), term) ||
		strings.Contains(strings.ToLower(fw.OriginalName), term)
}

// buildStats assembles the canonical aggregate shape and merges the
// free-form analytics keys into it. Analytics failures degrade to the
// bare aggregate rather than failing the stats call.
func buildStats(total int, deviceTypes []string, totalSize int64, analytics map[string]any) Stats {
	sort.Strings(deviceTypes)
	stats := Stats{
		"totalFirmwares": total,
		"deviceTypes":    deviceTypes,
		"totalSize":      totalSize,
	}
	for k, v := range analytics {
		stats[k] = v
	}
	return stats
}
