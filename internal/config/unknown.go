package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of every config section.
var knownKeys = map[string][]string{
	"store":     {"dialect", "dsn", "retry_count", "retry_delay"},
	"archive":   {"base_url", "token", "client_id", "client_secret", "token_url", "scopes", "timeout", "status_rate", "status_burst", "sentinel_package_id"},
	"filter":    {"skip_names", "blocked_extensions", "max_files", "job_dir_pattern", "job_dir_freshness", "ignore_file"},
	"reconcile": {"grace_window", "old_age", "very_old_age", "large_file_size"},
	"marker":    {"stale_after", "warn_after"},
	"batch":     {"max_files", "max_packages"},
	"verify":    {"group_size", "escalate_after", "exception_threshold", "retry_delay"},
	"schedule":  {"archive", "verify", "archive_lookback", "metrics_addr", "pid_file", "shutdown_timeout"},
	"logging":   {"log_level", "log_file", "log_format"},
}

// knownSections is the sorted list of section names. Sorted for
// deterministic suggestions when two candidates have the same distance.
var knownSections = func() []string {
	s := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		s = append(s, k)
	}

	sort.Strings(s)

	return s
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	reported := make(map[string]bool)

	for _, key := range undecoded {
		err := unknownKeyError(md, key)
		if err == nil || reported[err.Error()] {
			continue
		}

		reported[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key, suggesting the closest known
// section or key.
func unknownKeyError(md *toml.MetaData, key toml.Key) error {
	if len(key) == 0 {
		return nil
	}

	section := key[0]

	keys, ok := knownKeys[section]
	if !ok {
		if len(key) == 1 && md.Type(key...) != "Hash" {
			return fmt.Errorf("unknown config key %q: settings belong in a section such as [store] or [archive]", section)
		}

		if s := closestMatch(section, knownSections); s != "" {
			return fmt.Errorf("unknown config section [%s], did you mean [%s]?", section, s)
		}

		return fmt.Errorf("unknown config section [%s]", section)
	}

	if len(key) < 2 {
		return fmt.Errorf("config key %q must be a table", section)
	}

	field := key[1]
	if slices.Contains(keys, field) {
		return nil
	}

	sorted := slices.Sorted(slices.Values(keys))
	if s := closestMatch(field, sorted); s != "" {
		return fmt.Errorf("unknown config key %q in [%s], did you mean %q?", field, section, s)
	}

	return fmt.Errorf("unknown config key %q in [%s]", field, section)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization avoids allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// keyPath joins a section and key for error messages, e.g. "verify.group_size".
func keyPath(section, key string) string {
	return strings.Join([]string{section, key}, ".")
}
