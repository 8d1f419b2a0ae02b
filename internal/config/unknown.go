package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid dotted keys in the config file. Folder sections
// are an array of tables, so their keys are matched without the index.
var knownKeys = map[string]bool{
	"server.url":             true,
	"server.username":        true,
	"server.api_key":         true,
	"server.connect_timeout": true,
	"server.data_timeout":    true,

	"staging.host":             true,
	"staging.port":             true,
	"staging.username":         true,
	"staging.private_key_path": true,

	"workers.verification": true,
	"workers.upload":       true,

	"advanced.fake_md5_checksum": true,

	"folder.path":        true,
	"folder.dataset_id":  true,
	"folder.dataset_uri": true,
}

// knownKeysList is the sorted slice form of knownKeys for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates have
// the same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		name := normalizeKey(key.String())
		if knownKeys[name] {
			continue
		}

		if suggestion := closestMatch(name, knownKeysList); suggestion != "" {
			errs = append(errs, fmt.Errorf("unknown config key %q — did you mean %q?", name, suggestion))
		} else {
			errs = append(errs, fmt.Errorf("unknown config key %q", name))
		}
	}

	return errors.Join(errs...)
}

// normalizeKey strips the array index from folder keys so "folder.2.path"
// matches the known key "folder.path".
func normalizeKey(key string) string {
	parts := strings.Split(key, ".")
	if len(parts) == 3 && parts[0] == "folder" {
		return parts[0] + "." + parts[2]
	}

	return key
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

// levenshtein computes the edit distance between two strings using the
// single-row optimization to avoid allocating a full matrix.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 0; i < len(a); i++ {
		curr[0] = i + 1

		for j := 0; j < len(b); j++ {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
