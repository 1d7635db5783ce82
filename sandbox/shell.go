// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"sort"
	"strings"
)

// safeShellChars never need quoting.
const safeShellChars = "abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"0123456789" +
	"@%+=:,./-_"

// shellEscape quotes a string for use as a single word in a POSIX
// shell command line.
func shellEscape(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !strings.ContainsRune(safeShellChars, r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	// Single-quote the word; embedded single quotes become '"'"'.
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// sortedKeys returns a map's keys in sorted order, for deterministic
// command lines.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
