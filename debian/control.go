// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package debian

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ControlStanza is one RFC822-style paragraph of a Debian control
// file: field names mapped to values, with folded continuation lines
// joined by newlines.
type ControlStanza map[string]string

// ParseControl reads the stanzas of a control file. Comment lines
// (leading #) are ignored, as in debian/control.
func ParseControl(r io.Reader) ([]ControlStanza, error) {
	var stanzas []ControlStanza
	current := ControlStanza{}
	var lastField string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == "":
			if len(current) > 0 {
				stanzas = append(stanzas, current)
				current = ControlStanza{}
				lastField = ""
			}
		case strings.HasPrefix(line, "#"):
			// comment
		case line[0] == ' ' || line[0] == '\t':
			if lastField == "" {
				return nil, fmt.Errorf("continuation line with no preceding field: %q", line)
			}
			current[lastField] += "\n" + strings.TrimRight(line[1:], " \t")
		default:
			name, value, found := strings.Cut(line, ":")
			if !found {
				return nil, fmt.Errorf("malformed control line: %q", line)
			}
			lastField = name
			current[name] = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(current) > 0 {
		stanzas = append(stanzas, current)
	}
	return stanzas, nil
}

// BuildDependencies extracts the build dependency relations from a
// source stanza, joining Build-Depends and Build-Depends-Indep. The
// result is the comma-separated relation list with folding undone,
// suitable for a Depends field.
func BuildDependencies(source ControlStanza) string {
	var parts []string
	for _, field := range []string{"Build-Depends", "Build-Depends-Indep"} {
		if value := source[field]; value != "" {
			parts = append(parts, strings.Join(strings.Fields(value), " "))
		}
	}
	return strings.Join(parts, ", ")
}

// changelogEntryPattern matches the first line of a changelog entry:
// "package (version) suite; urgency=...".
var changelogEntryPattern = regexp.MustCompile(`^(\S+) \(([^)]+)\) (\S+);`)

// ChangelogEntry is the header of the topmost debian/changelog entry.
type ChangelogEntry struct {
	Source  string
	Version string
	Suite   string
}

// ParseChangelogHead parses the first entry header of a changelog.
func ParseChangelogHead(r io.Reader) (*ChangelogEntry, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		match := changelogEntryPattern.FindStringSubmatch(line)
		if match == nil {
			return nil, fmt.Errorf("malformed changelog entry: %q", line)
		}
		return &ChangelogEntry{Source: match[1], Version: match[2], Suite: match[3]}, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("empty changelog")
}

// ParseChangesFiles returns the filenames listed in the Files stanza
// of a .changes file. Each Files line ends with the filename; the
// leading checksum, size, section, and priority columns are dropped.
func ParseChangesFiles(r io.Reader) ([]string, error) {
	var files []string
	inFiles := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !inFiles {
			if strings.HasPrefix(line, "Files:") {
				inFiles = true
			}
			continue
		}
		if !strings.HasPrefix(line, " ") {
			break
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		files = append(files, fields[len(fields)-1])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return files, nil
}
