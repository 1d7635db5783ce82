// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package debian

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseControl(t *testing.T) {
	input := `# debian/control for testing
Source: hello
Build-Depends: debhelper-compat (= 13),
 libfoo-dev (>= 1.2),
 pkg-config
Build-Depends-Indep: python3

Package: hello
Architecture: any
Description: example package
 A longer description
 spanning two lines.
`
	stanzas, err := ParseControl(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseControl: %v", err)
	}
	if len(stanzas) != 2 {
		t.Fatalf("got %d stanzas, want 2", len(stanzas))
	}
	if got := stanzas[0]["Source"]; got != "hello" {
		t.Errorf("Source = %q, want %q", got, "hello")
	}
	wantDepends := "debhelper-compat (= 13),\nlibfoo-dev (>= 1.2),\npkg-config"
	if got := stanzas[0]["Build-Depends"]; got != wantDepends {
		t.Errorf("Build-Depends = %q, want %q", got, wantDepends)
	}
	if got := stanzas[1]["Architecture"]; got != "any" {
		t.Errorf("Architecture = %q, want %q", got, "any")
	}
}

func TestParseControlRejectsMalformedLines(t *testing.T) {
	for _, input := range []string{
		" continuation first\n",
		"no colon here\n",
	} {
		if _, err := ParseControl(strings.NewReader(input)); err == nil {
			t.Errorf("ParseControl(%q) succeeded, want error", input)
		}
	}
}

func TestBuildDependencies(t *testing.T) {
	tests := []struct {
		name   string
		stanza ControlStanza
		want   string
	}{
		{
			name: "both fields joined",
			stanza: ControlStanza{
				"Build-Depends":       "debhelper-compat (= 13),\n libfoo-dev",
				"Build-Depends-Indep": "python3",
			},
			want: "debhelper-compat (= 13), libfoo-dev, python3",
		},
		{
			name:   "depends only",
			stanza: ControlStanza{"Build-Depends": "debhelper"},
			want:   "debhelper",
		},
		{
			name:   "none declared",
			stanza: ControlStanza{"Source": "hello"},
			want:   "",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := BuildDependencies(test.stanza); got != test.want {
				t.Errorf("BuildDependencies = %q, want %q", got, test.want)
			}
		})
	}
}

func TestParseChangelogHead(t *testing.T) {
	input := `hello (2.10-3ubuntu1) noble; urgency=medium

  * Rebuild against libfoo 1.2.

 -- A Developer <dev@example.com>  Mon, 02 Feb 2026 12:00:00 +0000

hello (2.10-3) jammy; urgency=low
`
	entry, err := ParseChangelogHead(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseChangelogHead: %v", err)
	}
	want := &ChangelogEntry{Source: "hello", Version: "2.10-3ubuntu1", Suite: "noble"}
	if *entry != *want {
		t.Errorf("entry = %+v, want %+v", entry, want)
	}
}

func TestParseChangelogHeadRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "not a changelog\n"} {
		if _, err := ParseChangelogHead(strings.NewReader(input)); err == nil {
			t.Errorf("ParseChangelogHead(%q) succeeded, want error", input)
		}
	}
}

func TestParseChangesFiles(t *testing.T) {
	input := `Format: 1.8
Source: hello
Architecture: source
Files:
 d41d8cd98f00b204e9800998ecf8427e 0 devel optional hello_2.10-3ubuntu1.dsc
 d41d8cd98f00b204e9800998ecf8427e 0 devel optional hello_2.10.orig.tar.gz
 d41d8cd98f00b204e9800998ecf8427e 0 devel optional hello_2.10-3ubuntu1.debian.tar.xz
Checksums-Sha256:
 irrelevant 0 hello_2.10-3ubuntu1.dsc
`
	files, err := ParseChangesFiles(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseChangesFiles: %v", err)
	}
	want := []string{
		"hello_2.10-3ubuntu1.dsc",
		"hello_2.10.orig.tar.gz",
		"hello_2.10-3ubuntu1.debian.tar.xz",
	}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("files = %v, want %v", files, want)
	}
}

func TestStripEpoch(t *testing.T) {
	if got := stripEpoch("1:2.10-3"); got != "2.10-3" {
		t.Errorf("stripEpoch = %q, want %q", got, "2.10-3")
	}
	if got := stripEpoch("2.10-3"); got != "2.10-3" {
		t.Errorf("stripEpoch = %q, want %q", got, "2.10-3")
	}
}
