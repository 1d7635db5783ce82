// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"reflect"
	"testing"
)

func TestSetPersonality(t *testing.T) {
	tests := []struct {
		architecture string
		series       string
		want         []string
	}{
		{"amd64", "questing", []string{"linux64", "true"}},
		{"i386", "questing", []string{"linux32", "true"}},
		{"armhf", "questing", []string{"linux32", "true"}},
		{"x32", "questing", []string{"linux64", "true"}},
		{"amd64", "precise", []string{"linux64", "--uname-2.6", "true"}},
		{"i386", "hardy", []string{"linux32", "--uname-2.6", "true"}},
	}

	for _, test := range tests {
		got, err := setPersonality([]string{"true"}, test.architecture, test.series)
		if err != nil {
			t.Errorf("setPersonality(%s, %s): %v", test.architecture, test.series, err)
			continue
		}
		if !reflect.DeepEqual(got, test.want) {
			t.Errorf("setPersonality(%s, %s) = %v, want %v",
				test.architecture, test.series, got, test.want)
		}
	}
}

func TestSetPersonalityUnknownArchitecture(t *testing.T) {
	if _, err := setPersonality([]string{"true"}, "vax", ""); err == nil {
		t.Error("setPersonality(vax) succeeded, want error")
	}
}

func TestShellEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"plain", "plain"},
		{"/path/with-dashes_and.dots", "/path/with-dashes_and.dots"},
		{"has space", "'has space'"},
		{"semi;colon", "'semi;colon'"},
		{"don't", `'don'"'"'t'`},
		{"$HOME", "'$HOME'"},
	}

	for _, test := range tests {
		if got := shellEscape(test.in); got != test.want {
			t.Errorf("shellEscape(%q) = %s, want %s", test.in, got, test.want)
		}
	}
}
