// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package builder

import (
	"reflect"
	"strings"
	"testing"
)

func validRequest() BuildRequest {
	return BuildRequest{
		BuildID:      "20260827-012345",
		Kind:         KindSourcePackageRecipe,
		Image:        FileReference{Digest: strings.Repeat("ab", 32)},
		Series:       "questing",
		Architecture: "amd64",
	}
}

func TestRequestValidate(t *testing.T) {
	request := validRequest()
	if err := request.Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*BuildRequest)
	}{
		{"empty build id", func(r *BuildRequest) { r.BuildID = "" }},
		{"path traversal build id", func(r *BuildRequest) { r.BuildID = "../../etc" }},
		{"leading dot build id", func(r *BuildRequest) { r.BuildID = ".hidden" }},
		{"build id with slash", func(r *BuildRequest) { r.BuildID = "a/b" }},
		{"missing kind", func(r *BuildRequest) { r.Kind = "" }},
		{"missing image digest", func(r *BuildRequest) { r.Image.Digest = "" }},
		{"missing architecture", func(r *BuildRequest) { r.Architecture = "" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			request := validRequest()
			test.mutate(&request)
			if err := request.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestRequestArgAccessors(t *testing.T) {
	request := validRequest()
	request.Args = map[string]any{
		"recipe_text": "# bzr-builder format 0.3\nlp:hello",
		"git":         true,
		"archives":    []any{"deb http://ppa.example.org/u questing main"},
	}

	text, err := request.StringArg("recipe_text")
	if err != nil || !strings.HasPrefix(text, "# bzr-builder") {
		t.Errorf("StringArg(recipe_text) = (%q, %v)", text, err)
	}
	if _, err := request.StringArg("absent"); err == nil {
		t.Error("StringArg(absent) = nil error, want error")
	}
	if _, err := request.StringArg("git"); err == nil {
		t.Error("StringArg on a bool succeeded, want type error")
	}

	if !request.BoolArg("git") {
		t.Error("BoolArg(git) = false, want true")
	}
	if request.BoolArg("absent") {
		t.Error("BoolArg(absent) = true, want false")
	}

	archives, err := request.StringSliceArg("archives")
	if err != nil {
		t.Fatalf("StringSliceArg: %v", err)
	}
	want := []string{"deb http://ppa.example.org/u questing main"}
	if !reflect.DeepEqual(archives, want) {
		t.Errorf("StringSliceArg = %v, want %v", archives, want)
	}

	if got, err := request.StringSliceArg("absent"); err != nil || got != nil {
		t.Errorf("StringSliceArg(absent) = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestOutcomeRetryable(t *testing.T) {
	retryable := []Outcome{OutcomeDependencyFailed, OutcomeChrootFailed, OutcomeBuilderFailed, OutcomeStalled}
	for _, outcome := range retryable {
		if !outcome.Retryable() {
			t.Errorf("%s.Retryable() = false, want true", outcome)
		}
	}
	final := []Outcome{OutcomeSuccess, OutcomeBuildFailed, OutcomeAborted}
	for _, outcome := range final {
		if outcome.Retryable() {
			t.Errorf("%s.Retryable() = true, want false", outcome)
		}
	}
}
