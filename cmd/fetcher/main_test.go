// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"reflect"
	"strings"
	"testing"

	"github.com/bureau-foundation/fetcher/lib/wire"
)

func TestParseTargets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		arguments []string
		want      []wire.FetchTarget
		wantError string
	}{
		{
			name:      "several",
			arguments: []string{"10.0.0.11:/srv/a", "10.0.0.12:"},
			want:      []wire.FetchTarget{{IP: "10.0.0.11", Path: "/srv/a"}, {IP: "10.0.0.12", Path: ""}},
		},
		{
			name:      "colon in directory",
			arguments: []string{"10.0.0.11:/srv/a:b"},
			want:      []wire.FetchTarget{{IP: "10.0.0.11", Path: "/srv/a:b"}},
		},
		{name: "none", wantError: "at least one"},
		{name: "missing directory separator", arguments: []string{"10.0.0.11"}, wantError: "expected IP:DIR"},
		{name: "bad address", arguments: []string{"agent-1:/srv"}, wantError: "agent-1"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseTargets(test.arguments)
			if test.wantError != "" {
				if err == nil || !strings.Contains(err.Error(), test.wantError) {
					t.Fatalf("parseTargets error = %v, want one containing %q", err, test.wantError)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTargets: %v", err)
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("parseTargets = %+v, want %+v", got, test.want)
			}
		})
	}
}

func TestCommandDispatch(t *testing.T) {
	t.Parallel()
	var ran []string
	root := &command{
		name: "fetcher",
		subcommands: []*command{
			{name: "one", run: func(args []string) error {
				ran = append(ran, "one:"+strings.Join(args, ","))
				return nil
			}},
		},
	}

	if err := root.execute([]string{"one", "a", "b"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(ran) != 1 || ran[0] != "one:a,b" {
		t.Errorf("ran = %v", ran)
	}
	if err := root.execute([]string{"two"}); err == nil || !strings.Contains(err.Error(), `unknown command "two"`) {
		t.Errorf("unknown subcommand error = %v", err)
	}
}

func TestPushRequiresFile(t *testing.T) {
	t.Parallel()
	err := pushCommand().execute([]string{"--target", "10.0.0.11:/srv"})
	if err == nil || !strings.Contains(err.Error(), "--file is required") {
		t.Errorf("push without --file: %v", err)
	}
}
