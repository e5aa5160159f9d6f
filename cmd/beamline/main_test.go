package main

import (
	"slices"
	"testing"
)

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCmd  string
		wantRest []string
	}{
		{"no args", nil, "run", nil},
		{"subcommand", []string{"info", "a.muh5"}, "info", []string{"a.muh5"}},
		{"flags only", []string{"-config", "x.yaml"}, "run", []string{"-config", "x.yaml"}},
		{"empty first arg", []string{""}, "run", []string{""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, rest := splitCommand(tt.args)
			if cmd != tt.wantCmd {
				t.Errorf("cmd = %q, want %q", cmd, tt.wantCmd)
			}
			if !slices.Equal(rest, tt.wantRest) {
				t.Errorf("rest = %q, want %q", rest, tt.wantRest)
			}
		})
	}
}
