package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"empty defaults to serve", []string{}, CommandServe},
		{"serve", []string{"serve"}, CommandServe},
		{"migrate", []string{"migrate"}, CommandMigrate},
		{"reconcile", []string{"reconcile"}, CommandReconcile},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"unknown defaults to serve", []string{"worker"}, CommandServe},
		{"extra args ignored", []string{"reconcile", "--flag", "value"}, CommandReconcile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseCommand(tt.args); got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestCommand_UsesProvider(t *testing.T) {
	want := map[Command]bool{
		CommandServe:       true,
		CommandReconcile:   true,
		CommandMigrate:     false,
		CommandHealthcheck: false,
	}
	for _, c := range knownCommands {
		if got := c.usesProvider(); got != want[c] {
			t.Errorf("%s.usesProvider() = %v, want %v", c, got, want[c])
		}
	}
}
