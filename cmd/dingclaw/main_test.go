package main

import (
	"testing"
)

func TestNewDingclawCommand(t *testing.T) {
	cmd := NewDingclawCommand()

	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Error("missing --config flag")
	}

	want := []string{"gateway", "probe", "chat", "send", "version"}
	for _, name := range want {
		sub, _, err := cmd.Find([]string{name})
		if err != nil || sub.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}
