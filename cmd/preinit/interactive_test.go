package main

import (
	"context"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	preinit "github.com/wippyai/wasm-preinit"
)

func TestInteractive_CtrlCCancelsRun(t *testing.T) {
	tests := []struct {
		name   string
		output string
		state  modelState
	}{
		{"running", "out.wasm", stateRunning},
		{"asking for output", "", stateAskOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newInteractiveModel(context.Background(), options{input: "in.wasm", output: tt.output}, preinit.DefaultConfig(), nil)
			if m.state != tt.state {
				t.Fatalf("state = %d, want %d", m.state, tt.state)
			}
			if m.ctx.Err() != nil {
				t.Fatal("context canceled before quitting")
			}

			_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
			if cmd == nil {
				t.Error("ctrl+c did not quit")
			}
			if m.ctx.Err() != context.Canceled {
				t.Errorf("ctx.Err() = %v, want canceled", m.ctx.Err())
			}
		})
	}
}
