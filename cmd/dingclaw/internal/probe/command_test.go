package probe

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tinyland-inc/dingclaw/pkg/dingtalk"
)

func TestPrintResult(t *testing.T) {
	tests := []struct {
		name    string
		result  dingtalk.ProbeResult
		wantErr error
	}{
		{"ok", dingtalk.ProbeResult{OK: true, AppKey: "ding-key"}, nil},
		{"failed", dingtalk.ProbeResult{Error: "Authentication failed: invalid appKey or appSecret"}, ErrProbeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			err := printResult(&out, tt.result)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("printResult() error = %v, want %v", err, tt.wantErr)
			}
			var got dingtalk.ProbeResult
			if err := json.Unmarshal([]byte(out.String()), &got); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			if got != tt.result {
				t.Errorf("printed %+v, want %+v", got, tt.result)
			}
		})
	}
}

func TestNewProbeCommand(t *testing.T) {
	cmd := NewProbeCommand()
	if cmd.Use != "probe" {
		t.Errorf("Use = %q, want probe", cmd.Use)
	}
	if cmd.Flags().Lookup("bot-info") == nil {
		t.Error("missing --bot-info flag")
	}
}
