package targets

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"cidAbc123", "cidAbc123"},
		{"dingtalk:cidAbc123", "cidAbc123"},
		{"DingTalk:cidAbc123", "cidAbc123"},
		{"conv:cidAbc123", "cidAbc123"},
		{"CONVERSATION:cidAbc123", "cidAbc123"},
		{"dingtalk:conv:cidAbc123", "cidAbc123"},
		{"conv:dingtalk:cidAbc123", "cidAbc123"},
		{"user:cidAbc123", "user:cidAbc123"},
		{"dingtalk: cidAbc123", "cidAbc123"},
		{"conv:\tcidAbc123", "cidAbc123"},
		{"  dingtalk:conv: cid1 ", "cid1"},
		{"", ""},
	}
	for _, tt := range tests {
		got := Normalize(tt.in)
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if again := Normalize(got); again != got {
			t.Errorf("Normalize(Normalize(%q)) = %q, want %q", tt.in, again, got)
		}
	}
}

func TestLooksLikeID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"cidX", true},
		{"cidAbC9==", false},
		{"abcdefghij", true},
		{"abcdefghi", false},
		{"team chat", false},
		{"研发群", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := LooksLikeID(tt.in); got != tt.want {
			t.Errorf("LooksLikeID(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	got, ok := Parse("dingtalk:cidGroup42")
	if !ok {
		t.Fatal("Parse() ok = false, want true")
	}
	if got.ConversationID != "cidGroup42" || got.Type != DirectMessage {
		t.Errorf("Parse() = %+v, want cidGroup42 direct message", got)
	}

	if _, ok := Parse("conv:ops"); ok {
		t.Error("Parse(conv:ops) ok = true, want false")
	}
}

func TestBuild(t *testing.T) {
	if got := Build("conv:cidA1", ""); got.Type != DirectMessage || got.ConversationID != "cidA1" {
		t.Errorf("Build() = %+v, want cidA1 direct message", got)
	}
	if got := Build("cidA1", Group); !got.IsGroup() {
		t.Errorf("Build(Group).IsGroup() = false")
	}
	if got := Format("dingtalk:cidA1"); got != "cidA1" {
		t.Errorf("Format() = %q, want cidA1", got)
	}
}
