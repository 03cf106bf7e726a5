package agents

import "testing"

func TestGemini_ParseEnvelope(t *testing.T) {
	raw := `Loaded cached credentials.
{"response":"Hola","sessionId":"0bd5ab4e-91a0-4de1-8710-104f4092b4f6","stats":{"models":{"gemini-pro":{"tokens":{"prompt":50,"candidates":20}}}}}`

	res := NewGemini().ParseOutput(raw)
	if !res.SawJSON {
		t.Error("SawJSON = false")
	}
	if res.Text != "Hola" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.SessionID != "0bd5ab4e-91a0-4de1-8710-104f4092b4f6" {
		t.Errorf("SessionID = %q", res.SessionID)
	}
	if res.Usage == nil || res.Usage.InputTokens != 50 || res.Usage.OutputTokens != 20 {
		t.Errorf("Usage = %+v", res.Usage)
	}
}

func TestGemini_RejectsNonUUIDSession(t *testing.T) {
	raw := `{"response":"ok","sessionId":"not-a-uuid"}`
	res := NewGemini().ParseOutput(raw)
	if res.SessionID != "" {
		t.Errorf("non-UUID session accepted: %q", res.SessionID)
	}
}

func TestGemini_StripsControlSequences(t *testing.T) {
	raw := "\x1b[2J\x1b[1;32mbanner\x1b[0m\n{\"response\":\"clean\"}"
	res := NewGemini().ParseOutput(raw)
	if res.Text != "clean" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestGemini_OnlyControlBytes(t *testing.T) {
	res := NewGemini().ParseOutput("\x1b[2J\x1b[0m\r")
	if res.SawJSON || res.Text != "" {
		t.Errorf("ParseOutput = %+v, want empty plain result", res)
	}
}

func TestGemini_BottomUpScan(t *testing.T) {
	raw := `{"progress":"half"}
garbage line
{"response":"último"}`
	res := NewGemini().ParseOutput(raw)
	if res.Text != "último" {
		t.Errorf("Text = %q: should pick last parseable object", res.Text)
	}
}

func TestGemini_ModelAndSessionLists(t *testing.T) {
	models := NewGemini().ParseModelList("gemini-pro\n\ngemini-flash\n# comment\n")
	if len(models) != 2 || models[0] != "gemini-pro" || models[1] != "gemini-flash" {
		t.Errorf("ParseModelList = %v", models)
	}

	sessions := NewGemini().ParseSessionList(`{"sessions":[{"id":"0bd5ab4e-91a0-4de1-8710-104f4092b4f6"},{"id":"bogus"}]}`)
	if len(sessions) != 1 || sessions[0] != "0bd5ab4e-91a0-4de1-8710-104f4092b4f6" {
		t.Errorf("ParseSessionList = %v", sessions)
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	for _, id := range []string{"claude", "codex", "gemini", "shell"} {
		if _, err := r.Get(id); err != nil {
			t.Errorf("Get(%q): %v", id, err)
		}
	}
	if _, err := r.Get("nope"); err == nil {
		t.Error("Get(nope) should fail")
	}

	if _, ok := interface{}(NewGemini()).(SessionLister); !ok {
		t.Error("gemini should implement SessionLister")
	}
	if _, ok := interface{}(NewClaude()).(SessionLister); ok {
		t.Error("claude should not implement SessionLister")
	}
}
