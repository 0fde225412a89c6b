package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidateOverrides(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			"well formed",
			`{"mcpso": {"remoteOrigin": "https://mcp.so", "proxyPath": "/market-proxy/mcpso/"}}`,
			false,
		},
		{"empty object", `{}`, false},
		{"label only", `{"mcpmarket": {"label": "MCP Market CN"}}`, false},
		{"not json", `{"mcpso":`, true},
		{"top level array", `[{"id": "mcpso"}]`, true},
		{"entry not object", `{"mcpso": "https://mcp.so"}`, true},
		{"unknown field", `{"mcpso": {"origin": "https://mcp.so"}}`, true},
		{"non-http origin", `{"mcpso": {"remoteOrigin": "file:///etc/passwd"}}`, true},
		{"relative proxy path", `{"mcpso": {"proxyPath": "market-proxy/mcpso/"}}`, true},
		{"numeric label", `{"mcpso": {"label": 7}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOverrides([]byte(tt.doc))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOverrides() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()

	if doc, err := LoadOverrides(""); err != nil || doc != nil {
		t.Errorf("empty path: doc=%v err=%v, want nil, nil", doc, err)
	}
	if doc, err := LoadOverrides(filepath.Join(dir, "absent.json")); err != nil || doc != nil {
		t.Errorf("missing file: doc=%v err=%v, want nil, nil", doc, err)
	}

	path := filepath.Join(dir, "overrides.json")
	if err := os.WriteFile(path, []byte(`{"mcpso":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := LoadOverrides(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(doc) != `{"mcpso":{}}` {
		t.Errorf("doc = %s", doc)
	}
}

func TestOverrideWatcherDeliversChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewOverrideWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SetDebounce(20 * time.Millisecond)

	got := make(chan []byte, 4)
	w.OnChange(func(doc []byte) { got <- doc })

	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	next := `{"mcpso": {"label": "updated"}}`
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case doc := <-got:
		if !strings.Contains(string(doc), "updated") {
			t.Errorf("delivered doc = %s", doc)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("change was never delivered")
	}

	if !strings.Contains(string(w.Current()), "updated") {
		t.Errorf("Current() = %s", w.Current())
	}
}

func TestOverrideWatcherIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewOverrideWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SetDebounce(20 * time.Millisecond)

	got := make(chan []byte, 4)
	w.OnChange(func(doc []byte) { got <- doc })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "unrelated.json"), []byte(`{"x":1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case doc := <-got:
		t.Errorf("sibling edit triggered a reload: %s", doc)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestOverrideWatcherStartsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.json")

	w, err := NewOverrideWatcher(path)
	if err != nil {
		t.Fatalf("watcher should tolerate a missing document: %v", err)
	}
	defer w.Stop()
	w.SetDebounce(20 * time.Millisecond)

	if w.Current() != nil {
		t.Errorf("Current() = %s, want nil before the file exists", w.Current())
	}

	got := make(chan []byte, 4)
	w.OnChange(func(doc []byte) { got <- doc })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(`{"mcpmarket":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case doc := <-got:
		if !strings.Contains(string(doc), "mcpmarket") {
			t.Errorf("delivered doc = %s", doc)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("creation was never delivered")
	}
}
