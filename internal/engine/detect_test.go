package engine

import (
	"context"
	"testing"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		provider string
		wantName string
	}{
		{"openai", "openai"},
		{"", "openai"},
		{"Ollama", "ollama"},
	}
	for _, tt := range tests {
		e, err := Detect(context.Background(), DetectConfig{Provider: tt.provider, Model: "m"})
		if err != nil {
			t.Fatalf("Detect(%q): %v", tt.provider, err)
		}
		if e.Name() != tt.wantName {
			t.Errorf("Detect(%q).Name() = %q, want %q", tt.provider, e.Name(), tt.wantName)
		}
	}
}

func TestDetectUnknown(t *testing.T) {
	if _, err := Detect(context.Background(), DetectConfig{Provider: "bedrock"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
