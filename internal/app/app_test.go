package app

import (
	"context"
	"errors"
	"testing"

	"docqa/internal/config"
	"docqa/internal/models"
)

func TestNewSession_UniqueIDs(t *testing.T) {
	cfg := config.Default()
	a, err := NewSession(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewSession(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("ids %q and %q", a.ID(), b.ID())
	}
}

func TestNewSession_NoCredentialNoConnection(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	s, err := NewSession(config.Default(), "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.AddDocument(context.Background(), "notes.txt", []byte("some text"))
	if !errors.Is(err, models.ErrCredentialMissing) {
		t.Fatalf("expected ErrCredentialMissing, got %v", err)
	}
}

func TestProviders_UnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.EmbedLLM.Provider = "nope"
	if _, _, err := Providers(cfg)(context.Background(), "k"); err == nil {
		t.Fatal("expected error")
	}
}
