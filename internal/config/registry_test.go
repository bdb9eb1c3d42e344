package config

import (
	"errors"
	"testing"

	"github.com/vaani-labs/vaani/pkg/provider/stt"
	sttmock "github.com/vaani-labs/vaani/pkg/provider/stt/mock"
	"github.com/vaani-labs/vaani/pkg/provider/tts"
	ttsmock "github.com/vaani-labs/vaani/pkg/provider/tts/mock"
)

func TestRegistryCreateUsesRegisteredFactory(t *testing.T) {
	reg := NewRegistry()
	want := &sttmock.Provider{}
	var got ProviderEntry
	reg.RegisterSTT("deepgram", func(entry ProviderEntry) (stt.Provider, error) {
		got = entry
		return want, nil
	})

	entry := ProviderEntry{Name: "deepgram", APIKey: "dg-key", Model: "nova-3"}
	p, err := reg.CreateSTT(entry)
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if p != want {
		t.Error("CreateSTT did not return the factory's provider")
	}
	if got.APIKey != "dg-key" || got.Model != "nova-3" {
		t.Errorf("factory received entry %+v", got)
	}
}

func TestRegistryCreateUnknownName(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.CreateTTS(ProviderEntry{Name: "nosuch"}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("CreateTTS error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistryOverwriteLastWins(t *testing.T) {
	reg := NewRegistry()
	first := &ttsmock.Provider{}
	second := &ttsmock.Provider{}
	reg.RegisterTTS("elevenlabs", func(ProviderEntry) (tts.Provider, error) { return first, nil })
	reg.RegisterTTS("elevenlabs", func(ProviderEntry) (tts.Provider, error) { return second, nil })

	p, err := reg.CreateTTS(ProviderEntry{Name: "elevenlabs"})
	if err != nil {
		t.Fatalf("CreateTTS: %v", err)
	}
	if p != second {
		t.Error("second registration did not replace the first")
	}
}
