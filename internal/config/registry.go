package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/425732441/full-duplex-voice-demo/pkg/provider/llm"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/stt"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/tts"
	"github.com/425732441/full-duplex-voice-demo/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]func(ProviderEntry) (llm.Provider, error)
	stt map[string]func(ProviderEntry) (stt.Provider, error)
	tts map[string]func(ProviderEntry) (tts.Provider, error)
	vad map[string]func(ProviderEntry) (vad.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]func(ProviderEntry) (llm.Provider, error)),
		stt: make(map[string]func(ProviderEntry) (stt.Provider, error)),
		tts: make(map[string]func(ProviderEntry) (tts.Provider, error)),
		vad: make(map[string]func(ProviderEntry) (vad.Engine, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(r, r.llm, "llm", entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(r, r.stt, "stt", entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, r.tts, "tts", entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return create(r, r.vad, "vad", entry)
}

// Names returns the sorted provider names registered for kind ("llm", "stt",
// "tts" or "vad").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case "llm":
		return slices.Sorted(maps.Keys(r.llm))
	case "stt":
		return slices.Sorted(maps.Keys(r.stt))
	case "tts":
		return slices.Sorted(maps.Keys(r.tts))
	case "vad":
		return slices.Sorted(maps.Keys(r.vad))
	}
	return nil
}

func create[T any](r *Registry, factories map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}

// OptString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// OptInt extracts an integer value from a provider Options map. YAML numbers
// decode as int; floats are truncated. Returns 0 when absent.
func OptInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// OptFloat extracts a numeric value from a provider Options map as float64.
// Returns 0 when absent.
func OptFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return 0
}
