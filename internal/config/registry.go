package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/openwear/earstream/pkg/provider/asr"
	"github.com/openwear/earstream/pkg/provider/embeddings"
	"github.com/openwear/earstream/pkg/provider/llm"
	"github.com/openwear/earstream/pkg/provider/speaker"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	streaming  map[string]func(ProviderEntry) (asr.StreamingProvider, error)
	batch      map[string]func(ProviderEntry) (asr.BatchProvider, error)
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
	speaker    map[string]func(ProviderEntry) (speaker.Recognizer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		streaming:  make(map[string]func(ProviderEntry) (asr.StreamingProvider, error)),
		batch:      make(map[string]func(ProviderEntry) (asr.BatchProvider, error)),
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
		speaker:    make(map[string]func(ProviderEntry) (speaker.Recognizer, error)),
	}
}

// RegisterStreamingASR registers a streaming ASR provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterStreamingASR(name string, factory func(ProviderEntry) (asr.StreamingProvider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streaming[name] = factory
}

// RegisterBatchASR registers a batch ASR provider factory under name.
func (r *Registry) RegisterBatchASR(name string, factory func(ProviderEntry) (asr.BatchProvider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batch[name] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterSpeaker registers a speaker recognizer factory under name.
func (r *Registry) RegisterSpeaker(name string, factory func(ProviderEntry) (speaker.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speaker[name] = factory
}

// CreateStreamingASR instantiates a streaming ASR provider using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateStreamingASR(entry ProviderEntry) (asr.StreamingProvider, error) {
	r.mu.RLock()
	factory, ok := r.streaming[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr-streaming/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateBatchASR instantiates a batch ASR provider using the factory
// registered under entry.Name.
func (r *Registry) CreateBatchASR(entry ProviderEntry) (asr.BatchProvider, error) {
	r.mu.RLock()
	factory, ok := r.batch[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr-batch/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSpeaker instantiates a speaker recognizer using the factory
// registered under entry.Name.
func (r *Registry) CreateSpeaker(entry ProviderEntry) (speaker.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.speaker[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speaker/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
