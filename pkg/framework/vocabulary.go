package framework

import "sync"

// Vocabulary translates node names to display names.
// Implementations must be safe for concurrent use.
type Vocabulary interface {
	Name(code string) string
}

// VocabularyFunc adapts a plain function to the Vocabulary interface.
type VocabularyFunc func(string) string

func (f VocabularyFunc) Name(code string) string { return f(code) }

// MapVocabulary is a register-based vocabulary. Unknown names pass through.
type MapVocabulary struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMapVocabulary(entries map[string]string) *MapVocabulary {
	v := &MapVocabulary{entries: make(map[string]string, len(entries))}
	for code, name := range entries {
		v.entries[code] = name
	}
	return v
}

// Register adds a single mapping. Returns the receiver for chaining.
func (v *MapVocabulary) Register(code, name string) *MapVocabulary {
	v.mu.Lock()
	v.entries[code] = name
	v.mu.Unlock()
	return v
}

func (v *MapVocabulary) Name(code string) string {
	v.mu.RLock()
	name, ok := v.entries[code]
	v.mu.RUnlock()
	if ok {
		return name
	}
	return code
}
