package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// PromptCache memoises completions within a single cycle. A request identical
// to one already answered (same client name, system prompt, prompt and
// schema) is served from memory, which keeps the cycle deterministic and
// saves tokens. The scheduler allocates a fresh cache per cycle — reuse
// across cycles would serve stale market reads.
type PromptCache struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewPromptCache creates an empty per-cycle cache.
func NewPromptCache() *PromptCache {
	return &PromptCache{entries: make(map[string]string)}
}

func cacheKey(clientName string, req Request) string {
	h := sha256.New()
	h.Write([]byte(clientName))
	h.Write([]byte{0})
	h.Write([]byte(req.System))
	h.Write([]byte{0})
	h.Write([]byte(req.Prompt))
	h.Write([]byte{0})
	h.Write([]byte(req.Schema))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a memoised completion for the exact request, if any.
func (pc *PromptCache) Get(clientName string, req Request) (string, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	out, ok := pc.entries[cacheKey(clientName, req)]
	return out, ok
}

// Put stores a completion.
func (pc *PromptCache) Put(clientName string, req Request, out string) {
	pc.mu.Lock()
	pc.entries[cacheKey(clientName, req)] = out
	pc.mu.Unlock()
}
