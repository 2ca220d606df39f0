package runtime

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/synnergy-mu/cluster/internal/clusterid"
)

// moduleCacheKey identifies a compiled module by the stack and assembly it
// belongs to.
type moduleCacheKey struct {
	StackID  clusterid.StackID
	Assembly string
}

type cachedEntry struct {
	module      *wasmer.Module
	memoryLimit uint64
}

// moduleCache compiles and caches WASM modules. The first load compiles the
// module and writes the compiled artifact to a disk cache keyed by a
// content hash of the raw bytes; subsequent loads prefer the cached
// artifact and fall back to recompilation if deserialization fails.
type moduleCache struct {
	engine *wasmer.Engine
	dir    string
	mu     sync.Mutex
	hot    map[moduleCacheKey]cachedEntry
}

func newModuleCache(engine *wasmer.Engine, dir string) *moduleCache {
	return &moduleCache{engine: engine, dir: dir, hot: make(map[moduleCacheKey]cachedEntry)}
}

// load returns a compiled module for the given key, compiling and caching it
// if necessary. memoryLimit is stored in the cache entry alongside the
// module; nothing reads it back, and callers pass it on every call.
func (c *moduleCache) load(key moduleCacheKey, wasmBytes []byte, memoryLimit uint64) (*wasmer.Module, error) {
	c.mu.Lock()
	if entry, ok := c.hot[key]; ok {
		c.mu.Unlock()
		return entry.module, nil
	}
	c.mu.Unlock()

	hash := contentHash(wasmBytes)
	store := wasmer.NewStore(c.engine)

	if c.dir != "" {
		if mod, err := c.loadFromDisk(store, hash); err == nil {
			c.remember(key, mod, memoryLimit)
			return mod, nil
		}
	}

	mod, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, err
	}

	if c.dir != "" {
		c.writeToDisk(mod, hash)
	}

	c.remember(key, mod, memoryLimit)
	return mod, nil
}

func (c *moduleCache) remember(key moduleCacheKey, mod *wasmer.Module, memoryLimit uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hot[key] = cachedEntry{module: mod, memoryLimit: memoryLimit}
}

func (c *moduleCache) loadFromDisk(store *wasmer.Store, hash string) (*wasmer.Module, error) {
	path := c.diskPath(hash)
	serialized, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mod, err := wasmer.DeserializeModule(store, serialized)
	if err != nil {
		return nil, errors.New("runtime: cached module deserialization failed, recompiling")
	}
	return mod, nil
}

func (c *moduleCache) writeToDisk(mod *wasmer.Module, hash string) {
	serialized, err := mod.Serialize()
	if err != nil {
		return
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(c.diskPath(hash), serialized, 0o644)
}

func (c *moduleCache) diskPath(hash string) string {
	return filepath.Join(c.dir, hash+".wasmu")
}

// contentHash derives a 128-bit content hash from two xxhash digests, the
// same widening construction clusterid uses for node hashes: the second
// digest salts the input with the first so the low half isn't a trivial
// function of the high half.
func contentHash(b []byte) string {
	var sum [16]byte
	d1 := xxhash.Sum64(b)
	binary.BigEndian.PutUint64(sum[:8], d1)
	salted := make([]byte, 0, len(b)+8)
	salted = append(salted, b...)
	salted = binary.BigEndian.AppendUint64(salted, d1)
	binary.BigEndian.PutUint64(sum[8:], xxhash.Sum64(salted))
	return hex.EncodeToString(sum[:])
}
