package chirp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	cachePrefix       = "channel_messages_"
	maxCachedMessages = 100
	maxCacheAge       = 7 * 24 * time.Hour
)

// KV is the storage backend for the message cache. Implementations must be
// safe for concurrent use.
type KV interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys() ([]string, error)
}

// MemoryKV is an in-process KV, suitable for tests and short-lived sessions.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV returns an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemoryKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// FileKV stores each key as a JSON file under a directory, so cached
// transcripts survive process restarts.
type FileKV struct {
	dir string
	mu  sync.Mutex
}

// NewFileKV creates the directory if needed and returns a file-backed store.
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileKV{dir: dir}, nil
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, key+".json")
}

func (f *FileKV) Get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (f *FileKV) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tmp := f.path(key) + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path(key))
}

func (f *FileKV) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FileKV) Keys() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

type cacheEntry struct {
	Messages    []Message `json:"messages"`
	LastUpdated int64     `json:"lastUpdated"`
}

// MessageCache persists recent transcripts per channel so a reopened channel
// can paint instantly while fresh history loads. It is an accelerator, never
// an authority: every failure degrades to a cache miss.
type MessageCache struct {
	kv  KV
	log *zap.Logger
	now func() time.Time
}

// NewMessageCache wraps a KV backend. A nil logger disables logging.
func NewMessageCache(kv KV, log *zap.Logger) *MessageCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageCache{kv: kv, log: log, now: time.Now}
}

func cacheKey(channelID string) string {
	return cachePrefix + channelID
}

// Put stores a channel's transcript, keeping only the newest
// maxCachedMessages entries. Storage failures are logged and swallowed.
func (c *MessageCache) Put(channelID string, messages []Message) {
	if channelID == "" {
		return
	}
	if len(messages) > maxCachedMessages {
		messages = messages[len(messages)-maxCachedMessages:]
	}
	entry := cacheEntry{
		Messages:    messages,
		LastUpdated: c.now().UnixMilli(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.log.Warn("cache encode failed", zap.String("channel", channelID), zap.Error(err))
		return
	}
	if err := c.kv.Set(cacheKey(channelID), data); err != nil {
		c.log.Warn("cache write failed", zap.String("channel", channelID), zap.Error(err))
	}
}

// Get returns the cached transcript for a channel, or nil on a miss. Entries
// older than maxCacheAge are purged lazily; corrupt entries are deleted and
// treated as misses.
func (c *MessageCache) Get(channelID string) []Message {
	data, ok := c.kv.Get(cacheKey(channelID))
	if !ok {
		return nil
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.log.Warn("discarding corrupt cache entry",
			zap.String("channel", channelID), zap.Error(err))
		_ = c.kv.Delete(cacheKey(channelID))
		return nil
	}
	age := c.now().Sub(time.UnixMilli(entry.LastUpdated))
	if age > maxCacheAge {
		_ = c.kv.Delete(cacheKey(channelID))
		return nil
	}
	return entry.Messages
}

// Invalidate removes a single channel's cached transcript.
func (c *MessageCache) Invalidate(channelID string) {
	if err := c.kv.Delete(cacheKey(channelID)); err != nil {
		c.log.Warn("cache invalidate failed", zap.String("channel", channelID), zap.Error(err))
	}
}

// InvalidateAll removes every cached transcript.
func (c *MessageCache) InvalidateAll() {
	keys, err := c.kv.Keys()
	if err != nil {
		c.log.Warn("cache scan failed", zap.Error(err))
		return
	}
	for _, k := range keys {
		if strings.HasPrefix(k, cachePrefix) {
			_ = c.kv.Delete(k)
		}
	}
}

// CacheInfo summarizes the cache contents for diagnostics.
type CacheInfo struct {
	Channels int
	Messages int
}

// Info reports how many channels and messages are currently cached.
func (c *MessageCache) Info() CacheInfo {
	var info CacheInfo
	keys, err := c.kv.Keys()
	if err != nil {
		return info
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, cachePrefix) {
			continue
		}
		data, ok := c.kv.Get(k)
		if !ok {
			continue
		}
		var entry cacheEntry
		if json.Unmarshal(data, &entry) != nil {
			continue
		}
		info.Channels++
		info.Messages += len(entry.Messages)
	}
	return info
}
