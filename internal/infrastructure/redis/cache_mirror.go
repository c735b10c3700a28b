package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"marketplace-sync/internal/domain"
	"marketplace-sync/pkg/logger"
)

// CacheEventsChannel carries one "instance|key|version|status" line per
// mirrored write.
const CacheEventsChannel = "cache_events"

// mirrorScript writes the entry unless the stored version is newer and
// announces the write. Versions only grow within one cache instance.
var mirrorScript = redis.NewScript(`
    local current = redis.call('HGET', KEYS[1], 'version')
    if current and tonumber(current) >= tonumber(ARGV[1]) then
        return 0
    end

    redis.call('HSET', KEYS[1],
        'version', ARGV[1],
        'status', ARGV[2],
        'value', ARGV[3],
        'error', ARGV[4],
        'stale', ARGV[5],
        'last_updated', ARGV[6])

    local ttl = tonumber(ARGV[7])
    if ttl > 0 then
        redis.call('EXPIRE', KEYS[1], ttl)
    end

    redis.call('PUBLISH', 'cache_events', ARGV[8] .. '|' .. ARGV[9] .. '|' .. ARGV[1] .. '|' .. ARGV[2])
    return 1
`)

// MirroredEntry is a cache entry as stored in Redis.
type MirroredEntry struct {
	Key         string
	Version     uint64
	Status      domain.CacheStatus
	Value       json.RawMessage
	Err         string
	Stale       bool
	LastUpdated time.Time
}

// CacheMirror copies cache writes into Redis hashes under
// "sync:<instance>:<key>" so other processes can inspect the client state.
type CacheMirror struct {
	client   *redis.Client
	instance string
	ttl      time.Duration
	log      logger.Logger
}

func NewCacheMirror(client *redis.Client, instance string, ttl time.Duration, log logger.Logger) *CacheMirror {
	return &CacheMirror{
		client:   client,
		instance: instance,
		ttl:      ttl,
		log:      log,
	}
}

func (m *CacheMirror) storageKey(key string) string {
	return fmt.Sprintf("sync:%s:%s", m.instance, key)
}

// Publish implements domain.CacheSink. An entry older than the mirrored
// one is skipped.
func (m *CacheMirror) Publish(ctx context.Context, entry domain.CachedEntity) error {
	value, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", entry.Key, err)
	}

	key := entry.Key.String()
	_, err = mirrorScript.Run(ctx, m.client, []string{m.storageKey(key)},
		strconv.FormatUint(entry.Version, 10),
		string(entry.Status),
		string(value),
		entry.ErrMessage(),
		strconv.FormatBool(entry.Stale),
		strconv.FormatInt(entry.LastUpdated.UnixMilli(), 10),
		int64(m.ttl.Seconds()),
		m.instance,
		key,
	).Result()
	return err
}

// Load reads a mirrored entry back. ok is false when nothing is stored.
func (m *CacheMirror) Load(ctx context.Context, key domain.EntityKey) (MirroredEntry, bool, error) {
	fields, err := m.client.HGetAll(ctx, m.storageKey(key.String())).Result()
	if err != nil {
		return MirroredEntry{}, false, err
	}
	if len(fields) == 0 {
		return MirroredEntry{}, false, nil
	}

	entry := MirroredEntry{
		Key:    key.String(),
		Status: domain.CacheStatus(fields["status"]),
		Value:  json.RawMessage(fields["value"]),
		Err:    fields["error"],
	}
	if entry.Version, err = strconv.ParseUint(fields["version"], 10, 64); err != nil {
		return MirroredEntry{}, false, fmt.Errorf("parse version of %s: %w", key, err)
	}
	entry.Stale, _ = strconv.ParseBool(fields["stale"])
	if ms, err := strconv.ParseInt(fields["last_updated"], 10, 64); err == nil {
		entry.LastUpdated = time.UnixMilli(ms)
	}
	return entry, true, nil
}

// Run mirrors entries until ctx is done or entries is closed. Failed
// writes are logged; the next write of the key repairs the mirror.
func (m *CacheMirror) Run(ctx context.Context, entries <-chan domain.CachedEntity) error {
	m.log.Info("Starting cache mirror", "instance", m.instance)

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			if err := m.Publish(ctx, entry); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.log.Error("Failed to mirror cache entry", "key", entry.Key.String(), "error", err)
			}

		case <-ctx.Done():
			m.log.Info("Cache mirror stopped")
			return ctx.Err()
		}
	}
}
