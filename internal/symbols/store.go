// Package symbols caches the venue's symbol-name to symbol-id mapping per
// user, environment, and account in a redis hash.
package symbols

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyFmt     = "symbols:%s:%s:%d"
	scanCount  = 200
	defaultTTL = 24 * time.Hour
)

// Entry is one cached symbol.
type Entry struct {
	Symbol   string `json:"symbol"`
	SymbolID int64  `json:"symbolId"`
}

func Key(userID, env string, accountID int64) string {
	return fmt.Sprintf(keyFmt, userID, env, accountID)
}

// Store reads and replaces symbol caches. Names are uppercased on the way
// in so lookups are case-insensitive.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// Count returns the number of cached symbols.
func (s *Store) Count(ctx context.Context, userID, env string, accountID int64) (int64, error) {
	n, err := s.rdb.HLen(ctx, Key(userID, env, accountID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count symbols: %w", err)
	}
	return n, nil
}

// SymbolID resolves a symbol name to its id, or 0 when the symbol is not
// cached or carries a non-positive id.
func (s *Store) SymbolID(ctx context.Context, userID, env string, accountID int64, symbol string) (int64, error) {
	raw, err := s.rdb.HGet(ctx, Key(userID, env, accountID), strings.ToUpper(symbol)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get symbol id: %w", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, nil
	}
	return id, nil
}

// ReplaceAll swaps the cached mapping for a fresh one and rearms the
// expiry. The delete and the writes run in one transaction so readers
// never see a half-written cache.
func (s *Store) ReplaceAll(ctx context.Context, userID, env string, accountID int64, mapping map[string]int64) error {
	key := Key(userID, env, accountID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(mapping) == 0 {
			return nil
		}
		args := make([]any, 0, len(mapping)*2)
		for name, id := range mapping {
			args = append(args, strings.ToUpper(name), strconv.FormatInt(id, 10))
		}
		pipe.HSet(ctx, key, args...)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace symbols: %w", err)
	}
	return nil
}

// Search returns cached symbols whose name contains needle, up to limit.
// An empty needle matches everything.
func (s *Store) Search(ctx context.Context, userID, env string, accountID int64, needle string, limit int) ([]Entry, error) {
	key := Key(userID, env, accountID)
	needle = strings.ToUpper(needle)
	pattern := "*"
	if needle != "" {
		pattern = "*" + needle + "*"
	}

	out := []Entry{}
	var cursor uint64
	for {
		pairs, next, err := s.rdb.HScan(ctx, key, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan symbols: %w", err)
		}
		for i := 0; i+1 < len(pairs); i += 2 {
			if limit > 0 && len(out) >= limit {
				break
			}
			if e, ok := entryFrom(pairs[i], pairs[i+1]); ok {
				out = append(out, e)
			}
		}
		if next == 0 || (limit > 0 && len(out) >= limit) {
			break
		}
		cursor = next
	}

	// Some servers match HSCAN patterns loosely; fall back to a full read
	// when a non-empty needle scanned to nothing.
	if len(out) == 0 && needle != "" {
		return s.searchFallback(ctx, key, needle, limit)
	}
	sortEntries(out)
	return out, nil
}

func (s *Store) searchFallback(ctx context.Context, key, needle string, limit int) ([]Entry, error) {
	all, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read symbols: %w", err)
	}
	out := []Entry{}
	for name, raw := range all {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !strings.Contains(name, needle) {
			continue
		}
		if e, ok := entryFrom(name, raw); ok {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func entryFrom(name, raw string) (Entry, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Entry{}, false
	}
	return Entry{Symbol: name, SymbolID: id}, true
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Symbol < entries[j].Symbol })
}
