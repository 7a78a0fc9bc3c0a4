// Package store implements C1, the typed façade over the shared Redis
// instance: session hashes, config hashes, lifecycle-phase sets, and agent
// identity keys. Nothing else in the control plane is permitted to touch
// Redis with an ad-hoc key pattern — every key the system uses is minted
// here (§4.1).
package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/MHGanainy/simsbuddy-voice-agent/internal/log"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/model"
)

// Phase names the two lifecycle-indexed sets the store maintains.
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseReady    Phase = "ready"
)

const (
	maxLogLines = 100

	defaultOpTimeout = 2 * time.Second
)

// Store is the Redis-backed SessionStore.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
}

// New constructs a Store around an already-configured Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client, logger: log.WithComponent("store")}
}

func sessionKey(id string) string       { return "session:" + id }
func configKey(id string) string        { return "session:" + id + ":config" }
func userKey(userName string) string    { return "session:user:" + userName }
func phaseKey(p Phase) string           { return "session:" + string(p) }
func agentPidKey(id string) string      { return "agent:" + id + ":pid" }
func agentLogfileKey(id string) string  { return "agent:" + id + ":logfile" }
func agentLogsKey(id string) string     { return "agent:" + id + ":logs" }
func agentHealthKey(id string) string   { return "agent:" + id + ":health" }
func cleanupLockKey(id string) string   { return "session:" + id + ":cleanup-lock" }

// PutSession writes (or overwrites) the Session hash with TTL.
func (s *Store) PutSession(ctx context.Context, id string, fields map[string]string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	if len(fields) == 0 {
		return
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(id), values)
	pipe.Expire(ctx, sessionKey(id), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("put session failed")
	}
}

// GetSession reads the Session hash back into a field map. Returns
// (nil, false) both on a missing key and on any connectivity failure —
// callers never distinguish "not found" from "store unreachable" (§4.1,
// "degrade silently").
func (s *Store) GetSession(ctx context.Context, id string) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("get session failed")
		return nil, false
	}
	if len(fields) == 0 {
		return nil, false
	}
	return fields, true
}

// PutConfig writes the SessionConfig hash with the same TTL as the Session.
func (s *Store) PutConfig(ctx context.Context, id string, fields map[string]string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, configKey(id), values)
	pipe.Expire(ctx, configKey(id), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("put config failed")
	}
}

// GetConfig reads the SessionConfig hash.
func (s *Store) GetConfig(ctx context.Context, id string) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, configKey(id)).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("get config failed")
		return nil, false
	}
	if len(fields) == 0 {
		return nil, false
	}
	return fields, true
}

// AddToPhase adds id to the given phase-index set.
func (s *Store) AddToPhase(ctx context.Context, p Phase, id string) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	if err := s.client.SAdd(ctx, phaseKey(p), id).Err(); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Str("phase", string(p)).Msg("add to phase failed")
	}
}

// RemoveFromPhase removes id from the given phase-index set.
func (s *Store) RemoveFromPhase(ctx context.Context, p Phase, id string) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	if err := s.client.SRem(ctx, phaseKey(p), id).Err(); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Str("phase", string(p)).Msg("remove from phase failed")
	}
}

// GetPhase returns every session id currently in the given phase set.
func (s *Store) GetPhase(ctx context.Context, p Phase) []string {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	ids, err := s.client.SMembers(ctx, phaseKey(p)).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("phase", string(p)).Msg("get phase failed")
		return nil
	}
	return ids
}

// PutUserMapping records session:user:{userName} → sessionId.
func (s *Store) PutUserMapping(ctx context.Context, userName, sessionID string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	if userName == "" {
		return
	}
	if err := s.client.Set(ctx, userKey(userName), sessionID, ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("user_name", userName).Msg("put user mapping failed")
	}
}

// PutAgentIdentity persists agent:{id}:pid and agent:{id}:logfile only; the
// copy of the identity fields in the Session hash is written by the caller.
func (s *Store) PutAgentIdentity(ctx context.Context, identity model.AgentIdentity, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, agentPidKey(identity.SessionID), strconv.Itoa(identity.Pid), ttl)
	pipe.Set(ctx, agentLogfileKey(identity.SessionID), identity.LogFilePath, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("session_id", identity.SessionID).Msg("put agent identity failed")
	}
}

// GetAgentPid reads agent:{id}:pid back as an int. Returns (0, false) if
// absent or malformed.
func (s *Store) GetAgentPid(ctx context.Context, id string) (int, bool) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	v, err := s.client.Get(ctx, agentPidKey(id)).Result()
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return pid, true
}

// AppendLog pushes a log line to agent:{id}:logs and trims it to the last
// maxLogLines entries (§3 LogBuffer).
func (s *Store) AppendLog(ctx context.Context, id, line string) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, agentLogsKey(id), line)
	pipe.LTrim(ctx, agentLogsKey(id), -maxLogLines, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("append log failed")
	}
}

// RecentLogs returns the last n entries of agent:{id}:logs, oldest first.
func (s *Store) RecentLogs(ctx context.Context, id string, n int64) []string {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	lines, err := s.client.LRange(ctx, agentLogsKey(id), -n, -1).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("recent logs failed")
		return nil
	}
	return lines
}

// ListSessionIds enumerates every session:{id} hash key via KEYS, filtering
// out the fixed non-session keys the schema reserves (§4.1). Prefer
// ScanSessionIds in production; this is kept for small-fleet introspection
// tooling where a single blocking call is acceptable.
func (s *Store) ListSessionIds(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keys, err := s.client.Keys(ctx, "session:*").Result()
	if err != nil {
		s.logger.Warn().Err(err).Msg("list session ids failed")
		return nil
	}
	return s.filterSessionKeys(ctx, keys)
}

// ScanSessionIds performs a non-blocking cursor scan over session:* keys in
// the given batch size, applying the same filtering rules as
// ListSessionIds. Preferred over ListSessionIds in production (§4.1).
func (s *Store) ScanSessionIds(ctx context.Context, batch int64) []string {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		cursor uint64
		keys   []string
	)
	for {
		batchKeys, next, err := s.client.Scan(ctx, cursor, "session:*", batch).Result()
		if err != nil {
			s.logger.Warn().Err(err).Msg("scan session ids failed")
			return nil
		}
		keys = append(keys, batchKeys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return s.filterSessionKeys(ctx, keys)
}

// filterSessionKeys applies the schema-drift-defensive rules from §4.1:
// skip :config, :user:, session:ready, session:starting, and verify each
// remaining candidate is actually of hash kind before trusting it.
func (s *Store) filterSessionKeys(ctx context.Context, keys []string) []string {
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == phaseKey(PhaseReady) || k == phaseKey(PhaseStarting) {
			continue
		}
		if hasSuffix(k, ":config") {
			continue
		}
		if hasPrefix(k, "session:user:") {
			continue
		}

		kind, err := s.client.Type(ctx, k).Result()
		if err != nil || kind != "hash" {
			continue
		}

		id := k[len("session:"):]
		ids = append(ids, id)
	}
	return ids
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// CleanupSession deletes the Session hash, its config, every agent:{id}:*
// key, and the user mapping (if userName is non-empty), and removes the id
// from both phase sets, in one logical pass (§4.1). Degrades silently.
func (s *Store) CleanupSession(ctx context.Context, id, userName string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keys := []string{
		sessionKey(id),
		configKey(id),
		agentPidKey(id),
		agentLogfileKey(id),
		agentLogsKey(id),
		agentHealthKey(id),
	}
	if userName != "" {
		keys = append(keys, userKey(userName))
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, phaseKey(PhaseReady), id)
	pipe.SRem(ctx, phaseKey(PhaseStarting), id)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("cleanup session failed")
		return err
	}
	return nil
}

// AcquireCleanupLock sets session:{id}:cleanup-lock with SETNX semantics,
// giving the cleanup routine a cross-instance single-shot guarantee (§4.5.5)
// on top of the in-process sync.Once a single controller already holds.
// Returns true only for the caller that actually created the marker.
func (s *Store) AcquireCleanupLock(ctx context.Context, id string, ttl time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, cleanupLockKey(id), "1", ttl).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("acquire cleanup lock failed")
		return false
	}
	return ok
}

// ErrNotFound is returned by callers layered on top of Store (not by Store
// itself, which degrades silently) to distinguish "no such session" in a
// typed way where that distinction is load-bearing, e.g. cleanup finality.
var ErrNotFound = errors.New("session not found")
