package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"IMSync/logger"
	"IMSync/service/store"
	"IMSync/tools/safe"
)

// Session liveness over Redis. NATS has no deferred-write primitive, so the
// disconnect action contract is met with a heartbeat plus timeout: each
// session renews a TTL key, registered actions wait in a hash, and a sweeper
// commits the actions of any session whose heartbeat has lapsed.
//
// keys:
//   im:hb:<session>   heartbeat, TTL = liveness window
//   im:da:<session>   hash of queued actions, field = <path>|<id>
//   im:sessions       set of sessions the sweeper watches

func hbKey(session string) string { return "im:hb:" + session }
func daKey(session string) string { return "im:da:" + session }

const sessionsKey = "im:sessions"

// action timestamps meant to be stamped at fire time travel as this marker
const serverTSMarker = "__server_ts__"

type queuedAction struct {
	Path   string         `json:"path"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

func encodeAction(path, id string, fields map[string]any) ([]byte, error) {
	enc := make(map[string]any, len(fields))
	for k, v := range fields {
		if store.IsServerTimestamp(v) {
			enc[k] = serverTSMarker
			continue
		}
		enc[k] = v
	}
	return json.Marshal(queuedAction{Path: path, ID: id, Fields: enc})
}

func decodeAction(data []byte) (*queuedAction, error) {
	var a queuedAction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	for k, v := range a.Fields {
		if s, ok := v.(string); ok && s == serverTSMarker {
			a.Fields[k] = store.ServerTimestamp
		}
	}
	return &a, nil
}

func (r *Remote) startHeartbeat() {
	ttl := r.cfg.HeartbeatTTL
	ctx := context.Background()

	if err := r.rdb.SAdd(ctx, sessionsKey, r.sessionID).Err(); err != nil {
		logger.Warnf("remote: session register failed: %v", err)
	}
	if err := r.rdb.Set(ctx, hbKey(r.sessionID), "1", ttl).Err(); err != nil {
		logger.Warnf("remote: heartbeat set failed: %v", err)
	}

	safe.SafeGo(func() {
		tick := time.NewTicker(ttl / 3)
		defer tick.Stop()
		for {
			select {
			case <-r.stopHB:
				return
			case <-tick.C:
				if err := r.rdb.Set(ctx, hbKey(r.sessionID), "1", ttl).Err(); err != nil {
					logger.Warnf("remote: heartbeat renew failed: %v", err)
				}
			}
		}
	})
}

// RegisterDisconnectAction queues a patch keyed by path+id; re-registration
// replaces the previous payload, matching the per-child replace semantics.
func (r *Remote) RegisterDisconnectAction(ctx context.Context, path, id string, fields map[string]any) error {
	data, err := encodeAction(path, id, fields)
	if err != nil {
		return errors.Wrap(err, "encode disconnect action")
	}
	if err := r.rdb.HSet(ctx, daKey(r.sessionID), path+"|"+id, data).Err(); err != nil {
		return errors.Wrap(err, "queue disconnect action")
	}
	return nil
}

// clearSession is the graceful teardown: heartbeat and queued actions vanish
// without firing.
func (r *Remote) clearSession(ctx context.Context) {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, hbKey(r.sessionID))
	pipe.Del(ctx, daKey(r.sessionID))
	pipe.SRem(ctx, sessionsKey, r.sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warnf("remote: clear session failed: %v", err)
	}
}

// Sweeper watches session heartbeats and fires queued disconnect actions for
// sessions that dropped without a graceful close. Any node may run one; the
// per-session claim below keeps concurrent sweepers from double-firing.
type Sweeper struct {
	r        *Remote
	interval time.Duration
	stop     chan struct{}
}

func NewSweeper(r *Remote, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{r: r, interval: interval, stop: make(chan struct{})}
}

func (s *Sweeper) Start() {
	safe.SafeGo(func() {
		tick := time.NewTicker(s.interval)
		defer tick.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-tick.C:
				s.sweep(context.Background())
			}
		}
	})
}

func (s *Sweeper) Stop() { close(s.stop) }

func (s *Sweeper) sweep(ctx context.Context) {
	sessions, err := s.r.rdb.SMembers(ctx, sessionsKey).Result()
	if err != nil {
		logger.Warnf("sweeper: list sessions: %v", err)
		return
	}
	for _, session := range sessions {
		n, err := s.r.rdb.Exists(ctx, hbKey(session)).Result()
		if err != nil {
			logger.Warnf("sweeper: heartbeat check %s: %v", session, err)
			continue
		}
		if n > 0 {
			continue // still alive
		}
		s.fire(ctx, session)
	}
}

func (s *Sweeper) fire(ctx context.Context, session string) {
	// claim the session so only one sweeper fires its actions
	removed, err := s.r.rdb.SRem(ctx, sessionsKey, session).Result()
	if err != nil || removed == 0 {
		return
	}

	entries, err := s.r.rdb.HGetAll(ctx, daKey(session)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logger.Warnf("sweeper: load actions %s: %v", session, err)
		return
	}
	for field, raw := range entries {
		a, err := decodeAction([]byte(raw))
		if err != nil {
			logger.Warnf("sweeper: bad action %s/%s: %v", session, field, err)
			continue
		}
		if err := s.r.PatchFields(ctx, a.Path, a.ID, a.Fields); err != nil {
			logger.Warnf("sweeper: fire action %s/%s: %v", session, field, err)
		}
	}
	if err := s.r.rdb.Del(ctx, daKey(session)).Err(); err != nil {
		logger.Warnf("sweeper: clear actions %s: %v", session, err)
	}
	logger.Infof("sweeper: fired %d disconnect action(s) for lapsed session %s", len(entries), session)
}
