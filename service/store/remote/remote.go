package remote

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"IMSync/data/database/mgo/mongoutil"
	"IMSync/logger"
	"IMSync/service/store"
	redisconn "IMSync/service/storage/redis"
	"IMSync/tools/ids"
)

const childrenCollection = "children"

// Config wires the three backends behind the Store contract: MongoDB holds
// the durable children, NATS carries the live feed, Redis tracks session
// liveness for deferred disconnect actions.
type Config struct {
	NatsServers []string
	NatsName    string

	MongoURI      string
	MongoDatabase string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SessionID identifies this client's heartbeat; generated when empty.
	SessionID    string
	HeartbeatTTL time.Duration
}

// Remote is the production Store. Mutations write Mongo first, then publish
// the event frame; subscribers replay Mongo state on attach, so a reconnect
// is just a resubscribe.
type Remote struct {
	cfg Config
	nc  *nats.Conn
	db  *mongo.Database
	rdb *redis.Client

	sessionID string
	stopHB    chan struct{}
}

type childDoc struct {
	Path      string `bson:"path"`
	ChildID   string `bson:"child_id"`
	Fields    bson.M `bson:"fields"`
	UpdatedAt int64  `bson:"updated_at"`
}

func New(ctx context.Context, cfg Config) (*Remote, error) {
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 30 * time.Second
	}
	if cfg.SessionID == "" {
		cfg.SessionID = ids.GenerateString()
	}

	opts := []nats.Option{
		nats.Name(cfg.NatsName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
	}
	nc, err := nats.Connect(strings.Join(cfg.NatsServers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}

	mcli, err := mongoutil.NewMongoDB(ctx, &mongoutil.Config{
		Uri:      cfg.MongoURI,
		Database: cfg.MongoDatabase,
	})
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "connect mongo")
	}
	db := mcli.GetDB()

	idx := mongo.IndexModel{
		Keys:    bson.D{{Key: "path", Value: 1}, {Key: "child_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := db.Collection(childrenCollection).Indexes().CreateOne(ctx, idx); err != nil {
		logger.Warnf("remote: ensure index failed: %v", err)
	}

	rdb, err := redisconn.New(redisconn.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		nc.Close()
		_ = db.Client().Disconnect(ctx)
		return nil, errors.Wrap(err, "connect redis")
	}

	r := &Remote{
		cfg:       cfg,
		nc:        nc,
		db:        db,
		rdb:       rdb,
		sessionID: cfg.SessionID,
		stopHB:    make(chan struct{}),
	}
	r.startHeartbeat()
	return r, nil
}

// subjectFor maps a store path onto a feed subject. Path segments become
// subject tokens; conversation keys contain ":" which NATS permits.
func subjectFor(path string) string {
	return "im.feed." + strings.ReplaceAll(path, "/", ".")
}

func (r *Remote) children() *mongo.Collection {
	return r.db.Collection(childrenCollection)
}

func (r *Remote) publish(path string, ev store.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("remote: marshal event: %v", err)
		return
	}
	if err := r.nc.Publish(subjectFor(path), data); err != nil {
		// feed delivery is best effort; subscribers resync via replay
		logger.Warnf("remote: publish %s failed: %v", subjectFor(path), err)
	}
}

func (r *Remote) Append(ctx context.Context, path string, fields map[string]any) (string, error) {
	fields = store.ResolveTimestamps(fields, time.Now().UnixMilli())
	id := ids.GenerateString()
	doc := childDoc{
		Path:      path,
		ChildID:   id,
		Fields:    bson.M(fields),
		UpdatedAt: time.Now().UnixMilli(),
	}
	if _, err := r.children().InsertOne(ctx, doc); err != nil {
		return "", errors.Wrapf(err, "append %s", path)
	}
	r.publish(path, store.Event{Kind: store.EventCreated, ID: id, Fields: fields})
	return id, nil
}

func (r *Remote) PatchFields(ctx context.Context, path, id string, fields map[string]any) error {
	fields = store.ResolveTimestamps(fields, time.Now().UnixMilli())

	set := bson.M{"updated_at": time.Now().UnixMilli()}
	for k, v := range fields {
		set["fields."+k] = v
	}
	filter := bson.M{"path": path, "child_id": id}
	res, err := r.children().UpdateOne(ctx, filter, bson.M{"$set": set}, options.Update().SetUpsert(true))
	if err != nil {
		return errors.Wrapf(err, "patch %s/%s", path, id)
	}

	// publish the merged document so partial patches still carry full fields
	var doc childDoc
	if err := r.children().FindOne(ctx, filter).Decode(&doc); err != nil {
		return errors.Wrapf(err, "read back %s/%s", path, id)
	}
	kind := store.EventUpdated
	if res.UpsertedCount > 0 {
		kind = store.EventCreated
	}
	r.publish(path, store.Event{Kind: kind, ID: id, Fields: map[string]any(doc.Fields)})
	return nil
}

func (r *Remote) Remove(ctx context.Context, path, id string) error {
	res, err := r.children().DeleteOne(ctx, bson.M{"path": path, "child_id": id})
	if err != nil {
		return errors.Wrapf(err, "remove %s/%s", path, id)
	}
	if res.DeletedCount == 0 {
		return nil
	}
	r.publish(path, store.Event{Kind: store.EventRemoved, ID: id})
	return nil
}

// Subscribe attaches to the live feed first, buffers anything that arrives
// while the Mongo replay runs, and flushes the backlog afterwards. Consumers
// absorb the resulting duplicates through their idempotent create handling.
func (r *Remote) Subscribe(ctx context.Context, path string, h store.Handler) (store.Subscription, error) {
	rs := newRemoteSub(h)
	natsSub, err := r.nc.Subscribe(subjectFor(path), func(m *nats.Msg) {
		var ev store.Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			logger.Warnf("remote: bad feed frame on %s: %v", m.Subject, err)
			return
		}
		rs.deliver(ev)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", path)
	}
	rs.natsSub = natsSub

	cur, err := r.children().Find(ctx, bson.M{"path": path},
		options.Find().SetSort(bson.D{{Key: "fields.created_at", Value: 1}, {Key: "child_id", Value: 1}}))
	if err != nil {
		rs.Cancel()
		return nil, errors.Wrapf(err, "replay %s", path)
	}
	defer cur.Close(ctx)

	var replay []store.Event
	for cur.Next(ctx) {
		var doc childDoc
		if err := cur.Decode(&doc); err != nil {
			logger.Warnf("remote: bad child doc on %s: %v", path, err)
			continue
		}
		replay = append(replay, store.Event{
			Kind:   store.EventCreated,
			ID:     doc.ChildID,
			Fields: map[string]any(doc.Fields),
		})
	}
	rs.finishReplay(replay)
	return rs, nil
}

// Close tears the session down gracefully: queued disconnect actions are
// discarded, the heartbeat stops, and all connections drain.
func (r *Remote) Close() error {
	close(r.stopHB)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r.clearSession(ctx)

	if err := r.nc.Drain(); err != nil {
		logger.Warnf("remote: nats drain: %v", err)
	}
	if err := r.rdb.Close(); err != nil {
		logger.Warnf("remote: redis close: %v", err)
	}
	return r.db.Client().Disconnect(ctx)
}

// remoteSub serializes replay and live delivery for one subscription.
type remoteSub struct {
	natsSub *nats.Subscription

	mu        chan struct{} // 1-slot semaphore; also guards fields below
	h         store.Handler
	replaying bool
	backlog   []store.Event
	cancelled bool
}

func newRemoteSub(h store.Handler) *remoteSub {
	rs := &remoteSub{mu: make(chan struct{}, 1), h: h, replaying: true}
	rs.mu <- struct{}{}
	return rs
}

func (rs *remoteSub) deliver(ev store.Event) {
	<-rs.mu
	if rs.cancelled {
		rs.mu <- struct{}{}
		return
	}
	if rs.replaying {
		rs.backlog = append(rs.backlog, ev)
		rs.mu <- struct{}{}
		return
	}
	rs.mu <- struct{}{}
	rs.h(ev)
}

func (rs *remoteSub) finishReplay(replay []store.Event) {
	for _, ev := range replay {
		<-rs.mu
		if rs.cancelled {
			rs.mu <- struct{}{}
			return
		}
		rs.mu <- struct{}{}
		rs.h(ev)
	}
	<-rs.mu
	backlog := rs.backlog
	rs.backlog = nil
	rs.replaying = false
	cancelled := rs.cancelled
	rs.mu <- struct{}{}
	if cancelled {
		return
	}
	for _, ev := range backlog {
		rs.h(ev)
	}
}

func (rs *remoteSub) Cancel() {
	<-rs.mu
	rs.cancelled = true
	rs.mu <- struct{}{}
	if rs.natsSub != nil {
		if err := rs.natsSub.Unsubscribe(); err != nil {
			logger.Debugf("remote: unsubscribe: %v", err)
		}
	}
}

var _ store.Store = (*Remote)(nil)
