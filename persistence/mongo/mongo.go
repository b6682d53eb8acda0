// Package mongo provides a MongoDB persistence backend. Units of work run in
// multi-document transactions, so the server must be a replica set or a
// sharded cluster.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/drblury/sagaflow/internal/runtime/ids"
	"github.com/drblury/sagaflow/persistence"
)

// SystemName is the name used to register this backend.
const SystemName = "mongo"

const (
	stateCollection  = "saga_state"
	outboxCollection = "outbox"

	defaultDatabase        = "sagaflow"
	defaultConnectTimeout  = 10 * time.Second
	defaultSelectionTimout = 5 * time.Second
)

// Options configures a MongoDB store.
type Options struct {
	// URI example: "mongodb://localhost:27017/?replicaSet=rs0"
	URI         string
	Database    string
	LockTimeout time.Duration
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Database == "" {
		o.Database = defaultDatabase
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = persistence.DefaultLockTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Store keeps saga state and outbox entries in two collections.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	states *mongo.Collection
	outbox *mongo.Collection
	opts   Options
}

var _ persistence.Store = (*Store)(nil)

func init() {
	Register()
}

// Register adds the mongo backend to the default persistence registry.
func Register() {
	persistence.Register(SystemName, Build)
}

// Build connects the store selected by cfg.
func Build(ctx context.Context, cfg persistence.Config, logger watermill.LoggerAdapter) (persistence.Store, error) {
	store, err := Open(ctx, Options{
		URI:         cfg.GetMongoURI(),
		Database:    cfg.GetMongoDatabase(),
		LockTimeout: cfg.GetOutboxLockTimeout(),
	})
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("MongoDB persistence ready", watermill.LogFields{"database": store.db.Name()})
	}
	return store, nil
}

// Open connects to MongoDB and ensures the indexes exist.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo: URI is required")
	}
	opts = opts.withDefaults()

	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetConnectTimeout(defaultConnectTimeout).
		SetServerSelectionTimeout(defaultSelectionTimout)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	db := client.Database(opts.Database)
	s := &Store{
		client: client,
		db:     db,
		states: db.Collection(stateCollection),
		outbox: db.Collection(outboxCollection),
		opts:   opts,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.states.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "saga_kind", Value: 1}, {Key: "correlation_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("saga_state_key"),
	})
	if err != nil {
		return fmt.Errorf("mongo: create saga_state index: %w", err)
	}
	_, err = s.outbox.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("outbox_pending"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "processed_at", Value: 1}},
			Options: options.Index().SetName("outbox_processed"),
		},
	})
	if err != nil {
		return fmt.Errorf("mongo: create outbox indexes: %w", err)
	}
	return nil
}

// Database returns the database the store writes to.
func (s *Store) Database() *mongo.Database { return s.db }

// Close implements persistence.Store.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

type stateDoc struct {
	SagaKind      string `bson:"saga_kind"`
	CorrelationID string `bson:"correlation_id"`
	Data          []byte `bson:"data"`
	Completed     bool   `bson:"completed"`
	Version       int64  `bson:"version"`
	UpdatedAt     int64  `bson:"updated_at"`
}

type outboxDoc struct {
	ID            string            `bson:"_id"`
	CorrelationID string            `bson:"correlation_id"`
	Kind          string            `bson:"kind"`
	Payload       []byte            `bson:"payload"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
	Status        string            `bson:"status"`
	LockID        string            `bson:"lock_id"`
	LockTime      *int64            `bson:"lock_time,omitempty"`
	CreatedAt     int64             `bson:"created_at"`
	ProcessedAt   *int64            `bson:"processed_at,omitempty"`
}

func (d outboxDoc) message() persistence.OutboxMessage {
	msg := persistence.OutboxMessage{
		ID:            d.ID,
		CorrelationID: d.CorrelationID,
		Kind:          d.Kind,
		Payload:       d.Payload,
		Metadata:      d.Metadata,
		Status:        persistence.Status(d.Status),
		LockID:        d.LockID,
		CreatedAt:     fromNanos(d.CreatedAt),
	}
	if d.LockTime != nil {
		t := fromNanos(*d.LockTime)
		msg.LockTime = &t
	}
	if d.ProcessedAt != nil {
		t := fromNanos(*d.ProcessedAt)
		msg.ProcessedAt = &t
	}
	return msg
}

// LoadState implements persistence.StateStore.
func (s *Store) LoadState(ctx context.Context, sagaKind, correlationID string) (persistence.StateRecord, error) {
	var doc stateDoc
	err := s.states.FindOne(ctx, stateFilter(sagaKind, correlationID)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return persistence.StateRecord{}, persistence.ErrStateNotFound
	}
	if err != nil {
		return persistence.StateRecord{}, fmt.Errorf("load saga state: %w", err)
	}
	return persistence.StateRecord{
		SagaKind:      doc.SagaKind,
		CorrelationID: doc.CorrelationID,
		Data:          doc.Data,
		Completed:     doc.Completed,
		Version:       doc.Version,
		UpdatedAt:     fromNanos(doc.UpdatedAt),
	}, nil
}

// Transact runs fn inside a multi-document transaction.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, sess persistence.Session) error) error {
	mongoSess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer mongoSess.EndSession(context.Background())

	_, err = mongoSess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &session{store: s})
	})
	return err
}

// Append implements persistence.OutboxRepository.
func (s *Store) Append(ctx context.Context, msg persistence.OutboxMessage) error {
	if msg.ID == "" {
		return persistence.ErrMessageIDRequired
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.opts.Now()
	}
	_, err := s.outbox.InsertOne(ctx, outboxDoc{
		ID:            msg.ID,
		CorrelationID: msg.CorrelationID,
		Kind:          msg.Kind,
		Payload:       msg.Payload,
		Metadata:      msg.Metadata,
		Status:        string(persistence.StatusPending),
		CreatedAt:     createdAt.UnixNano(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return persistence.ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("append outbox message %s: %w", msg.ID, err)
	}
	return nil
}

// Lock implements persistence.OutboxRepository.
func (s *Store) Lock(ctx context.Context, id string) (string, error) {
	now := s.opts.Now()
	lockID := ids.NewLockID()

	filter := bson.M{"_id": id, "$or": s.lockableClauses(now)}
	update := bson.M{"$set": bson.M{
		"status":    string(persistence.StatusLocked),
		"lock_id":   lockID,
		"lock_time": now.UnixNano(),
	}}
	res, err := s.outbox.UpdateOne(ctx, filter, update)
	if err != nil {
		return "", fmt.Errorf("lock outbox message %s: %w", id, err)
	}
	if res.MatchedCount == 1 {
		return lockID, nil
	}

	status, found, err := s.status(ctx, id)
	switch {
	case err != nil:
		return "", err
	case !found:
		return "", persistence.NewLockError(id, persistence.OutcomeNotFound)
	default:
		return "", persistence.NewLockError(id, persistence.ClassifyLockFailure(status))
	}
}

// Release implements persistence.OutboxRepository.
func (s *Store) Release(ctx context.Context, id, lockID string) error {
	filter := bson.M{"_id": id, "status": string(persistence.StatusLocked), "lock_id": lockID}
	update := bson.M{
		"$set": bson.M{
			"status":       string(persistence.StatusProcessed),
			"lock_id":      "",
			"processed_at": s.opts.Now().UnixNano(),
		},
		"$unset": bson.M{"lock_time": ""},
	}
	res, err := s.outbox.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("release outbox message %s: %w", id, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	status, found, err := s.status(ctx, id)
	switch {
	case err != nil:
		return err
	case !found:
		return persistence.NewReleaseError(id, persistence.OutcomeNotFound)
	default:
		return persistence.NewReleaseError(id, persistence.ClassifyReleaseFailure(status))
	}
}

func (s *Store) status(ctx context.Context, id string) (persistence.Status, bool, error) {
	var doc struct {
		Status string `bson:"status"`
	}
	err := s.outbox.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"status": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read outbox status %s: %w", id, err)
	}
	return persistence.Status(doc.Status), true, nil
}

// CleanProcessed implements persistence.OutboxRepository.
func (s *Store) CleanProcessed(ctx context.Context, before time.Time) (int64, error) {
	filter := bson.M{"status": string(persistence.StatusProcessed)}
	if !before.IsZero() {
		filter["processed_at"] = bson.M{"$lt": before.UnixNano()}
	}
	res, err := s.outbox.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("clean outbox: %w", err)
	}
	return res.DeletedCount, nil
}

// Get implements persistence.OutboxRepository.
func (s *Store) Get(ctx context.Context, id string) (persistence.OutboxMessage, error) {
	var doc outboxDoc
	err := s.outbox.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return persistence.OutboxMessage{}, persistence.ErrOutboxMessageNotFound
	}
	if err != nil {
		return persistence.OutboxMessage{}, fmt.Errorf("get outbox message %s: %w", id, err)
	}
	return doc.message(), nil
}

// ListPending implements persistence.OutboxRepository.
func (s *Store) ListPending(ctx context.Context, limit int) ([]persistence.OutboxMessage, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cur, err := s.outbox.Find(ctx, bson.M{"$or": s.lockableClauses(s.opts.Now())}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list pending outbox messages: %w", err)
	}
	defer cur.Close(ctx)

	var docs []outboxDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode outbox messages: %w", err)
	}
	out := make([]persistence.OutboxMessage, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.message())
	}
	return out, nil
}

// lockableClauses matches pending entries and locked entries whose lock has
// expired at now.
func (s *Store) lockableClauses(now time.Time) bson.A {
	return bson.A{
		bson.M{"status": string(persistence.StatusPending)},
		bson.M{
			"status":    string(persistence.StatusLocked),
			"lock_time": bson.M{"$lte": now.Add(-s.opts.LockTimeout).UnixNano()},
		},
	}
}

type session struct {
	store *Store
}

func (s *session) SaveState(ctx context.Context, rec persistence.StateRecord, expectedVersion int64) (int64, error) {
	st := s.store
	now := st.opts.Now().UnixNano()
	next := expectedVersion + 1

	if expectedVersion == 0 {
		_, err := st.states.InsertOne(ctx, stateDoc{
			SagaKind:      rec.SagaKind,
			CorrelationID: rec.CorrelationID,
			Data:          rec.Data,
			Completed:     rec.Completed,
			Version:       next,
			UpdatedAt:     now,
		})
		if mongo.IsDuplicateKeyError(err) {
			return 0, persistence.ErrVersionConflict
		}
		if err != nil {
			return 0, fmt.Errorf("insert saga state: %w", err)
		}
		return next, nil
	}

	filter := stateFilter(rec.SagaKind, rec.CorrelationID)
	filter["version"] = expectedVersion
	res, err := st.states.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"data":       rec.Data,
		"completed":  rec.Completed,
		"version":    next,
		"updated_at": now,
	}})
	if err != nil {
		return 0, fmt.Errorf("update saga state: %w", err)
	}
	if res.MatchedCount != 1 {
		return 0, persistence.ErrVersionConflict
	}
	return next, nil
}

func (s *session) Append(ctx context.Context, msg persistence.OutboxMessage) error {
	return s.store.Append(ctx, msg)
}

func stateFilter(sagaKind, correlationID string) bson.M {
	return bson.M{"saga_kind": sagaKind, "correlation_id": correlationID}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
