package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"iot-dataflow/internal/telemetry/bucket"
	"iot-dataflow/internal/telemetry/domain"
)

const (
	mongoCollection   = "telemetry"
	mongoDedupIndex   = "telemetry_dedup"
	mongoDuplicateKey = 11000
)

// mongoRecord is the stored document. A missing sequence is stored as null so
// the unique index treats it as one value.
type mongoRecord struct {
	Time     time.Time      `bson:"time"`
	DeviceID string         `bson:"deviceId"`
	Topic    string         `bson:"topic"`
	Payload  map[string]any `bson:"payload"`
	Seq      *int64         `bson:"seq"`
	Metadata map[string]any `bson:"metadata"`
}

type mongoPartial struct {
	ID struct {
		Window int64  `bson:"w"`
		Metric string `bson:"m"`
	} `bson:"_id"`
	Count int64           `bson:"n"`
	Total bson.Decimal128 `bson:"total"`
	Min   float64         `bson:"lo"`
	Max   float64         `bson:"hi"`
}

// MongoRepository stores telemetry documents in a MongoDB collection.
type MongoRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoConnection connects to uri and verifies the primary is reachable.
func NewMongoConnection(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetAppName("iot-dataflow").
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, classifyMongo(err)
	}
	return client, nil
}

// NewMongoRepository ensures the dedup and range indexes exist on database.telemetry.
func NewMongoRepository(ctx context.Context, client *mongo.Client, database string) (*MongoRepository, error) {
	coll := client.Database(database).Collection(mongoCollection)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "deviceId", Value: 1},
				{Key: "time", Value: 1},
				{Key: "seq", Value: 1},
			},
			Options: options.Index().SetName(mongoDedupIndex).SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "deviceId", Value: 1},
				{Key: "time", Value: -1},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create telemetry indexes: %w", classifyMongo(err))
	}
	return &MongoRepository{client: client, collection: coll}, nil
}

// InsertBatch inserts unordered so one duplicate does not stop the rest.
// Duplicate key errors are treated as skipped records.
func (r *MongoRepository) InsertBatch(ctx context.Context, records []domain.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	docs := make([]any, len(records))
	for i, rec := range records {
		docs[i] = toMongoRecord(rec)
	}
	_, err := r.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return len(docs), nil
	}
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil {
		return 0, classifyMongo(err)
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != mongoDuplicateKey {
			return 0, classifyMongo(err)
		}
	}
	return len(docs) - len(bwe.WriteErrors), nil
}

func toMongoRecord(rec domain.Record) mongoRecord {
	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return mongoRecord{
		Time:     rec.Time.UTC(),
		DeviceID: rec.DeviceID,
		Topic:    rec.Topic,
		Payload:  payload,
		Seq:      rec.Sequence,
		Metadata: metadata,
	}
}

func (m mongoRecord) toDomain() domain.Record {
	rec := domain.Record{
		Time:     m.Time.UTC(),
		DeviceID: m.DeviceID,
		Topic:    m.Topic,
		Payload:  m.Payload,
		Sequence: m.Seq,
		Metadata: m.Metadata,
	}
	if rec.Payload == nil {
		rec.Payload = map[string]any{}
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	return rec
}

// QueryRange returns records with from <= time <= to, newest first.
func (r *MongoRepository) QueryRange(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]domain.Record, error) {
	filter := bson.D{
		{Key: "deviceId", Value: deviceID},
		{Key: "time", Value: bson.D{{Key: "$gte", Value: from.UTC()}, {Key: "$lte", Value: to.UTC()}}},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "time", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, classifyMongo(err)
	}
	defer cur.Close(ctx)

	var docs []mongoRecord
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classifyMongo(err)
	}
	out := make([]domain.Record, len(docs))
	for i, d := range docs {
		out[i] = d.toDomain()
	}
	return out, nil
}

// QueryBucketed aggregates server side when the width is a whole number of
// milliseconds, the resolution of BSON dates. Finer widths are folded in process.
func (r *MongoRepository) QueryBucketed(ctx context.Context, q BucketQuery) ([]bucket.Partial, error) {
	if q.Width%time.Millisecond != 0 {
		return r.scanBucketed(ctx, q)
	}
	cur, err := r.collection.Aggregate(ctx, bucketPipeline(q))
	if err != nil {
		return nil, classifyMongo(err)
	}
	defer cur.Close(ctx)

	var rows []mongoPartial
	if err := cur.All(ctx, &rows); err != nil {
		return nil, classifyMongo(err)
	}
	out := make([]bucket.Partial, 0, len(rows))
	for _, row := range rows {
		sum, err := bucket.SumFromString(row.Total.String())
		if err != nil {
			return nil, err
		}
		out = append(out, bucket.Partial{
			WindowStart: time.UnixMilli(row.ID.Window).UTC(),
			Metric:      row.ID.Metric,
			Count:       row.Count,
			Sum:         sum,
			Min:         row.Min,
			Max:         row.Max,
		})
	}
	return out, nil
}

func rangeFilter(q BucketQuery) bson.D {
	upper := "$lt"
	if q.ToInclusive {
		upper = "$lte"
	}
	return bson.D{
		{Key: "deviceId", Value: q.DeviceID},
		{Key: "time", Value: bson.D{{Key: "$gte", Value: q.From.UTC()}, {Key: upper, Value: q.To.UTC()}}},
	}
}

func bucketPipeline(q BucketQuery) mongo.Pipeline {
	widthMs := q.Width.Milliseconds()
	epochMs := bson.D{{Key: "$toLong", Value: "$time"}}
	return mongo.Pipeline{
		{{Key: "$match", Value: rangeFilter(q)}},
		{{Key: "$project", Value: bson.D{
			{Key: "time", Value: 1},
			{Key: "kv", Value: bson.D{{Key: "$objectToArray", Value: "$payload"}}},
		}}},
		{{Key: "$unwind", Value: "$kv"}},
		{{Key: "$match", Value: bson.D{{Key: "kv.v", Value: bson.D{{Key: "$type", Value: "number"}}}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "w", Value: bson.D{{Key: "$subtract", Value: bson.A{
					epochMs,
					bson.D{{Key: "$mod", Value: bson.A{epochMs, widthMs}}},
				}}}},
				{Key: "m", Value: "$kv.k"},
			}},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: bson.D{{Key: "$toDecimal", Value: "$kv.v"}}}}},
			{Key: "lo", Value: bson.D{{Key: "$min", Value: "$kv.v"}}},
			{Key: "hi", Value: bson.D{{Key: "$max", Value: "$kv.v"}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id.w", Value: 1}, {Key: "_id.m", Value: 1}}}},
	}
}

func (r *MongoRepository) scanBucketed(ctx context.Context, q BucketQuery) ([]bucket.Partial, error) {
	cur, err := r.collection.Find(ctx, rangeFilter(q))
	if err != nil {
		return nil, classifyMongo(err)
	}
	defer cur.Close(ctx)

	acc := bucket.NewAccumulator(q.From, q.accumulatorEnd(), q.Width)
	for cur.Next(ctx) {
		var doc mongoRecord
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		if err := acc.Add(doc.toDomain()); err != nil {
			return nil, err
		}
	}
	if err := cur.Err(); err != nil {
		return nil, classifyMongo(err)
	}
	return acc.Partials(), nil
}

// HealthCheck pings the primary.
func (r *MongoRepository) HealthCheck(ctx context.Context) error {
	return classifyMongo(r.client.Ping(ctx, readpref.Primary()))
}

// Close disconnects the client.
func (r *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}

func classifyMongo(err error) error {
	return connectivity("mongodb", err, mongo.IsNetworkError, mongo.IsTimeout,
		func(err error) bool { return errors.Is(err, mongo.ErrClientDisconnected) })
}
