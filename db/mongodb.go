package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ofinucan7/abracadabra/models"
)

// MongoClient is the mongo-backed index store. Postings live as one
// document per hash with a couples array; staged rows live in their own
// collection Lookup never touches. Because a multi-document commit is
// not atomic on a standalone server, Lookup additionally filters
// couples against the committed-track set, so a crash mid-commit cannot
// surface a half-promoted track.
type MongoClient struct {
	client *mongo.Client
	db     *mongo.Database

	mu        sync.RWMutex
	committed map[uint32]struct{}
}

type trackDoc struct {
	ID         uint32 `bson:"_id"`
	Title      string `bson:"title"`
	Artist     string `bson:"artist"`
	SourceRef  string `bson:"sourceRef"`
	FrameCount uint32 `bson:"frameCount"`
	Committed  bool   `bson:"committed"`
}

type coupleDoc struct {
	TrackID    uint32 `bson:"trackId"`
	AnchorTime uint32 `bson:"anchorTime"`
}

type postingDoc struct {
	Hash    uint32      `bson:"_id"`
	Couples []coupleDoc `bson:"couples"`
}

type stagedDoc struct {
	TrackID    uint32 `bson:"trackId"`
	Hash       uint32 `bson:"hash"`
	AnchorTime uint32 `bson:"anchorTime"`
}

func NewMongoClient(uri, dbName string, header SchemaHeader) (*MongoClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, xerrors.New("failed to connect to mongo", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, xerrors.New("mongo ping failed", err)
	}

	c := &MongoClient{
		client:    client,
		db:        client.Database(dbName),
		committed: make(map[uint32]struct{}),
	}
	if err := c.setup(ctx, header); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *MongoClient) tracks() *mongo.Collection       { return c.db.Collection("tracks") }
func (c *MongoClient) fingerprints() *mongo.Collection { return c.db.Collection("fingerprints") }
func (c *MongoClient) staged() *mongo.Collection       { return c.db.Collection("staged_fingerprints") }
func (c *MongoClient) counters() *mongo.Collection     { return c.db.Collection("counters") }
func (c *MongoClient) meta() *mongo.Collection         { return c.db.Collection("meta") }

func (c *MongoClient) setup(ctx context.Context, header SchemaHeader) error {
	_, err := c.tracks().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sourceRef", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return xerrors.New("failed to create sourceRef index", err)
	}
	if _, err := c.staged().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "trackId", Value: 1}},
	}); err != nil {
		return xerrors.New("failed to create staged index", err)
	}

	if err := c.verifyHeader(ctx, header); err != nil {
		return err
	}
	return c.recover(ctx)
}

func (c *MongoClient) verifyHeader(ctx context.Context, header SchemaHeader) error {
	var stored struct {
		Fields map[string]string `bson:"fields"`
	}
	err := c.meta().FindOne(ctx, bson.M{"_id": "header"}).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		_, err := c.meta().InsertOne(ctx, bson.M{"_id": "header", "fields": map[string]string(header)})
		if err != nil {
			return xerrors.New("failed to write header", err)
		}
		return nil
	}
	if err != nil {
		return xerrors.New("failed to read header", err)
	}
	for k, want := range header {
		if got, ok := stored.Fields[k]; !ok || got != want {
			return fmt.Errorf("%w: %s is %q, build expects %q", ErrSchemaMismatch, k, stored.Fields[k], want)
		}
	}
	return nil
}

// recover drops leftovers of ingests that never committed and loads the
// committed-track cache.
func (c *MongoClient) recover(ctx context.Context) error {
	cur, err := c.tracks().Find(ctx, bson.M{})
	if err != nil {
		return xerrors.New("failed to scan tracks", err)
	}
	var uncommitted []uint32
	for cur.Next(ctx) {
		var t trackDoc
		if err := cur.Decode(&t); err != nil {
			cur.Close(ctx)
			return xerrors.New("failed to decode track", err)
		}
		if t.Committed {
			c.committed[t.ID] = struct{}{}
		} else {
			uncommitted = append(uncommitted, t.ID)
		}
	}
	if err := cur.Close(ctx); err != nil {
		return xerrors.New("failed to scan tracks", err)
	}

	if len(uncommitted) == 0 {
		if _, err := c.staged().DeleteMany(ctx, bson.M{}); err != nil {
			return xerrors.New("failed to clear stale staged rows", err)
		}
		return nil
	}
	for _, id := range uncommitted {
		if err := c.purgeTrack(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// purgeTrack removes every trace of an uncommitted track.
func (c *MongoClient) purgeTrack(ctx context.Context, trackID uint32) error {
	if _, err := c.staged().DeleteMany(ctx, bson.M{"trackId": trackID}); err != nil {
		return xerrors.New("failed to discard staged fingerprints", err)
	}
	if _, err := c.fingerprints().UpdateMany(ctx,
		bson.M{"couples.trackId": trackID},
		bson.M{"$pull": bson.M{"couples": bson.M{"trackId": trackID}}}); err != nil {
		return xerrors.New("failed to pull half-promoted postings", err)
	}
	if _, err := c.tracks().DeleteOne(ctx,
		bson.M{"_id": trackID, "committed": false}); err != nil {
		return xerrors.New("failed to discard uncommitted track", err)
	}
	return nil
}

func (c *MongoClient) nextTrackID(ctx context.Context) (uint32, error) {
	var doc struct {
		Seq uint32 `bson:"seq"`
	}
	err := c.counters().FindOneAndUpdate(ctx,
		bson.M{"_id": "track_id"},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, xerrors.New("failed to allocate track id", err)
	}
	return doc.Seq, nil
}

func (c *MongoClient) BeginIngest(ctx context.Context, track models.Track) (uint32, bool, error) {
	var existing trackDoc
	err := c.tracks().FindOne(ctx, bson.M{"sourceRef": track.SourceRef}).Decode(&existing)
	switch {
	case err == nil && existing.Committed:
		return existing.ID, true, nil
	case err == nil:
		if err := c.purgeTrack(ctx, existing.ID); err != nil {
			return 0, false, err
		}
	case !errors.Is(err, mongo.ErrNoDocuments):
		return 0, false, xerrors.New("failed to query track by sourceRef", err)
	}

	id, err := c.nextTrackID(ctx)
	if err != nil {
		return 0, false, err
	}
	_, err = c.tracks().InsertOne(ctx, trackDoc{
		ID:        id,
		Title:     track.Title,
		Artist:    track.Artist,
		SourceRef: track.SourceRef,
	})
	if err != nil {
		return 0, false, xerrors.New("failed to insert track", err)
	}
	return id, false, nil
}

func (c *MongoClient) AppendFingerprints(ctx context.Context, trackID uint32, fps []models.Fingerprint) error {
	if len(fps) == 0 {
		return nil
	}
	docs := make([]any, len(fps))
	for i, fp := range fps {
		docs[i] = stagedDoc{TrackID: trackID, Hash: fp.Hash, AnchorTime: fp.AnchorTime}
	}
	if _, err := c.staged().InsertMany(ctx, docs); err != nil {
		return xerrors.New("failed to stage fingerprints", err)
	}
	return nil
}

func (c *MongoClient) CommitIngest(ctx context.Context, trackID uint32, frameCount uint32) error {
	res := c.tracks().FindOne(ctx, bson.M{"_id": trackID, "committed": false})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: %d has no pending ingest", ErrUnknownTrack, trackID)
		}
		return xerrors.New("failed to load track for commit", err)
	}

	cur, err := c.staged().Find(ctx, bson.M{"trackId": trackID})
	if err != nil {
		return xerrors.New("failed to read staged fingerprints", err)
	}
	byHash := make(map[uint32][]coupleDoc)
	for cur.Next(ctx) {
		var s stagedDoc
		if err := cur.Decode(&s); err != nil {
			cur.Close(ctx)
			return xerrors.New("failed to decode staged fingerprint", err)
		}
		byHash[s.Hash] = append(byHash[s.Hash], coupleDoc{TrackID: trackID, AnchorTime: s.AnchorTime})
	}
	if err := cur.Close(ctx); err != nil {
		return xerrors.New("failed to read staged fingerprints", err)
	}

	const bulkChunk = 1000
	writes := make([]mongo.WriteModel, 0, bulkChunk)
	flush := func() error {
		if len(writes) == 0 {
			return nil
		}
		_, err := c.fingerprints().BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
		writes = writes[:0]
		if err != nil {
			return xerrors.New("failed to promote staged fingerprints", err)
		}
		return nil
	}
	for hash, couples := range byHash {
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": hash}).
			SetUpdate(bson.M{"$push": bson.M{"couples": bson.M{"$each": couples}}}).
			SetUpsert(true))
		if len(writes) == bulkChunk {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if _, err := c.tracks().UpdateOne(ctx,
		bson.M{"_id": trackID},
		bson.M{"$set": bson.M{"committed": true, "frameCount": frameCount}}); err != nil {
		return xerrors.New("failed to mark track committed", err)
	}
	if _, err := c.staged().DeleteMany(ctx, bson.M{"trackId": trackID}); err != nil {
		return xerrors.New("failed to clear staged fingerprints", err)
	}

	c.mu.Lock()
	c.committed[trackID] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *MongoClient) AbortIngest(ctx context.Context, trackID uint32) error {
	return c.purgeTrack(ctx, trackID)
}

func (c *MongoClient) Lookup(ctx context.Context, hashes []uint32) (map[uint32][]models.Couple, error) {
	if len(hashes) == 0 {
		return map[uint32][]models.Couple{}, nil
	}
	cur, err := c.fingerprints().Find(ctx, bson.M{"_id": bson.M{"$in": hashes}})
	if err != nil {
		return nil, xerrors.New("fingerprint lookup failed", err)
	}
	defer cur.Close(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[uint32][]models.Couple)
	for cur.Next(ctx) {
		var p postingDoc
		if err := cur.Decode(&p); err != nil {
			return nil, xerrors.New("failed to decode posting", err)
		}
		for _, couple := range p.Couples {
			if _, ok := c.committed[couple.TrackID]; !ok {
				continue
			}
			out[p.Hash] = append(out[p.Hash], models.Couple{
				TrackID:    couple.TrackID,
				AnchorTime: couple.AnchorTime,
			})
		}
	}
	return out, cur.Err()
}

func (c *MongoClient) TrackByID(ctx context.Context, id uint32) (models.Track, error) {
	var t trackDoc
	err := c.tracks().FindOne(ctx, bson.M{"_id": id, "committed": true}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Track{}, fmt.Errorf("%w: %d", ErrUnknownTrack, id)
	}
	if err != nil {
		return models.Track{}, xerrors.New("failed to load track", err)
	}
	return models.Track{
		ID: t.ID, Title: t.Title, Artist: t.Artist,
		SourceRef: t.SourceRef, FrameCount: t.FrameCount,
	}, nil
}

func (c *MongoClient) ListTracks(ctx context.Context) ([]models.Track, error) {
	cur, err := c.tracks().Find(ctx, bson.M{"committed": true},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, xerrors.New("failed to list tracks", err)
	}
	defer cur.Close(ctx)

	var tracks []models.Track
	for cur.Next(ctx) {
		var t trackDoc
		if err := cur.Decode(&t); err != nil {
			return nil, xerrors.New("failed to decode track", err)
		}
		tracks = append(tracks, models.Track{
			ID: t.ID, Title: t.Title, Artist: t.Artist,
			SourceRef: t.SourceRef, FrameCount: t.FrameCount,
		})
	}
	return tracks, cur.Err()
}

func (c *MongoClient) TotalTracks(ctx context.Context) (int, error) {
	n, err := c.tracks().CountDocuments(ctx, bson.M{"committed": true})
	if err != nil {
		return 0, xerrors.New("failed to count tracks", err)
	}
	return int(n), nil
}

func (c *MongoClient) TotalFingerprints(ctx context.Context) (int64, error) {
	cur, err := c.fingerprints().Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": bson.M{"$size": "$couples"}},
		}}},
	})
	if err != nil {
		return 0, xerrors.New("failed to count fingerprints", err)
	}
	defer cur.Close(ctx)

	var res struct {
		Total int64 `bson:"total"`
	}
	if cur.Next(ctx) {
		if err := cur.Decode(&res); err != nil {
			return 0, xerrors.New("failed to decode fingerprint count", err)
		}
	}
	return res.Total, cur.Err()
}

func (c *MongoClient) DeleteAll(ctx context.Context) error {
	for _, coll := range []*mongo.Collection{c.fingerprints(), c.staged(), c.tracks()} {
		if _, err := coll.DeleteMany(ctx, bson.M{}); err != nil {
			return xerrors.New("failed to clear collection "+coll.Name(), err)
		}
	}
	c.mu.Lock()
	c.committed = make(map[uint32]struct{})
	c.mu.Unlock()
	return nil
}

func (c *MongoClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.client.Disconnect(ctx)
}
