package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ownershipDoc represents the MongoDB ownership document structure.
type ownershipDoc struct {
	Namespace     string    `bson:"namespace"`
	Stream        string    `bson:"stream"`
	ConsumerGroup string    `bson:"consumer_group"`
	PartitionID   string    `bson:"partition_id"`
	OwnerID       string    `bson:"owner_id"`
	LastModified  time.Time `bson:"last_modified"`
	ETag          string    `bson:"etag"`
}

// checkpointDoc represents the MongoDB checkpoint document structure.
type checkpointDoc struct {
	Namespace      string `bson:"namespace"`
	Stream         string `bson:"stream"`
	ConsumerGroup  string `bson:"consumer_group"`
	PartitionID    string `bson:"partition_id"`
	Offset         int64  `bson:"offset"`
	SequenceNumber int64  `bson:"sequence_number"`
}

// MongoStore implements Store using MongoDB. Ownership claims rely on
// the unique index over (namespace, stream, consumer_group,
// partition_id): inserting a fresh record and updating with an
// etag-filtered query are both atomic, so concurrent claimers race
// safely.
//
// Example:
//
//	client, _ := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://localhost:27017"))
//	db := client.Database("myapp")
//	store := checkpoint.NewMongoStore(db.Collection("ownership"), db.Collection("checkpoints"))
//	if err := store.EnsureIndexes(ctx); err != nil {
//	    log.Fatal(err)
//	}
type MongoStore struct {
	ownership   *mongo.Collection
	checkpoints *mongo.Collection
}

// NewMongoStore creates a new MongoDB-backed store over the given
// ownership and checkpoint collections.
func NewMongoStore(ownership, checkpoints *mongo.Collection) *MongoStore {
	return &MongoStore{
		ownership:   ownership,
		checkpoints: checkpoints,
	}
}

func recordFilter(namespace, stream, consumerGroup, partitionID string) bson.M {
	return bson.M{
		"namespace":      namespace,
		"stream":         stream,
		"consumer_group": consumerGroup,
		"partition_id":   partitionID,
	}
}

// Indexes returns the index models for both collections. Use this to
// create indexes manually or with a migration tool.
func (s *MongoStore) Indexes() []mongo.IndexModel {
	keys := bson.D{
		{Key: "namespace", Value: 1},
		{Key: "stream", Value: 1},
		{Key: "consumer_group", Value: 1},
		{Key: "partition_id", Value: 1},
	}
	return []mongo.IndexModel{{
		Keys:    keys,
		Options: options.Index().SetUnique(true).SetName("record_key"),
	}}
}

// EnsureIndexes creates the required indexes on both collections.
// Call this once during application startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := s.Indexes()
	if _, err := s.ownership.Indexes().CreateMany(ctx, indexes); err != nil {
		return err
	}
	_, err := s.checkpoints.Indexes().CreateMany(ctx, indexes)
	return err
}

// ListOwnership returns all ownership records for the stream and
// consumer group.
func (s *MongoStore) ListOwnership(ctx context.Context, namespace, stream, consumerGroup string) ([]Ownership, error) {
	filter := bson.M{
		"namespace":      namespace,
		"stream":         stream,
		"consumer_group": consumerGroup,
	}
	cursor, err := s.ownership.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []Ownership
	for cursor.Next(ctx) {
		var doc ownershipDoc
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		out = append(out, Ownership{
			Namespace:     doc.Namespace,
			Stream:        doc.Stream,
			ConsumerGroup: doc.ConsumerGroup,
			PartitionID:   doc.PartitionID,
			OwnerID:       doc.OwnerID,
			LastModified:  doc.LastModified,
			ETag:          doc.ETag,
		})
	}
	return out, cursor.Err()
}

// ClaimOwnership attempts each claim and returns the granted subset.
// A claim with an empty etag inserts a fresh document; a duplicate-key
// failure means another claimer got there first. A claim with an etag
// updates with the etag in the filter; zero matched documents means
// the record changed underneath us.
func (s *MongoStore) ClaimOwnership(ctx context.Context, claims []Ownership) ([]Ownership, error) {
	var granted []Ownership
	for _, claim := range claims {
		etag := uuid.NewString()
		now := time.Now()

		if claim.ETag == "" {
			doc := ownershipDoc{
				Namespace:     claim.Namespace,
				Stream:        claim.Stream,
				ConsumerGroup: claim.ConsumerGroup,
				PartitionID:   claim.PartitionID,
				OwnerID:       claim.OwnerID,
				LastModified:  now,
				ETag:          etag,
			}
			_, err := s.ownership.InsertOne(ctx, doc)
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			if err != nil {
				return granted, err
			}
		} else {
			filter := recordFilter(claim.Namespace, claim.Stream, claim.ConsumerGroup, claim.PartitionID)
			filter["etag"] = claim.ETag
			update := bson.M{"$set": bson.M{
				"owner_id":      claim.OwnerID,
				"last_modified": now,
				"etag":          etag,
			}}
			result, err := s.ownership.UpdateOne(ctx, filter, update)
			if err != nil {
				return granted, err
			}
			if result.MatchedCount == 0 {
				continue
			}
		}
		claim.ETag = etag
		claim.LastModified = now
		granted = append(granted, claim)
	}
	return granted, nil
}

// ListCheckpoints returns all checkpoints for the stream and consumer
// group.
func (s *MongoStore) ListCheckpoints(ctx context.Context, namespace, stream, consumerGroup string) ([]Checkpoint, error) {
	filter := bson.M{
		"namespace":      namespace,
		"stream":         stream,
		"consumer_group": consumerGroup,
	}
	cursor, err := s.checkpoints.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []Checkpoint
	for cursor.Next(ctx) {
		var doc checkpointDoc
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		out = append(out, Checkpoint{
			Namespace:      doc.Namespace,
			Stream:         doc.Stream,
			ConsumerGroup:  doc.ConsumerGroup,
			PartitionID:    doc.PartitionID,
			Offset:         doc.Offset,
			SequenceNumber: doc.SequenceNumber,
		})
	}
	return out, cursor.Err()
}

// UpdateCheckpoint upserts the checkpoint document for the partition.
func (s *MongoStore) UpdateCheckpoint(ctx context.Context, cp Checkpoint) error {
	filter := recordFilter(cp.Namespace, cp.Stream, cp.ConsumerGroup, cp.PartitionID)
	update := bson.M{"$set": bson.M{
		"offset":          cp.Offset,
		"sequence_number": cp.SequenceNumber,
	}}
	_, err := s.checkpoints.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

var _ Store = (*MongoStore)(nil)
