package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"designer/internal/diff"
	"designer/internal/domain"
)

const (
	mongoDocuments = "project_documents"
	mongoSaves     = "project_saves"
)

// mongoDocument is one project's current state.
type mongoDocument struct {
	ProjectID string    `bson:"_id"`
	Seq       int64     `bson:"seq"`
	StateJSON string    `bson:"stateJson"`
	LastJobID string    `bson:"lastJobId"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// MongoStore keeps one document per project, guarded by its stored seq.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	log    *zap.Logger
}

func newMongoStore(cfg Config, password string, logger *zap.Logger) (*MongoStore, error) {
	uri, dbName := buildMongoURI(cfg, password)
	logger.Info("connecting to mongodb",
		zap.String("uri", maskSecret(uri, password)), zap.String("database", dbName))

	opts := options.Client().ApplyURI(uri)
	if cfg.Timeout > 0 {
		opts.SetTimeout(cfg.Timeout)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(dbName), log: logger}, nil
}

func (m *MongoStore) Save(ctx context.Context, p domain.SavePayload) error {
	docs := m.db.Collection(mongoDocuments)

	var stored mongoDocument
	exists := true
	err := docs.FindOne(ctx, bson.D{{Key: "_id", Value: p.ProjectID}}).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	if exists && uint64(stored.Seq) >= p.Seq {
		seen, err := m.stored(ctx, stored, p.JobID)
		if err != nil {
			return err
		}
		if seen {
			m.log.Debug("duplicate save acknowledged",
				zap.String("project", p.ProjectID), zap.Uint64("seq", p.Seq), zap.Int64("stored", stored.Seq))
			return nil
		}
		return &SeqConflictError{ProjectID: p.ProjectID, Current: uint64(stored.Seq)}
	}
	if p.BaseSeq > uint64(stored.Seq) {
		return fmt.Errorf("project %s at seq %d, payload base %d: %w", p.ProjectID, stored.Seq, p.BaseSeq, ErrStaleSeq)
	}

	current := map[string]any{}
	if exists {
		if current, err = diff.Decode([]byte(stored.StateJSON)); err != nil {
			return fmt.Errorf("load document: %w", err)
		}
	}
	next, err := diff.Apply(current, p.Delta)
	if err != nil {
		return fmt.Errorf("apply delta: %w", err)
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	now := time.Now().UTC()

	if exists {
		res, err := docs.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: p.ProjectID}, {Key: "seq", Value: stored.Seq}},
			bson.D{{Key: "$set", Value: bson.D{
				{Key: "seq", Value: int64(p.Seq)},
				{Key: "stateJson", Value: string(nextJSON)},
				{Key: "lastJobId", Value: p.JobID},
				{Key: "updatedAt", Value: now},
			}}},
		)
		if err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		if res.MatchedCount != 1 {
			return fmt.Errorf("update document %s: %w", p.ProjectID, errConcurrentWrite)
		}
	} else {
		_, err := docs.InsertOne(ctx, mongoDocument{
			ProjectID: p.ProjectID,
			Seq:       int64(p.Seq),
			StateJSON: string(nextJSON),
			LastJobID: p.JobID,
			UpdatedAt: now,
		})
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert document %s: %w", p.ProjectID, errConcurrentWrite)
		}
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
	}

	deltaJSON, err := json.Marshal(p.Delta)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}
	_, err = m.db.Collection(mongoSaves).InsertOne(ctx, bson.D{
		{Key: "_id", Value: p.JobID},
		{Key: "projectId", Value: p.ProjectID},
		{Key: "seq", Value: int64(p.Seq)},
		{Key: "deltaJson", Value: string(deltaJSON)},
		{Key: "savedAt", Value: now},
	})
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		// The document is already advanced; the log entry is best effort.
		m.log.Warn("record save failed", zap.String("project", p.ProjectID), zap.Error(err))
	}
	return nil
}

// stored reports whether jobID was already applied. The save log is written
// after the document, so the document's own last job is checked first.
func (m *MongoStore) stored(ctx context.Context, doc mongoDocument, jobID string) (bool, error) {
	if doc.LastJobID == jobID {
		return true, nil
	}
	n, err := m.db.Collection(mongoSaves).CountDocuments(ctx, bson.D{{Key: "_id", Value: jobID}})
	if err != nil {
		return false, fmt.Errorf("load save log: %w", err)
	}
	return n > 0, nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
