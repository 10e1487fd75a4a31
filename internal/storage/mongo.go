package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps firmware metadata in a collection and payloads in
// a GridFS bucket. When the cluster is a replica set or mongos, the
// add/delete metadata operations run inside multi-document
// transactions; on a standalone server they fall back to sequential
// operations with best-effort cleanup.
type MongoStore struct {
	URI        string
	Database   string
	BucketName string
	ChunkSize  int32

	client     *mongo.Client
	db         *mongo.Database
	bucket     *gridfs.Bucket
	firmwares  *mongo.Collection
	users      *mongo.Collection
	analytics  *mongo.Collection
	supportsTx bool
}

func NewMongoStore(uri, database, bucketName string, chunkSize int32) *MongoStore {
	return &MongoStore{
		URI:        uri,
		Database:   database,
		BucketName: bucketName,
		ChunkSize:  chunkSize,
	}
}

func (s *MongoStore) Initialize(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.URI))
	if err != nil {
		return fmt.Errorf("%w: connect mongodb: %v", ErrUnavailable, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: ping mongodb: %v", ErrUnavailable, err)
	}

	s.client = client
	s.db = client.Database(s.Database)

	// Capability probe: transactions need a replica set or mongos.
	var hello struct {
		SetName string `bson:"setName"`
		Msg     string `bson:"msg"`
	}
	if err := s.db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err == nil {
		s.supportsTx = hello.SetName != "" || hello.Msg == "isdbgrid"
	} else {
		s.supportsTx = false
	}
	log.Info().
		Bool("transactions", s.supportsTx).
		Str("database", s.Database).
		Msg("MongoDB storage connected")

	bucket, err := gridfs.NewBucket(s.db,
		options.GridFSBucket().SetName(s.BucketName).SetChunkSizeBytes(s.ChunkSize))
	if err != nil {
		return fmt.Errorf("create gridfs bucket: %w", err)
	}
	s.bucket = bucket

	s.firmwares = s.db.Collection("firmwares")
	s.users = s.db.Collection("users")
	s.analytics = s.db.Collection("analytics")

	s.createIndexes(ctx)
	s.seedAdmin(ctx)
	return nil
}

// seedAdmin makes a fresh database reachable. Best-effort: if two
// instances race, the unique username index keeps a single admin.
func (s *MongoStore) seedAdmin(ctx context.Context) {
	n, err := s.users.CountDocuments(ctx, bson.M{})
	if err != nil || n > 0 {
		return
	}
	log.Warn().Msg("No users found, seeding default admin user")
	if _, err := s.users.InsertOne(ctx, User{
		ID:        uuid.NewString(),
		Username:  "admin",
		Password:  defaultAdminHash,
		Role:      "admin",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		log.Warn().Err(err).Msg("Could not seed default admin user")
	}
}

// createIndexes is best-effort: a restricted user may lack the
// privilege, which should not block startup.
func (s *MongoStore) createIndexes(ctx context.Context) {
	_, err := s.firmwares.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "deviceType", Value: 1}}},
		{Keys: bson.D{{Key: "uploadedBy", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "sha1", Value: 1}}},
		{Keys: bson.D{
			{Key: "deviceType", Value: "text"},
			{Key: "version", Value: "text"},
			{Key: "description", Value: "text"},
		}},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Could not create firmware indexes")
	}
	if _, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		log.Warn().Err(err).Msg("Could not create user index")
	}
	if _, err := s.analytics.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		log.Warn().Err(err).Msg("Could not create analytics index")
	}
}

func (s *MongoStore) AddFirmware(ctx context.Context, fw Firmware, payload []byte) (Firmware, error) {
	// Uniqueness is checked before any payload write.
	n, err := s.firmwares.CountDocuments(ctx, bson.M{"deviceType": fw.DeviceType, "version": fw.Version})
	if err != nil {
		return Firmware{}, fmt.Errorf("check existing firmware: %w", err)
	}
	if n > 0 {
		return Firmware{}, fmt.Errorf("%w: %s %s", ErrDuplicate, fw.DeviceType, fw.Version)
	}

	fw.ID = uuid.NewString()
	fw.FileID = newFileID(fw.OriginalName)
	fw.CreatedAt = time.Now().UTC()
	fw.UpdatedAt = nil

	// GridFS writes are not session-aware, so the payload always goes
	// in first and is compensated away if the metadata insert fails.
	uploadOpts := options.GridFSUpload().
		SetChunkSizeBytes(s.ChunkSize).
		SetMetadata(bson.M{
			"firmwareId":   fw.ID,
			"originalName": fw.OriginalName,
			"mimetype":     fw.Mimetype,
		})
	if _, err := s.bucket.UploadFromStream(fw.FileID, bytes.NewReader(payload), uploadOpts); err != nil {
		return Firmware{}, fmt.Errorf("upload firmware payload: %w", err)
	}

	if s.supportsTx {
		err = s.withTransaction(ctx, func(sc mongo.SessionContext) error {
			_, insErr := s.firmwares.InsertOne(sc, fw)
			return insErr
		})
	} else {
		_, err = s.firmwares.InsertOne(ctx, fw)
	}
	if err != nil {
		s.cleanupPayload(fw.FileID)
		return Firmware{}, fmt.Errorf("insert firmware metadata: %w", err)
	}

	log.Info().
		Str("id", fw.ID).
		Str("device_type", fw.DeviceType).
		Str("version", fw.Version).
		Str("file_id", fw.FileID).
		Msg("Firmware stored")
	return fw, nil
}

func (s *MongoStore) withTransaction(ctx context.Context, fn func(mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

// cleanupPayload removes an orphaned GridFS file. Failures are logged
// and swallowed; the caller's original error is what surfaces.
func (s *MongoStore) cleanupPayload(fileID string) {
	cursor, err := s.bucket.Find(bson.M{"filename": fileID})
	if err != nil {
		log.Warn().Err(err).Str("file_id", fileID).Msg("Could not look up payload for cleanup")
		return
	}
	defer cursor.Close(context.Background())

	for cursor.Next(context.Background()) {
		var f struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cursor.Decode(&f); err != nil {
			continue
		}
		if err := s.bucket.Delete(f.ID); err != nil {
			log.Warn().Err(err).Str("file_id", fileID).Msg("Could not clean up orphaned payload")
		}
	}
}

func (s *MongoStore) GetFirmwareFile(ctx context.Context, fileID string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.bucket.DownloadToStreamByName(fileID, &buf); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: file %s", ErrNotFound, fileID)
		}
		return nil, fmt.Errorf("download firmware payload: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *MongoStore) findFirmwares(ctx context.Context, filter any) ([]Firmware, error) {
	cursor, err := s.firmwares.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("query firmwares: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Firmware
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode firmwares: %w", err)
	}
	return out, nil
}

func (s *MongoStore) GetFirmwaresByDevice(ctx context.Context, deviceType string, opts Options) ([]Firmware, error) {
	fws, err := s.findFirmwares(ctx, bson.M{"deviceType": deviceType})
	if err != nil {
		return nil, err
	}
	sortVersionDesc(fws)
	return applyOptions(fws, opts), nil
}

func (s *MongoStore) GetAllFirmwares(ctx context.Context, opts Options) ([]Firmware, error) {
	fws, err := s.findFirmwares(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	return applyOptions(fws, opts), nil
}

// SearchFirmwares tries the compound text index first and falls back
// to case-insensitive substring matching when it yields nothing.
func (s *MongoStore) SearchFirmwares(ctx context.Context, query string, opts Options) ([]Firmware, error) {
	if query == "" {
		return s.GetAllFirmwares(ctx, opts)
	}

	fws, err := s.findFirmwares(ctx, bson.M{"$text": bson.M{"$search": query}})
	if err != nil || len(fws) == 0 {
		if err != nil {
			log.Debug().Err(err).Str("query", query).Msg("Text search failed, using substring fallback")
		}
		re := primitive.Regex{Pattern: regexp.QuoteMeta(query), Options: "i"}
		fws, err = s.findFirmwares(ctx, bson.M{"$or": []bson.M{
			{"deviceType": re},
			{"version": re},
			{"description": re},
			{"originalName": re},
		}})
		if err != nil {
			return nil, err
		}
	}
	return applyOptions(fws, opts), nil
}

func (s *MongoStore) GetDeviceTypes(ctx context.Context) ([]string, error) {
	raw, err := s.firmwares.Distinct(ctx, "deviceType", bson.D{})
	if err != nil {
		return nil, fmt.Errorf("distinct device types: %w", err)
	}
	types := make([]string, 0, len(raw))
	for _, v := range raw {
		if t, ok := v.(string); ok {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types, nil
}

func (s *MongoStore) GetFirmwareByID(ctx context.Context, id string) (Firmware, error) {
	var fw Firmware
	err := s.firmwares.FindOne(ctx, bson.M{"id": id}).Decode(&fw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Firmware{}, fmt.Errorf("%w: firmware %s", ErrNotFound, id)
	}
	if err != nil {
		return Firmware{}, fmt.Errorf("query firmware: %w", err)
	}
	return fw, nil
}

func (s *MongoStore) UpdateFirmware(ctx context.Context, id string, upd FirmwareUpdate) (Firmware, error) {
	current, err := s.GetFirmwareByID(ctx, id)
	if err != nil {
		return Firmware{}, err
	}

	set := bson.M{"updatedAt": time.Now().UTC(), "updatedBy": upd.UpdatedBy}
	if upd.Version != "" && upd.Version != current.Version {
		n, err := s.firmwares.CountDocuments(ctx, bson.M{
			"deviceType": current.DeviceType,
			"version":    upd.Version,
			"id":         bson.M{"$ne": id},
		})
		if err != nil {
			return Firmware{}, fmt.Errorf("check existing firmware: %w", err)
		}
		if n > 0 {
			return Firmware{}, fmt.Errorf("%w: %s %s", ErrDuplicate, current.DeviceType, upd.Version)
		}
		set["version"] = upd.Version
	}
	if upd.Description != "" {
		set["description"] = upd.Description
	}

	var updated Firmware
	err = s.firmwares.FindOneAndUpdate(ctx,
		bson.M{"id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Firmware{}, fmt.Errorf("%w: firmware %s", ErrNotFound, id)
	}
	if err != nil {
		return Firmware{}, fmt.Errorf("update firmware: %w", err)
	}
	return updated, nil
}

func (s *MongoStore) DeleteFirmware(ctx context.Context, id string) (bool, error) {
	fw, err := s.GetFirmwareByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var deleted bool
	if s.supportsTx {
		err = s.withTransaction(ctx, func(sc mongo.SessionContext) error {
			res, delErr := s.firmwares.DeleteOne(sc, bson.M{"id": id})
			if delErr != nil {
				return delErr
			}
			deleted = res.DeletedCount > 0
			return nil
		})
	} else {
		var res *mongo.DeleteResult
		res, err = s.firmwares.DeleteOne(ctx, bson.M{"id": id})
		if err == nil {
			deleted = res.DeletedCount > 0
		}
	}
	if err != nil {
		return false, fmt.Errorf("delete firmware metadata: %w", err)
	}

	if deleted {
		s.cleanupPayload(fw.FileID)
		log.Info().Str("id", id).Str("file_id", fw.FileID).Msg("Firmware deleted")
	}
	return deleted, nil
}

func (s *MongoStore) GetUser(ctx context.Context, username string) (User, error) {
	var u User
	err := s.users.FindOne(ctx, bson.M{"username": username}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, username)
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func (s *MongoStore) GetAllUsers(ctx context.Context) ([]User, error) {
	cursor, err := s.users.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer cursor.Close(ctx)

	var out []User
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return out, nil
}

func (s *MongoStore) SaveUser(ctx context.Context, u User) (User, error) {
	now := time.Now().UTC()
	existing, err := s.GetUser(ctx, u.Username)
	switch {
	case err == nil:
		u.ID = existing.ID
		u.CreatedAt = existing.CreatedAt
		u.UpdatedAt = &now
	case errors.Is(err, ErrNotFound):
		u.ID = uuid.NewString()
		u.CreatedAt = now
		u.UpdatedAt = nil
	default:
		return User{}, err
	}

	var saved User
	err = s.users.FindOneAndReplace(ctx,
		bson.M{"username": u.Username},
		u,
		options.FindOneAndReplace().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&saved)
	if err != nil {
		return User{}, fmt.Errorf("save user: %w", err)
	}
	return saved, nil
}

func (s *MongoStore) DeleteUser(ctx context.Context, username string) (bool, error) {
	res, err := s.users.DeleteOne(ctx, bson.M{"username": username})
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *MongoStore) GetFirmwareStats(ctx context.Context) (Stats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":            nil,
			"totalFirmwares": bson.M{"$sum": 1},
			"totalSize":      bson.M{"$sum": "$size"},
			"deviceTypes":    bson.M{"$addToSet": "$deviceType"},
		}}},
	}
	cursor, err := s.firmwares.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate firmware stats: %w", err)
	}
	defer cursor.Close(ctx)

	var agg struct {
		TotalFirmwares int      `bson:"totalFirmwares"`
		TotalSize      int64    `bson:"totalSize"`
		DeviceTypes    []string `bson:"deviceTypes"`
	}
	if cursor.Next(ctx) {
		if err := cursor.Decode(&agg); err != nil {
			return nil, fmt.Errorf("decode firmware stats: %w", err)
		}
	}

	analytics, err := s.GetAllAnalytics(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Analytics unavailable for stats")
		analytics = nil
	}
	return buildStats(agg.TotalFirmwares, agg.DeviceTypes, agg.TotalSize, analytics), nil
}

func (s *MongoStore) GetAnalytics(ctx context.Context, key string) (any, error) {
	var doc struct {
		Value any `bson:"value"`
	}
	err := s.analytics.FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query analytics: %w", err)
	}
	return doc.Value, nil
}

func (s *MongoStore) SetAnalytics(ctx context.Context, key string, value any) error {
	_, err := s.analytics.ReplaceOne(ctx,
		bson.M{"key": key},
		bson.M{"key": key, "value": value, "updatedAt": time.Now().UTC()},
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("set analytics: %w", err)
	}
	return nil
}

func (s *MongoStore) GetAllAnalytics(ctx context.Context) (map[string]any, error) {
	cursor, err := s.analytics.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("query analytics: %w", err)
	}
	defer cursor.Close(ctx)

	out := map[string]any{}
	for cursor.Next(ctx) {
		var doc struct {
			Key   string `bson:"key"`
			Value any    `bson:"value"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode analytics: %w", err)
		}
		out[doc.Key] = doc.Value
	}
	return out, cursor.Err()
}

func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect(ctx)
	s.client = nil
	if err != nil {
		return fmt.Errorf("disconnect mongodb: %w", err)
	}
	log.Debug().Msg("MongoDB connection closed")
	return nil
}
