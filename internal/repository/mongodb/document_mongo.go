// Package mongodb is the MongoDB implementation of the metadata catalog.
package mongodb

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"docvault/internal/model"
	"docvault/internal/repository"
)

// record is the stored shape of a document. model.Document stays free of
// driver tags.
type record struct {
	ID           string     `bson:"_id"`
	OwnerID      string     `bson:"owner_id"`
	StorageKey   string     `bson:"storage_key"`
	WrappedKey   []byte     `bson:"wrapped_key"`
	KeyID        string     `bson:"key_id"`
	IV           []byte     `bson:"iv"`
	Algorithm    string     `bson:"algorithm"`
	OriginalName string     `bson:"original_name"`
	MimeType     string     `bson:"mime_type"`
	SizeBytes    int64      `bson:"size_bytes"`
	UploadedAt   time.Time  `bson:"uploaded_at"`
	UploadedBy   string     `bson:"uploaded_by"`
	Month        string     `bson:"month"`
	Year         string     `bson:"year"`
	DeletedAt    *time.Time `bson:"deleted_at,omitempty"`
}

func fromModel(d *model.Document) record {
	return record{
		ID:           d.ID,
		OwnerID:      d.OwnerID,
		StorageKey:   d.StorageKey,
		WrappedKey:   d.WrappedKey,
		KeyID:        d.KeyID,
		IV:           d.IV,
		Algorithm:    d.Algorithm,
		OriginalName: d.OriginalName,
		MimeType:     d.MimeType,
		SizeBytes:    d.SizeBytes,
		UploadedAt:   d.UploadedAt,
		UploadedBy:   d.UploadedBy,
		Month:        d.Month,
		Year:         d.Year,
		DeletedAt:    d.DeletedAt,
	}
}

func (r record) toModel() model.Document {
	return model.Document{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		StorageKey:   r.StorageKey,
		WrappedKey:   r.WrappedKey,
		KeyID:        r.KeyID,
		IV:           r.IV,
		Algorithm:    r.Algorithm,
		OriginalName: r.OriginalName,
		MimeType:     r.MimeType,
		SizeBytes:    r.SizeBytes,
		UploadedAt:   r.UploadedAt,
		UploadedBy:   r.UploadedBy,
		Month:        r.Month,
		Year:         r.Year,
		DeletedAt:    r.DeletedAt,
	}
}

type DocumentMongo struct {
	collection *mongo.Collection
}

func NewDocumentMongo(collection *mongo.Collection) *DocumentMongo {
	return &DocumentMongo{collection: collection}
}

var _ repository.DocumentRepository = (*DocumentMongo)(nil)

// EnsureIndexes creates the unique storage key index and the listing index.
func (r *DocumentMongo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "storage_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "uploaded_at", Value: -1}}},
		{Keys: bson.D{{Key: "deleted_at", Value: 1}}},
	})
	return err
}

func (r *DocumentMongo) Create(ctx context.Context, doc *model.Document) (*model.Document, error) {
	rec := fromModel(doc)
	if _, err := r.collection.InsertOne(ctx, rec); err != nil {
		return nil, err
	}
	out := rec.toModel()
	return &out, nil
}

func (r *DocumentMongo) FindByID(ctx context.Context, id string) (*model.Document, error) {
	var rec record
	err := r.collection.FindOne(ctx, bson.M{"_id": id, "deleted_at": nil}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	d := rec.toModel()
	return &d, nil
}

func (r *DocumentMongo) FindByOwner(ctx context.Context, ownerID string, f model.Filter, pq repository.PageQuery) (*repository.PageResult[model.Document], error) {
	if ownerID == "" {
		return &repository.PageResult[model.Document]{Items: []model.Document{}}, nil
	}
	f.OwnerID = ownerID
	return r.find(ctx, f, pq)
}

func (r *DocumentMongo) FindAll(ctx context.Context, f model.Filter, pq repository.PageQuery) (*repository.PageResult[model.Document], error) {
	return r.find(ctx, f, pq)
}

func filterDoc(f model.Filter) bson.M {
	q := bson.M{"deleted_at": nil}
	if f.OwnerID != "" {
		q["owner_id"] = f.OwnerID
	}
	if f.Month != "" {
		q["month"] = f.Month
	}
	if f.Year != "" {
		q["year"] = f.Year
	}
	if f.NamePattern != "" {
		q["original_name"] = primitive.Regex{Pattern: regexp.QuoteMeta(f.NamePattern), Options: "i"}
	}
	return q
}

func (r *DocumentMongo) find(ctx context.Context, f model.Filter, pq repository.PageQuery) (*repository.PageResult[model.Document], error) {
	q := filterDoc(f)

	total, err := r.collection.CountDocuments(ctx, q)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "uploaded_at", Value: -1}, {Key: "_id", Value: -1}})
	if pq.Limit > 0 {
		opts.SetLimit(int64(pq.Limit)).SetSkip(int64(pq.Offset))
	}
	items, err := r.findMany(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	return &repository.PageResult[model.Document]{Items: items, Total: int(total)}, nil
}

func (r *DocumentMongo) findMany(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]model.Document, error) {
	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	docs := make([]model.Document, 0)
	for cur.Next(ctx) {
		var rec record
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		docs = append(docs, rec.toModel())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *DocumentMongo) Delete(ctx context.Context, id string) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *DocumentMongo) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "deleted_at": nil},
		bson.M{"$set": bson.M{"deleted_at": at}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *DocumentMongo) FindMarked(ctx context.Context, limit int) ([]model.Document, error) {
	opts := options.Find().SetSort(bson.D{{Key: "deleted_at", Value: 1}}).SetLimit(int64(limit))
	return r.findMany(ctx, bson.M{"deleted_at": bson.M{"$ne": nil}}, opts)
}

func (r *DocumentMongo) ExistsByStorageKey(ctx context.Context, key string) (bool, error) {
	n, err := r.collection.CountDocuments(ctx, bson.M{"storage_key": key}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *DocumentMongo) Ping(ctx context.Context) error {
	return r.collection.Database().Client().Ping(ctx, readpref.Primary())
}
