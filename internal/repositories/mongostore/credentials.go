package mongostore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BradenHooton/keystone/internal/models"
)

type credentialRepo struct {
	col *mongo.Collection
}

func (r *credentialRepo) Create(ctx context.Context, cred *models.WebAuthnCredential) (*models.WebAuthnCredential, error) {
	doc := toCredentialDoc(cred)
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	ts := now()
	doc.CreateDatetime = ts
	if doc.LastUseDatetime.IsZero() {
		doc.LastUseDatetime = ts
	}

	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		return nil, mapMongoError(err)
	}
	return doc.toModel(), nil
}

func (r *credentialRepo) GetByCredentialID(ctx context.Context, credentialID []byte) (*models.WebAuthnCredential, error) {
	var doc credentialDoc
	if err := r.col.FindOne(ctx, bson.M{"credential_id": credentialID}).Decode(&doc); err != nil {
		return nil, mapMongoError(err)
	}
	return doc.toModel(), nil
}

func (r *credentialRepo) ListByUserID(ctx context.Context, userID string) ([]*models.WebAuthnCredential, error) {
	opts := options.Find().SetSort(bson.D{{Key: "create_datetime", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := r.col.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, mapMongoError(err)
	}

	var docs []credentialDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapMongoError(err)
	}

	creds := make([]*models.WebAuthnCredential, 0, len(docs))
	for i := range docs {
		creds = append(creds, docs[i].toModel())
	}
	return creds, nil
}

func (r *credentialRepo) UpdateAfterAuthentication(ctx context.Context, id string, signCount uint32, backupState bool, usedAt time.Time) error {
	result, err := r.col.UpdateOne(ctx,
		bson.M{"_id": id, "sign_count": bson.M{"$lt": int64(signCount)}},
		bson.M{"$set": bson.M{
			"sign_count":       int64(signCount),
			"backup_state":     backupState,
			"lastuse_datetime": usedAt.UTC(),
		}},
	)
	if err != nil {
		return mapMongoError(err)
	}
	if result.MatchedCount == 1 {
		return nil
	}

	n, err := r.col.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return mapMongoError(err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return models.ErrCounterRegression
}

func (r *credentialRepo) Delete(ctx context.Context, id string) error {
	result, err := r.col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mapMongoError(err)
	}
	if result.DeletedCount == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *credentialRepo) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	result, err := r.col.DeleteMany(ctx, bson.M{"user_id": userID})
	if err != nil {
		return 0, mapMongoError(err)
	}
	return result.DeletedCount, nil
}
