package mongostore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/repositories"
)

type userRepo struct {
	col   *mongo.Collection
	creds *mongo.Collection
}

func (r *userRepo) Create(ctx context.Context, user *models.User) (*models.User, error) {
	doc := toUserDoc(user)
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	ts := now()
	doc.CreateDatetime = ts
	doc.UpdateDatetime = ts

	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		return nil, mapMongoError(err)
	}
	return doc.toModel(), nil
}

func (r *userRepo) findOne(ctx context.Context, filter bson.M) (*models.User, error) {
	var doc userDoc
	if err := r.col.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, mapMongoError(err)
	}
	return doc.toModel(), nil
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *userRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.findOne(ctx, bson.M{"username": username})
}

func (r *userRepo) GetByUniquifier(ctx context.Context, uniquifier string) (*models.User, error) {
	return r.findOne(ctx, bson.M{"fs_uniquifier": uniquifier})
}

func (r *userRepo) GetByWebAuthnHandle(ctx context.Context, handle string) (*models.User, error) {
	return r.findOne(ctx, bson.M{"fs_webauthn_user_handle": handle})
}

func (r *userRepo) UpdatePassword(ctx context.Context, id string, passwordHash *string) error {
	return r.setFields(ctx, id, bson.M{"password": passwordHash})
}

func (r *userRepo) setFields(ctx context.Context, id string, fields bson.M) error {
	fields["update_datetime"] = now()

	result, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return mapMongoError(err)
	}
	if result.MatchedCount == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *userRepo) SetActive(ctx context.Context, id string, active bool) error {
	return r.setFields(ctx, id, bson.M{"active": active})
}

func (r *userRepo) UpdateTwoFactor(ctx context.Context, id string, tf models.TwoFactor) error {
	return r.setFields(ctx, id, bson.M{
		"tf_totp_secret":    tf.TfTOTPSecret,
		"tf_primary_method": tf.TfPrimaryMethod,
		"tf_phone_number":   tf.TfPhoneNumber,
	})
}

// setIfUnset writes value to field only while field is null and returns the
// stored user either way
func (r *userRepo) setIfUnset(ctx context.Context, id, field string, value any) (*models.User, error) {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"_id": id, field: nil},
		bson.M{"$set": bson.M{field: value, "update_datetime": now()}},
	)
	if err != nil {
		return nil, mapMongoError(err)
	}
	return r.GetByID(ctx, id)
}

func (r *userRepo) SetConfirmedAt(ctx context.Context, id string, at time.Time) (time.Time, error) {
	user, err := r.setIfUnset(ctx, id, "confirmed_at", at.UTC().Truncate(time.Millisecond))
	if err != nil {
		return time.Time{}, err
	}
	return *user.ConfirmedAt, nil
}

func (r *userRepo) SetWebAuthnHandle(ctx context.Context, id string, handle string) (string, error) {
	user, err := r.setIfUnset(ctx, id, "fs_webauthn_user_handle", handle)
	if err != nil {
		return "", err
	}
	return *user.FsWebAuthnUserHandle, nil
}

// updatePipeline runs an aggregation-pipeline update so field values can
// refer to the document's own stored fields
func (r *userRepo) updatePipeline(ctx context.Context, id string, set bson.M) (*models.User, error) {
	set["update_datetime"] = now()
	pipeline := mongo.Pipeline{{{Key: "$set", Value: set}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc userDoc
	if err := r.col.FindOneAndUpdate(ctx, bson.M{"_id": id}, pipeline, opts).Decode(&doc); err != nil {
		return nil, mapMongoError(err)
	}
	return doc.toModel(), nil
}

func (r *userRepo) RecordLogin(ctx context.Context, id string, ip *string, at time.Time) (models.Trackable, error) {
	user, err := r.updatePipeline(ctx, id, bson.M{
		"last_login_at":    "$current_login_at",
		"last_login_ip":    "$current_login_ip",
		"current_login_at": at.UTC().Truncate(time.Millisecond),
		"current_login_ip": bson.M{"$literal": ip},
		"login_count":      bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$login_count", 0}}, 1}},
	})
	if err != nil {
		return models.Trackable{}, err
	}
	return user.Trackable, nil
}

func (r *userRepo) SetUnifiedSigninSecret(ctx context.Context, id string, method string, sealed string) (map[string]string, error) {
	user, err := r.updatePipeline(ctx, id, bson.M{
		"us_totp_secrets": bson.M{"$mergeObjects": bson.A{
			bson.M{"$ifNull": bson.A{"$us_totp_secrets", bson.M{}}},
			bson.M{"$setField": bson.M{"field": bson.M{"$literal": method}, "input": bson.M{}, "value": bson.M{"$literal": sealed}}},
		}},
	})
	if err != nil {
		return nil, err
	}
	return user.UsTOTPSecrets, nil
}

func (r *userRepo) RemoveUnifiedSigninSecret(ctx context.Context, id string, method string) (map[string]string, error) {
	user, err := r.updatePipeline(ctx, id, bson.M{
		"us_totp_secrets": bson.M{"$unsetField": bson.M{
			"field": bson.M{"$literal": method},
			"input": bson.M{"$ifNull": bson.A{"$us_totp_secrets", bson.M{}}},
		}},
	})
	if err != nil {
		return nil, err
	}
	return user.UsTOTPSecrets, nil
}

func (r *userRepo) RotateUniquifiers(ctx context.Context, id string, rot repositories.UniquifierRotation) error {
	filter := bson.M{
		"_id":                 id,
		"fs_uniquifier":       rot.ExpectedUniquifier,
		"fs_token_uniquifier": rot.ExpectedTokenUniquifier,
	}

	set := bson.M{"update_datetime": now()}
	if rot.NewUniquifier != nil {
		set["fs_uniquifier"] = *rot.NewUniquifier
	}
	if rot.NewTokenUniquifier != nil {
		set["fs_token_uniquifier"] = *rot.NewTokenUniquifier
	}

	result, err := r.col.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return mapMongoError(err)
	}
	if result.MatchedCount == 0 {
		return r.missingOr(ctx, id, models.ErrStaleUpdate)
	}
	return nil
}

func (r *userRepo) ReplaceRecoveryCodes(ctx context.Context, id string, hashes []string) error {
	var codes []string
	if len(hashes) > 0 {
		codes = hashes
	}
	return r.setFields(ctx, id, bson.M{"mf_recovery_codes": codes})
}

func (r *userRepo) RemoveRecoveryCode(ctx context.Context, id string, hash string) (bool, error) {
	result, err := r.col.UpdateOne(ctx,
		bson.M{"_id": id, "mf_recovery_codes": hash},
		bson.M{
			"$pull": bson.M{"mf_recovery_codes": hash},
			"$set":  bson.M{"update_datetime": now()},
		},
	)
	if err != nil {
		return false, mapMongoError(err)
	}
	return result.ModifiedCount == 1, nil
}

func (r *userRepo) Delete(ctx context.Context, id string) error {
	// no foreign keys, so credential ownership is checked here
	n, err := r.creds.CountDocuments(ctx, bson.M{"user_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return mapMongoError(err)
	}
	if n > 0 {
		return models.ErrConflict
	}

	result, err := r.col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mapMongoError(err)
	}
	if result.DeletedCount == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *userRepo) missingOr(ctx context.Context, id string, otherwise error) error {
	n, err := r.col.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return mapMongoError(err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return otherwise
}
