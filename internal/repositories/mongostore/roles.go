package mongostore

import (
	"context"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BradenHooton/keystone/internal/models"
)

type roleRepo struct {
	col   *mongo.Collection
	users *mongo.Collection
}

func (r *roleRepo) Create(ctx context.Context, role *models.Role) (*models.Role, error) {
	doc := toRoleDoc(role)
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	doc.UpdateDatetime = now()

	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		return nil, mapMongoError(err)
	}
	return doc.toModel(), nil
}

func (r *roleRepo) GetByName(ctx context.Context, name string) (*models.Role, error) {
	var doc roleDoc
	if err := r.col.FindOne(ctx, bson.M{"name": name}).Decode(&doc); err != nil {
		return nil, mapMongoError(err)
	}
	return doc.toModel(), nil
}

func (r *roleRepo) find(ctx context.Context, filter bson.M) ([]*models.Role, error) {
	cursor, err := r.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, mapMongoError(err)
	}

	var docs []roleDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mapMongoError(err)
	}

	roles := make([]*models.Role, 0, len(docs))
	for i := range docs {
		roles = append(roles, docs[i].toModel())
	}
	return roles, nil
}

func (r *roleRepo) List(ctx context.Context) ([]*models.Role, error) {
	return r.find(ctx, bson.M{})
}

func (r *roleRepo) UpdatePermissions(ctx context.Context, id string, permissions []string) (*models.Role, error) {
	update := bson.M{"$set": bson.M{"permissions": permissions, "update_datetime": now()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc roleDoc
	if err := r.col.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&doc); err != nil {
		return nil, mapMongoError(err)
	}
	return doc.toModel(), nil
}

func (r *roleRepo) AddUserRole(ctx context.Context, userID, roleID string) error {
	if err := r.col.FindOne(ctx, bson.M{"_id": roleID}).Err(); err != nil {
		return mapMongoError(err)
	}
	return r.updateMembership(ctx, userID, bson.M{"$addToSet": bson.M{"role_ids": roleID}})
}

func (r *roleRepo) RemoveUserRole(ctx context.Context, userID, roleID string) error {
	return r.updateMembership(ctx, userID, bson.M{"$pull": bson.M{"role_ids": roleID}})
}

func (r *roleRepo) updateMembership(ctx context.Context, userID string, update bson.M) error {
	result, err := r.users.UpdateOne(ctx, bson.M{"_id": userID}, update)
	if err != nil {
		return mapMongoError(err)
	}
	if result.MatchedCount == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *roleRepo) ListForUser(ctx context.Context, userID string) ([]*models.Role, error) {
	var doc struct {
		RoleIDs []string `bson:"role_ids"`
	}
	opts := options.FindOne().SetProjection(bson.M{"role_ids": 1})
	if err := r.users.FindOne(ctx, bson.M{"_id": userID}, opts).Decode(&doc); err != nil {
		return nil, mapMongoError(err)
	}
	if len(doc.RoleIDs) == 0 {
		return []*models.Role{}, nil
	}
	return r.find(ctx, bson.M{"_id": bson.M{"$in": doc.RoleIDs}})
}
