package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/bvbrc/workspace/internal/logger"
)

const (
	collWorkspaces = "workspaces"
	collObjects    = "objects"
	collDownloads  = "downloads"
)

// MongoBackend persists workspace metadata in MongoDB.
type MongoBackend struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoBackend connects to the MongoDB at uri and prepares the named
// database, creating the unique indexes the repository relies on.
func NewMongoBackend(ctx context.Context, uri, dbName string, poolSize uint64) (*MongoBackend, error) {
	opts := options.Client().ApplyURI(uri)
	if poolSize > 0 {
		opts = opts.SetMaxPoolSize(poolSize)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	b := &MongoBackend{client: client, db: client.Database(dbName)}
	if err := b.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	logger.Info("connected to mongodb", "database", dbName)
	return b, nil
}

func (b *MongoBackend) ensureIndexes(ctx context.Context) error {
	_, err := b.db.Collection(collWorkspaces).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating workspace index: %w", err)
	}
	_, err = b.db.Collection(collObjects).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "workspace_uuid", Value: 1}, {Key: "path", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating object index: %w", err)
	}
	_, err = b.db.Collection(collDownloads).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "download_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating download index: %w", err)
	}
	return nil
}

// wsDoc is the stored shape of a workspace. Permission map keys are
// percent-encoded; timestamps are ISO-8601 strings, matching the collections
// this service inherited.
type wsDoc struct {
	UUID             string            `bson:"uuid"`
	Owner            string            `bson:"owner"`
	Name             string            `bson:"name"`
	GlobalPermission string            `bson:"global_permission"`
	Permissions      map[string]string `bson:"permissions,omitempty"`
	Metadata         map[string]string `bson:"metadata,omitempty"`
	CreationDate     string            `bson:"creation_date"`
}

func toWSDoc(ws *Workspace) wsDoc {
	return wsDoc{
		UUID:             ws.UUID,
		Owner:            ws.Owner,
		Name:             ws.Name,
		GlobalPermission: ws.GlobalPermission.String(),
		Permissions:      EncodePermissionMap(ws.UserPermission),
		Metadata:         ws.Metadata,
		CreationDate:     ws.CreationTime.UTC().Format(TimeFormat),
	}
}

func (d wsDoc) toWorkspace() *Workspace {
	created, _ := time.Parse(TimeFormat, d.CreationDate)
	return &Workspace{
		UUID:             d.UUID,
		Owner:            d.Owner,
		Name:             d.Name,
		GlobalPermission: ParsePermission(d.GlobalPermission),
		UserPermission:   DecodePermissionMap(d.Permissions),
		Metadata:         d.Metadata,
		CreationTime:     created,
	}
}

// objDoc is the stored shape of an object. shock is an integer flag with the
// node URL in shocknode, matching the inherited collection shape.
type objDoc struct {
	UUID          string            `bson:"uuid"`
	WorkspaceUUID string            `bson:"workspace_uuid"`
	Path          string            `bson:"path"`
	Name          string            `bson:"name"`
	Type          string            `bson:"type"`
	Owner         string            `bson:"owner"`
	CreationDate  string            `bson:"creation_date"`
	Size          int64             `bson:"size"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
	AutoMetadata  map[string]string `bson:"autometadata,omitempty"`
	Shock         int32             `bson:"shock"`
	ShockNode     string            `bson:"shocknode,omitempty"`
}

func toObjDoc(obj *Object) objDoc {
	d := objDoc{
		UUID:          obj.UUID,
		WorkspaceUUID: obj.WorkspaceUUID,
		Path:          obj.Path,
		Name:          obj.Name,
		Type:          obj.Type,
		Owner:         obj.Owner,
		CreationDate:  obj.CreationTime.UTC().Format(TimeFormat),
		Size:          obj.Size,
		Metadata:      obj.UserMetadata,
		AutoMetadata:  obj.AutoMetadata,
	}
	if obj.ShockURL != "" {
		d.Shock = 1
		d.ShockNode = obj.ShockURL
	}
	return d
}

func (d objDoc) toObject() *Object {
	created, _ := time.Parse(TimeFormat, d.CreationDate)
	obj := &Object{
		UUID:          d.UUID,
		WorkspaceUUID: d.WorkspaceUUID,
		Path:          d.Path,
		Name:          d.Name,
		Type:          d.Type,
		Owner:         d.Owner,
		CreationTime:  created,
		Size:          d.Size,
		UserMetadata:  d.Metadata,
		AutoMetadata:  d.AutoMetadata,
	}
	if d.Shock != 0 {
		obj.ShockURL = d.ShockNode
	}
	return obj
}

// dlDoc is the stored shape of a download ticket. Expiration is absolute
// seconds since epoch.
type dlDoc struct {
	DownloadKey   string `bson:"download_key"`
	WorkspacePath string `bson:"workspace_path"`
	Name          string `bson:"name"`
	Size          int64  `bson:"size"`
	Expiration    int64  `bson:"expiration_time"`
	FilePath      string `bson:"file_path,omitempty"`
	ShockNode     string `bson:"shock_node,omitempty"`
	Token         string `bson:"token,omitempty"`
}

func (b *MongoBackend) GetWorkspace(ctx context.Context, owner, name string) (*Workspace, error) {
	var doc wsDoc
	err := b.db.Collection(collWorkspaces).
		FindOne(ctx, bson.M{"owner": owner, "name": name}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, NewNotFoundError("/" + owner + "/" + name)
	}
	if err != nil {
		return nil, NewIOError("workspaces", err)
	}
	return doc.toWorkspace(), nil
}

func (b *MongoBackend) InsertWorkspace(ctx context.Context, ws *Workspace) error {
	_, err := b.db.Collection(collWorkspaces).InsertOne(ctx, toWSDoc(ws))
	if mongo.IsDuplicateKeyError(err) {
		return NewAlreadyExistsError("/" + ws.Owner + "/" + ws.Name)
	}
	if err != nil {
		return NewIOError("workspaces", err)
	}
	return nil
}

func (b *MongoBackend) ListWorkspaces(ctx context.Context, owner string) ([]*Workspace, error) {
	filter := bson.M{}
	if owner != "" {
		filter["owner"] = owner
	}
	cursor, err := b.db.Collection(collWorkspaces).Find(ctx, filter)
	if err != nil {
		return nil, NewIOError("workspaces", err)
	}
	defer cursor.Close(ctx)

	var out []*Workspace
	for cursor.Next(ctx) {
		var doc wsDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, NewIOError("workspaces", err)
		}
		out = append(out, doc.toWorkspace())
	}
	if err := cursor.Err(); err != nil {
		return nil, NewIOError("workspaces", err)
	}
	return out, nil
}

func (b *MongoBackend) SetWorkspacePermissions(ctx context.Context, wsUUID string, set map[string]Permission, remove []string, global Permission) error {
	setFields := bson.M{}
	for user, perm := range set {
		setFields["permissions."+EncodeDocKey(user)] = perm.String()
	}
	if global != PermInvalid {
		setFields["global_permission"] = global.String()
	}
	unsetFields := bson.M{}
	for _, user := range remove {
		unsetFields["permissions."+EncodeDocKey(user)] = ""
	}

	update := bson.M{}
	if len(setFields) > 0 {
		update["$set"] = setFields
	}
	if len(unsetFields) > 0 {
		update["$unset"] = unsetFields
	}
	if len(update) == 0 {
		return nil
	}

	res, err := b.db.Collection(collWorkspaces).UpdateOne(ctx, bson.M{"uuid": wsUUID}, update)
	if err != nil {
		return NewIOError("workspaces", err)
	}
	if res.MatchedCount == 0 {
		return NewNotFoundError(wsUUID)
	}
	return nil
}

func (b *MongoBackend) GetObject(ctx context.Context, wsUUID, path, name string) (*Object, error) {
	var doc objDoc
	err := b.db.Collection(collObjects).
		FindOne(ctx, bson.M{"workspace_uuid": wsUUID, "path": path, "name": name}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, NewNotFoundError(path + "/" + name)
	}
	if err != nil {
		return nil, NewIOError("objects", err)
	}
	return doc.toObject(), nil
}

func (b *MongoBackend) InsertObject(ctx context.Context, obj *Object) error {
	_, err := b.db.Collection(collObjects).InsertOne(ctx, toObjDoc(obj))
	if mongo.IsDuplicateKeyError(err) {
		return NewAlreadyExistsError(obj.Path + "/" + obj.Name)
	}
	if err != nil {
		return NewIOError("objects", err)
	}
	return nil
}

func (b *MongoBackend) UpdateObject(ctx context.Context, obj *Object) error {
	res, err := b.db.Collection(collObjects).
		ReplaceOne(ctx, bson.M{"uuid": obj.UUID}, toObjDoc(obj))
	if err != nil {
		return NewIOError("objects", err)
	}
	if res.MatchedCount == 0 {
		return NewNotFoundError(obj.Path + "/" + obj.Name)
	}
	return nil
}

func (b *MongoBackend) DeleteObject(ctx context.Context, uuid string) error {
	res, err := b.db.Collection(collObjects).DeleteOne(ctx, bson.M{"uuid": uuid})
	if err != nil {
		return NewIOError("objects", err)
	}
	if res.DeletedCount == 0 {
		return NewNotFoundError(uuid)
	}
	return nil
}

func (b *MongoBackend) ListObjects(ctx context.Context, wsUUID, fullPath string, recursive bool) ([]*Object, error) {
	filter := bson.M{"workspace_uuid": wsUUID}
	if recursive {
		if fullPath == "" {
			// Everything in the workspace.
		} else {
			filter["path"] = bson.M{"$regex": "^" + regexp.QuoteMeta(fullPath) + "($|/)"}
		}
	} else {
		filter["path"] = fullPath
	}

	cursor, err := b.db.Collection(collObjects).Find(ctx, filter)
	if err != nil {
		return nil, NewIOError("objects", err)
	}
	defer cursor.Close(ctx)

	var out []*Object
	for cursor.Next(ctx) {
		var doc objDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, NewIOError("objects", err)
		}
		out = append(out, doc.toObject())
	}
	if err := cursor.Err(); err != nil {
		return nil, NewIOError("objects", err)
	}
	return out, nil
}

func (b *MongoBackend) SetObjectSize(ctx context.Context, objectUUID string, size int64) error {
	res, err := b.db.Collection(collObjects).
		UpdateOne(ctx, bson.M{"uuid": objectUUID}, bson.M{"$set": bson.M{"size": size}})
	if err != nil {
		return NewIOError("objects", err)
	}
	if res.MatchedCount == 0 {
		return NewNotFoundError(objectUUID)
	}
	return nil
}

func (b *MongoBackend) InsertDownload(ctx context.Context, ticket *DownloadTicket) error {
	doc := dlDoc{
		DownloadKey:   ticket.DownloadKey,
		WorkspacePath: ticket.WorkspacePath,
		Name:          ticket.Name,
		Size:          ticket.Size,
		Expiration:    ticket.Expiration.Unix(),
		FilePath:      ticket.FilePath,
		ShockNode:     ticket.ShockNode,
		Token:         ticket.Token,
	}
	if _, err := b.db.Collection(collDownloads).InsertOne(ctx, doc); err != nil {
		return NewIOError("downloads", err)
	}
	return nil
}

func (b *MongoBackend) GetDownload(ctx context.Context, key string) (*DownloadTicket, error) {
	var doc dlDoc
	err := b.db.Collection(collDownloads).
		FindOne(ctx, bson.M{"download_key": key}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, NewNotFoundError(key)
	}
	if err != nil {
		return nil, NewIOError("downloads", err)
	}
	return &DownloadTicket{
		DownloadKey:   doc.DownloadKey,
		WorkspacePath: doc.WorkspacePath,
		Name:          doc.Name,
		Size:          doc.Size,
		Expiration:    time.Unix(doc.Expiration, 0),
		FilePath:      doc.FilePath,
		ShockNode:     doc.ShockNode,
		Token:         doc.Token,
	}, nil
}

func (b *MongoBackend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}
