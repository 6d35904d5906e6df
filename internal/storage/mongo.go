package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "notifyd/pkg/logx"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	notificationsCollection = "notifications"
	preferencesCollection   = "preferences"
)

type notificationDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	UserID    string             `bson:"userId"`
	Message   string             `bson:"message"`
	Read      bool               `bson:"read"`
	CreatedAt time.Time          `bson:"createdAt"`
}

func (d notificationDoc) model() Notification {
	return Notification{ID: d.ID.Hex(), UserID: d.UserID, Message: d.Message, Read: d.Read, CreatedAt: d.CreatedAt.UTC()}
}

type preferenceDoc struct {
	UserID                   string    `bson:"userId"`
	Email                    string    `bson:"email"`
	GlobalEmailNotifications bool      `bson:"globalEmailNotifications"`
	AlertOnExpenseCreation   bool      `bson:"alertOnExpenseCreation"`
	AlertOnBalanceChange     bool      `bson:"alertOnBalanceChange"`
	AlertOnNewGroup          bool      `bson:"alertOnNewGroup"`
	SummaryFrequency         string    `bson:"summaryFrequency"`
	LastSummarySent          time.Time `bson:"lastSummarySent"`
}

func (d preferenceDoc) model() Preference {
	return Preference{
		UserID:                   d.UserID,
		Email:                    d.Email,
		GlobalEmailNotifications: d.GlobalEmailNotifications,
		AlertOnExpenseCreation:   d.AlertOnExpenseCreation,
		AlertOnBalanceChange:     d.AlertOnBalanceChange,
		AlertOnNewGroup:          d.AlertOnNewGroup,
		SummaryFrequency:         SummaryFrequency(d.SummaryFrequency),
		LastSummarySent:          d.LastSummarySent.UTC(),
	}
}

// preferenceFields maps a record to its stored field set.
func preferenceFields(p Preference) bson.M {
	if p.SummaryFrequency == "" {
		p.SummaryFrequency = FrequencyWeekly
	}
	return bson.M{
		"userId":                   p.UserID,
		"email":                    p.Email,
		"globalEmailNotifications": p.GlobalEmailNotifications,
		"alertOnExpenseCreation":   p.AlertOnExpenseCreation,
		"alertOnBalanceChange":     p.AlertOnBalanceChange,
		"alertOnNewGroup":          p.AlertOnNewGroup,
		"summaryFrequency":         string(p.SummaryFrequency),
		"lastSummarySent":          p.LastSummarySent,
	}
}

// patchFields maps the set fields of a patch to their stored names.
func patchFields(p PreferencePatch) bson.M {
	m := bson.M{}
	if p.Email != nil {
		m["email"] = *p.Email
	}
	if p.GlobalEmailNotifications != nil {
		m["globalEmailNotifications"] = *p.GlobalEmailNotifications
	}
	if p.AlertOnExpenseCreation != nil {
		m["alertOnExpenseCreation"] = *p.AlertOnExpenseCreation
	}
	if p.AlertOnBalanceChange != nil {
		m["alertOnBalanceChange"] = *p.AlertOnBalanceChange
	}
	if p.AlertOnNewGroup != nil {
		m["alertOnNewGroup"] = *p.AlertOnNewGroup
	}
	if p.SummaryFrequency != nil {
		m["summaryFrequency"] = string(*p.SummaryFrequency)
	}
	return m
}

type mongoStore struct {
	client        *mongo.Client
	notifications *mongo.Collection
	preferences   *mongo.Collection
	log           logx.Logger
}

func openMongo(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	uri := strings.TrimSpace(cfg.MongoURI)
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	dbName := strings.TrimSpace(cfg.MongoDatabase)
	if dbName == "" {
		dbName = "notifications"
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := options.Client().ApplyURI(uri).SetConnectTimeout(timeout).SetServerSelectionTimeout(timeout)
	client, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(cctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(dbName)
	st := &mongoStore{
		client:        client,
		notifications: db.Collection(notificationsCollection),
		preferences:   db.Collection(preferencesCollection),
		log:           log,
	}
	if err := st.ensureIndexes(cctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info("mongo store connected", logx.String("database", dbName))
	return st, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.preferences.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "summaryFrequency", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo preferences indexes: %w", err)
	}
	_, err = s.notifications.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("mongo notifications index: %w", err)
	}
	return nil
}

func (s *mongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// ---- notifications ----

func (s *mongoStore) CreateNotification(ctx context.Context, userID, message string, at time.Time) (Notification, error) {
	if userID == "" || message == "" {
		return Notification{}, fmt.Errorf("%w: userId and message are required", ErrInvalid)
	}
	if at.IsZero() {
		at = time.Now()
	}
	doc := notificationDoc{
		ID:        primitive.NewObjectID(),
		UserID:    userID,
		Message:   message,
		CreatedAt: at.UTC().Truncate(time.Millisecond),
	}
	if _, err := s.notifications.InsertOne(ctx, doc); err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return doc.model(), nil
}

func (s *mongoStore) MarkNotificationRead(ctx context.Context, id string) (Notification, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return Notification{}, ErrNotFound
	}
	var doc notificationDoc
	err = s.notifications.FindOneAndUpdate(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"read": true}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, fmt.Errorf("mark read: %w", err)
	}
	return doc.model(), nil
}

func (s *mongoStore) ListNotifications(ctx context.Context, userID string) ([]Notification, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	return s.findNotifications(ctx, bson.M{"userId": userID}, opts)
}

func (s *mongoStore) ListUnreadSince(ctx context.Context, userID string, since time.Time) ([]Notification, error) {
	filter := bson.M{"userId": userID, "read": false, "createdAt": bson.M{"$gte": since}}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	return s.findNotifications(ctx, filter, opts)
}

func (s *mongoStore) findNotifications(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]Notification, error) {
	cur, err := s.notifications.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find notifications: %w", err)
	}
	defer cur.Close(ctx)
	out := make([]Notification, 0, 8)
	for cur.Next(ctx) {
		var doc notificationDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.model())
	}
	return out, cur.Err()
}

func (s *mongoStore) DeleteNotifications(ctx context.Context, userID string) (int64, error) {
	res, err := s.notifications.DeleteMany(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	return res.DeletedCount, nil
}

// ---- preferences ----

func (s *mongoStore) GetPreference(ctx context.Context, userID string) (Preference, bool, error) {
	var doc preferenceDoc
	err := s.preferences.FindOne(ctx, bson.M{"userId": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Preference{}, false, nil
	}
	if err != nil {
		return Preference{}, false, fmt.Errorf("find preference: %w", err)
	}
	return doc.model(), true, nil
}

func (s *mongoStore) UpsertPreference(ctx context.Context, userID string, patch PreferencePatch) (Preference, error) {
	if userID == "" {
		return Preference{}, fmt.Errorf("%w: userId is required", ErrInvalid)
	}
	if err := patch.validate(); err != nil {
		return Preference{}, err
	}

	set := patchFields(patch)
	// Defaults only for fields the patch does not set; Mongo rejects the
	// same path in $set and $setOnInsert.
	onInsert := preferenceFields(DefaultPreference(userID, ""))
	delete(onInsert, "userId")
	for k := range set {
		delete(onInsert, k)
	}
	update := bson.M{"$setOnInsert": onInsert}
	if len(set) > 0 {
		update["$set"] = set
	}

	var doc preferenceDoc
	err := s.preferences.FindOneAndUpdate(ctx,
		bson.M{"userId": userID},
		update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return Preference{}, fmt.Errorf("upsert preference: %w", err)
	}
	return doc.model(), nil
}

func (s *mongoStore) InitPreference(ctx context.Context, pref Preference) (bool, error) {
	if pref.UserID == "" {
		return false, fmt.Errorf("%w: userId is required", ErrInvalid)
	}
	fields := preferenceFields(pref)
	delete(fields, "userId")
	res, err := s.preferences.UpdateOne(ctx,
		bson.M{"userId": pref.UserID},
		bson.M{"$setOnInsert": fields},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		// Lost an insert race against another initializer.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("init preference: %w", err)
	}
	return res.UpsertedCount > 0, nil
}

func (s *mongoStore) DeletePreference(ctx context.Context, userID string) (bool, error) {
	res, err := s.preferences.DeleteOne(ctx, bson.M{"userId": userID})
	if err != nil {
		return false, fmt.Errorf("delete preference: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *mongoStore) ListPreferencesByFrequency(ctx context.Context, freq SummaryFrequency) ([]Preference, error) {
	cur, err := s.preferences.Find(ctx, bson.M{"summaryFrequency": string(freq)},
		options.Find().SetSort(bson.D{{Key: "userId", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find preferences: %w", err)
	}
	defer cur.Close(ctx)
	var out []Preference
	for cur.Next(ctx) {
		var doc preferenceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.model())
	}
	return out, cur.Err()
}

func (s *mongoStore) MarkSummarySent(ctx context.Context, userID string, at time.Time) error {
	res, err := s.preferences.UpdateOne(ctx,
		bson.M{"userId": userID},
		bson.M{"$set": bson.M{"lastSummarySent": at}},
	)
	if err != nil {
		return fmt.Errorf("mark summary sent: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
