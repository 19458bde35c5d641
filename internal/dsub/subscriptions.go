package dsub

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

const subscriptionCollection = "subscriptions"

// Subscription is one DSUB consumer registration. An empty FacilityQuery
// subscribes to documents from every facility.
type Subscription struct {
	ID            string    `bson:"_id"`
	URL           string    `bson:"url"`
	FacilityQuery string    `bson:"facility_query"`
	TerminateAt   time.Time `bson:"terminate_at"`
	CreatedAt     time.Time `bson:"created_at"`
}

// SubscriptionRepository stores DSUB subscriptions.
type SubscriptionRepository interface {
	Save(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, url string) error
	FindActive(ctx context.Context, facilityID string) ([]*Subscription, error)
}

// MongoSubscriptionRepository keeps subscriptions in MongoDB.
type MongoSubscriptionRepository struct {
	collection *mongo.Collection
}

// NewMongoSubscriptionRepository creates a repository on the given database.
func NewMongoSubscriptionRepository(client *mongo.Client, database string) *MongoSubscriptionRepository {
	return &MongoSubscriptionRepository{
		collection: client.Database(database).Collection(subscriptionCollection),
	}
}

// Save implements SubscriptionRepository.
func (r *MongoSubscriptionRepository) Save(ctx context.Context, sub *Subscription) error {
	if _, err := r.collection.InsertOne(ctx, sub); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// Delete implements SubscriptionRepository.
func (r *MongoSubscriptionRepository) Delete(ctx context.Context, url string) error {
	if _, err := r.collection.DeleteMany(ctx, bson.M{"url": url}); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// FindActive implements SubscriptionRepository: unexpired subscriptions
// whose facility filter is empty or matches.
func (r *MongoSubscriptionRepository) FindActive(ctx context.Context, facilityID string) ([]*Subscription, error) {
	filter := bson.M{
		"terminate_at": bson.M{"$gt": time.Now()},
		"$or": bson.A{
			bson.M{"facility_query": ""},
			bson.M{"facility_query": facilityID},
		},
	}

	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer cursor.Close(ctx)

	var subs []*Subscription
	if err := cursor.All(ctx, &subs); err != nil {
		return nil, fmt.Errorf("failed to decode subscriptions: %w", err)
	}
	return subs, nil
}

// Service implements the DSUB broker operations over a subscription store
// and a notifier.
type Service struct {
	repo     SubscriptionRepository
	notifier SubscriptionNotifier
	log      *zap.Logger
}

// NewService creates a DSUB service.
func NewService(repo SubscriptionRepository, notifier SubscriptionNotifier, log *zap.Logger) *Service {
	return &Service{repo: repo, notifier: notifier, log: log}
}

// CreateSubscription registers a consumer URL. A subscription that already
// exists for the same URL and facility filter is rejected.
func (s *Service) CreateSubscription(ctx context.Context, url, facilityQuery string, terminateAt time.Time) (*Subscription, error) {
	s.log.Info("request to create subscription", zap.String("url", url))

	exists, err := s.SubscriptionExists(ctx, url, facilityQuery)
	if err != nil {
		return nil, err
	}
	if exists {
		s.log.Error("unable to create subscription, another one already exists",
			zap.String("url", url))
		return nil, fmt.Errorf("subscription already exists for %s", url)
	}

	sub := &Subscription{
		ID:            uuid.New().String(),
		URL:           url,
		FacilityQuery: facilityQuery,
		TerminateAt:   terminateAt,
		CreatedAt:     time.Now(),
	}
	if err := s.repo.Save(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// DeleteSubscription removes every subscription for the consumer URL.
func (s *Service) DeleteSubscription(ctx context.Context, url string) error {
	s.log.Info("request to delete subscription", zap.String("url", url))
	return s.repo.Delete(ctx, url)
}

// NotifyNewDocument fans a registered document out to every active
// subscriber. A failing subscriber never blocks the rest.
func (s *Service) NotifyNewDocument(ctx context.Context, docID, facilityID string) error {
	subs, err := s.repo.FindActive(ctx, facilityID)
	if err != nil {
		return err
	}

	s.log.Info("notifying active subscriptions",
		zap.Int("subscriptions", len(subs)),
		zap.String("docId", docID))

	for _, sub := range subs {
		if err := s.notifier.Notify(ctx, sub, docID); err != nil {
			s.log.Error("unable to notify subscriber",
				zap.String("url", sub.URL), zap.Error(err))
		}
	}
	return nil
}

// SubscriptionExists reports whether an active subscription with the same
// URL already covers the facility filter.
func (s *Service) SubscriptionExists(ctx context.Context, url, facility string) (bool, error) {
	subs, err := s.repo.FindActive(ctx, facility)
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		if sub.URL == url {
			return true, nil
		}
	}
	return false, nil
}
