package store

import (
	"context"
	"errors"

	"streamhooks/internal/model"
)

// Store is the persistence contract consumed by the delivery engine. The
// engine only reads subscriptions and resource snapshots; the one thing it
// writes besides delivery records is the informational subscription status.
type Store interface {
	// Subscriptions
	GetSubscription(ctx context.Context, id string) (model.Subscription, error)
	FindSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, status model.SubscriptionStatus) error

	// Delivery records (append-only)
	CreateDeliveryRecord(ctx context.Context, rec model.DeliveryRecord) error
	GetDeliveryRecord(ctx context.Context, subscriptionID, id string) (model.DeliveryRecord, error)
	ListDeliveryRecords(ctx context.Context, subscriptionID, cursor string, limit int) ([]model.DeliveryRecord, string, error)

	// Resource snapshots
	GetStream(ctx context.Context, id string) (model.Stream, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	GetUser(ctx context.Context, id string) (model.User, error)
}

var ErrNotFound = errors.New("not found")
