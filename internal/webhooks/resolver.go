package webhooks

import (
	"context"

	"streamhooks/internal/model"
	"streamhooks/internal/store"
)

// SubscriptionResolver decides which subscriptions receive an event.
type SubscriptionResolver struct {
	Store store.Store
}

func NewSubscriptionResolver(s store.Store) *SubscriptionResolver {
	return &SubscriptionResolver{Store: s}
}

// ListSubscribed returns the enabled, non-deleted subscriptions of the user
// that match the event's key, project, and stream scope.
func (r *SubscriptionResolver) ListSubscribed(ctx context.Context, userID, event, projectID, streamID string) ([]model.Subscription, error) {
	subs, err := r.Store.FindSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}
	defaultProject := ""
	if u, err := r.Store.GetUser(ctx, userID); err == nil {
		defaultProject = u.DefaultProjectID
	}
	var out []model.Subscription
	for _, s := range subs {
		if Matches(s, event, projectID, streamID, defaultProject) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Matches applies the matching rule for one subscription. A subscription with
// no stream scope matches any stream; project scoping falls back to the
// account's default project on both sides, so subscriptions created before
// projects existed still match.
func Matches(s model.Subscription, event, projectID, streamID, defaultProject string) bool {
	if s.Deleted || s.Disabled {
		return false
	}
	if !s.SubscribesTo(event) {
		return false
	}
	if streamID != "" && s.StreamID != "" && s.StreamID != streamID {
		return false
	}
	evProject := projectID
	if evProject == "" {
		evProject = defaultProject
	}
	subProject := s.ProjectID
	if subProject == "" {
		subProject = defaultProject
	}
	return evProject == subProject
}
