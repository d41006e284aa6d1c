package store

import "context"

// IsEventProcessed checks if an event has been processed
func (q *queries) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := q.get(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed. A concurrent duplicate makes
// the insert a no-op, reported as ErrConditionFailed.
func (q *queries) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	return q.execOne(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
}
