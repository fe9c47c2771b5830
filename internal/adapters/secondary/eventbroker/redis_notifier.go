package eventbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
)

// TimelineEvent est le message lu par le service de streaming.
type TimelineEvent struct {
	Event   string `json:"event"`   // "update" | "delete"
	Payload string `json:"payload"` // id du statut, en string (les ids dépassent 2^53)
}

// RedisNotifier publie les changements de feed en pub/sub Redis.
type RedisNotifier struct {
	client *redis.Client
}

var _ ports.TimelineNotifier = (*RedisNotifier)(nil)

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Channel : "timeline:42" pour le home, "timeline:list:7", "timeline:direct:42"...
func Channel(feed domain.FeedKey) string {
	id := strconv.FormatInt(feed.OwnerID, 10)
	switch feed.Type {
	case domain.FeedHome:
		return "timeline:" + id
	case domain.FeedList:
		return "timeline:list:" + id
	case domain.FeedMentions:
		return "timeline:mentions:" + id
	case domain.FeedDirect:
		return "timeline:direct:" + id
	}
	return "timeline:" + string(feed.Type) + ":" + id
}

func (n *RedisNotifier) Publish(ctx context.Context, feed domain.FeedKey, event string, statusID int64) error {
	data, err := json.Marshal(TimelineEvent{Event: event, Payload: strconv.FormatInt(statusID, 10)})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, Channel(feed), data).Err(); err != nil {
		return &domain.StoreError{Op: "publish", Key: Channel(feed), Err: err}
	}
	return nil
}
