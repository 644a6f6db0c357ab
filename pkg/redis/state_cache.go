package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/listening-room-system/pkg/models"
)

const stateCacheTTL = 24 * time.Hour

var ErrCacheMiss = errors.New("playback state not cached")

// StateCache holds the hot copy of each active room's playback state.
// Entries are evicted when the room closes so memory stays bounded to live
// rooms.
type StateCache struct {
	client *redis.Client
}

func NewStateCache(client *redis.Client) *StateCache {
	return &StateCache{client: client}
}

func stateKey(roomID uuid.UUID) string {
	return fmt.Sprintf("playback:%s", roomID)
}

func (c *StateCache) Set(ctx context.Context, state *models.PlaybackState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal playback state: %w", err)
	}

	if err := c.client.Set(ctx, stateKey(state.RoomID), stateJSON, stateCacheTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache playback state: %w", err)
	}

	return nil
}

func (c *StateCache) Get(ctx context.Context, roomID uuid.UUID) (*models.PlaybackState, error) {
	stateJSON, err := c.client.Get(ctx, stateKey(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get playback state: %w", err)
	}

	var state models.PlaybackState
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal playback state: %w", err)
	}

	return &state, nil
}

func (c *StateCache) Evict(ctx context.Context, roomIDs ...uuid.UUID) error {
	if len(roomIDs) == 0 {
		return nil
	}
	keys := make([]string, len(roomIDs))
	for i, id := range roomIDs {
		keys[i] = stateKey(id)
	}
	return c.client.Del(ctx, keys...).Err()
}
