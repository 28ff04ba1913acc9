// Package redis tracks room activity in a Redis sorted set so several gateway
// instances can share one room list.
package redis

import (
	"collab-server/core"
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activeRoomsKey = "rooms:active"
	// roomRetention drops rooms that have been idle this long.
	roomRetention = 24 * time.Hour
	listLimit     = 1000
)

// ActivityStore implements core.RoomActivity. Members of the sorted set are
// room ids scored by last activity in unix milliseconds.
type ActivityStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewActivityStore connects to redisURL and verifies the connection.
func NewActivityStore(redisURL string) (*ActivityStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewActivityStoreWithClient(client), nil
}

func NewActivityStoreWithClient(client *redis.Client) *ActivityStore {
	return &ActivityStore{client: client, now: time.Now}
}

func (s *ActivityStore) TouchRoom(ctx context.Context, roomID string) error {
	now := s.now()
	cutoff := now.Add(-roomRetention).UnixMilli()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, activeRoomsKey, redis.Z{Score: float64(now.UnixMilli()), Member: roomID})
		pipe.ZRemRangeByScore(ctx, activeRoomsKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch room: %w", err)
	}
	return nil
}

// ListRooms returns rooms most recently active first, ties broken by id.
func (s *ActivityStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	entries, err := s.client.ZRevRangeWithScores(ctx, activeRoomsKey, 0, listLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	rooms := make([]core.Room, 0, len(entries))
	for _, entry := range entries {
		id, ok := entry.Member.(string)
		if !ok {
			continue
		}
		rooms = append(rooms, core.Room{ID: id, LastActive: int64(entry.Score)})
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		if rooms[i].LastActive != rooms[j].LastActive {
			return rooms[i].LastActive > rooms[j].LastActive
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms, nil
}

func (s *ActivityStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *ActivityStore) Close() error {
	return s.client.Close()
}
