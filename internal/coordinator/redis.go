package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meshconf/sfu-signaling/config"
)

const (
	eventsChannel = "signaling:events"
	roomKeyPrefix = "room:"
	roomTTL       = 24 * time.Hour
)

// Redis implements Coordinator on a shared Redis instance: one PUBLISH
// channel for facts and one hash per room for the metadata mirror.
type Redis struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, handler Handler) error {
	sub := r.client.Subscribe(ctx, eventsChannel)
	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe to %s: %w", eventsChannel, err)
	}

	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Printf("Ignoring non-event message on %s: %v", eventsChannel, err)
					continue
				}
				handler(event)
			}
		}
	}()
	return nil
}

func (r *Redis) PutRoom(ctx context.Context, record RoomRecord) error {
	key := roomKeyPrefix + record.ID
	err := r.client.HSet(ctx, key,
		"roomId", record.ID,
		"roomName", record.Name,
		"createdAt", strconv.FormatInt(record.CreatedAt.UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("store room %s: %w", record.ID, err)
	}
	r.client.Expire(ctx, key, roomTTL)
	return nil
}

func (r *Redis) GetRoom(ctx context.Context, roomID string) (RoomRecord, error) {
	fields, err := r.client.HGetAll(ctx, roomKeyPrefix+roomID).Result()
	if err != nil {
		return RoomRecord{}, fmt.Errorf("fetch room %s: %w", roomID, err)
	}
	if len(fields) == 0 {
		return RoomRecord{}, ErrRoomRecordNotFound
	}
	createdAt, _ := strconv.ParseInt(fields["createdAt"], 10, 64)
	return RoomRecord{
		ID:        fields["roomId"],
		Name:      fields["roomName"],
		CreatedAt: time.UnixMilli(createdAt),
	}, nil
}

func (r *Redis) DeleteRoom(ctx context.Context, roomID string) error {
	if err := r.client.Del(ctx, roomKeyPrefix+roomID).Err(); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}

func (r *Redis) ListRooms(ctx context.Context) ([]RoomRecord, error) {
	var records []RoomRecord
	iter := r.client.Scan(ctx, 0, roomKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		record, err := r.GetRoom(ctx, iter.Val()[len(roomKeyPrefix):])
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan rooms: %w", err)
	}
	return records, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
