package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	v1 "forge/shared/contracts/realtime/v1"
)

const redisMaxTxRetries = 16

// RedisStore is a MessageStore backed by Redis.
//
// Per conversation it keeps a seq counter, the last created_at, a sorted set of messages
// scored by seq and a client_msg_id hash. Inserts run as optimistic WATCH/MULTI
// transactions and retry when another writer touched the same conversation.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisStore{client: client, prefix: "forge"}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// The braces are a cluster hash tag: every key of one conversation maps to one slot.
func (s *RedisStore) key(conversationID, suffix string) string {
	return fmt.Sprintf("%s:conv:{%s}:%s", s.prefix, conversationID, suffix)
}

// Insert appends a message with idempotency and monotonic sequence allocation.
func (s *RedisStore) Insert(ctx context.Context, in InsertInput) (InsertResult, error) {
	if err := in.validate(); err != nil {
		return InsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}

	now := insertNow(in)

	seqKey := s.key(in.ConversationID, "seq")
	lastKey := s.key(in.ConversationID, "last_ts")
	msgsKey := s.key(in.ConversationID, "msgs")
	dedupeKey := s.key(in.ConversationID, "dedupe")

	for attempt := 0; attempt < redisMaxTxRetries; attempt++ {
		var res InsertResult

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			if in.ClientMsgID != "" {
				raw, err := tx.HGet(ctx, dedupeKey, in.ClientMsgID).Result()
				if err == nil {
					m, derr := decodeRedisMessage(raw)
					if derr != nil {
						return derr
					}
					res = InsertResult{Stored: m, Duplicate: true}
					return nil
				}
				if !errors.Is(err, redis.Nil) {
					return err
				}
			}

			seq, err := redisInt64(tx.Get(ctx, seqKey))
			if err != nil {
				return err
			}
			lastNs, err := redisInt64(tx.Get(ctx, lastKey))
			if err != nil {
				return err
			}

			id, err := NewMessageID(now)
			if err != nil {
				return err
			}

			msg := Message{
				ID:             id,
				ConversationID: in.ConversationID,
				Seq:            seq + 1,
				SenderID:       in.SenderID,
				SenderName:     in.SenderName,
				Body:           in.Body,
				Image:          in.Image,
				ClientMsgID:    in.ClientMsgID,
				CreatedAt:      clampCreatedAt(unixNanoUTC(lastNs), now),
			}
			data, err := json.Marshal(msg.Wire())
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, seqKey, msg.Seq, 0)
				pipe.Set(ctx, lastKey, msg.CreatedAt.UnixNano(), 0)
				pipe.ZAdd(ctx, msgsKey, redis.Z{Score: float64(msg.Seq), Member: string(data)})
				if msg.ClientMsgID != "" {
					pipe.HSet(ctx, dedupeKey, msg.ClientMsgID, string(data))
				}
				return nil
			})
			if err != nil {
				return err
			}
			res = InsertResult{Stored: msg}
			return nil
		}, seqKey, dedupeKey)

		if err == nil {
			return res, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return InsertResult{}, err
	}
	return InsertResult{}, fmt.Errorf("redis insert: %w after %d attempts", redis.TxFailedErr, redisMaxTxRetries)
}

// QueryOrdered returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *RedisStore) QueryOrdered(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if q.ConversationID == "" {
		return HistoryPage{}, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}

	limit := normalizeHistoryLimit(q.Limit)

	minScore := "-inf"
	if q.AfterSeq != nil {
		minScore = "(" + strconv.FormatInt(*q.AfterSeq, 10) // exclusive
	}

	results, err := s.client.ZRangeByScore(ctx, s.key(q.ConversationID, "msgs"), &redis.ZRangeBy{
		Min:   minScore,
		Max:   "+inf",
		Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return HistoryPage{}, err
	}

	msgs := make([]Message, 0, len(results))
	for _, raw := range results {
		m, err := decodeRedisMessage(raw)
		if err != nil {
			return HistoryPage{}, err
		}
		msgs = append(msgs, m)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return HistoryPage{Messages: msgs, HasMore: hasMore}, nil
}

func decodeRedisMessage(raw string) (Message, error) {
	var w v1.Message
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Message{}, fmt.Errorf("decode stored message: %w", err)
	}
	return Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		Seq:            w.Seq,
		SenderID:       w.SenderID,
		SenderName:     w.SenderName,
		Body:           w.Body,
		Image:          w.Image,
		ClientMsgID:    w.ClientMsgID,
		CreatedAt:      w.CreatedAt.UTC(),
	}, nil
}

func redisInt64(cmd *redis.StringCmd) (int64, error) {
	n, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
