// Copyright 2026 The Parlor Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parlor-games/parlor/mailbox"
)

// RedisStore keeps boxes as Redis lists and rosters as Redis sets, so
// boxes survive relay restarts and multiple relay replicas can serve
// one session. Every key carries the TTL; Redis does the reaping the
// MemoryStore does lazily.
//
// Keys: parlor:{session}:mbox:{peer} (list of JSON messages) and
// parlor:{session}:roster (set of peer IDs).
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. A zero ttl means
// [DefaultMessageTTL]. The caller owns the client's lifecycle.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func boxRedisKey(session, peer string) string {
	return "parlor:" + session + ":mbox:" + peer
}

func rosterRedisKey(session string) string {
	return "parlor:" + session + ":roster"
}

func (s *RedisStore) Append(ctx context.Context, session, peer string, msg mailbox.Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay: encoding message for redis: %w", err)
	}
	key := boxRedisKey(session, peer)
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, encoded)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("relay: appending to %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Drain(ctx context.Context, session, peer string) ([]mailbox.Message, error) {
	key := boxRedisKey(session, peer)

	// LRANGE and DEL inside one MULTI/EXEC so a concurrent Append
	// lands either wholly before this drain or wholly in the next.
	var listCmd *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		listCmd = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relay: draining %s: %w", key, err)
	}

	raw := listCmd.Val()
	messages := make([]mailbox.Message, 0, len(raw))
	for _, item := range raw {
		var msg mailbox.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("relay: corrupt message in %s: %w", key, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *RedisStore) AddPeer(ctx context.Context, session, peer string) error {
	key := rosterRedisKey(session)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, peer)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("relay: registering peer in %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) RemovePeer(ctx context.Context, session, peer string) error {
	if err := s.client.SRem(ctx, rosterRedisKey(session), peer).Err(); err != nil {
		return fmt.Errorf("relay: removing peer from session %s: %w", session, err)
	}
	return nil
}

func (s *RedisStore) Roster(ctx context.Context, session string) ([]string, error) {
	peers, err := s.client.SMembers(ctx, rosterRedisKey(session)).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: reading roster of session %s: %w", session, err)
	}
	sort.Strings(peers)
	return peers, nil
}

func (s *RedisStore) Purge(ctx context.Context, session, peer string) error {
	if err := s.client.Del(ctx, boxRedisKey(session, peer)).Err(); err != nil {
		return fmt.Errorf("relay: purging box of %s: %w", peer, err)
	}
	return nil
}
