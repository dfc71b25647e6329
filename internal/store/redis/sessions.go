// Package redis backs the live-session presence window with Redis sorted
// sets, one scored by last-seen time for all sessions and one for the subset
// acting as the human operator.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	allSessionsKey     = "ghostship:sessions:all"
	organicSessionsKey = "ghostship:sessions:organic"
)

// Sessions implements store.SessionStore on two ZSETs. Scores are last-seen
// unix milliseconds, so windowed counts and prunes are single range ops.
type Sessions struct {
	client *redis.Client
}

func NewSessions(url string) (*Sessions, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Sessions{client: client}, nil
}

func (s *Sessions) Touch(ctx context.Context, sessionKey string, organic bool, at time.Time) error {
	score := float64(at.UnixMilli())

	if err := s.client.ZAdd(ctx, allSessionsKey, redis.Z{Score: score, Member: sessionKey}).Err(); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	if organic {
		if err := s.client.ZAdd(ctx, organicSessionsKey, redis.Z{Score: score, Member: sessionKey}).Err(); err != nil {
			return fmt.Errorf("touch organic session: %w", err)
		}
		return nil
	}
	// A session that stops presenting as the operator leaves the organic set.
	if err := s.client.ZRem(ctx, organicSessionsKey, sessionKey).Err(); err != nil {
		return fmt.Errorf("demote organic session: %w", err)
	}
	return nil
}

func (s *Sessions) Counts(ctx context.Context, now time.Time, window time.Duration) (int, int, error) {
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	total, err := s.client.ZCount(ctx, allSessionsKey, cutoff, "+inf").Result()
	if err != nil {
		return 0, 0, fmt.Errorf("count sessions: %w", err)
	}
	organic, err := s.client.ZCount(ctx, organicSessionsKey, cutoff, "+inf").Result()
	if err != nil {
		return 0, 0, fmt.Errorf("count organic sessions: %w", err)
	}
	return int(total), int(organic), nil
}

// Prune drops sessions last seen strictly before now-window and reports how
// many left the all-sessions set.
func (s *Sessions) Prune(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	cutoff := "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	removed, err := s.client.ZRemRangeByScore(ctx, allSessionsKey, "-inf", cutoff).Result()
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	if err := s.client.ZRemRangeByScore(ctx, organicSessionsKey, "-inf", cutoff).Err(); err != nil {
		return 0, fmt.Errorf("prune organic sessions: %w", err)
	}
	return int(removed), nil
}

func (s *Sessions) Close() error {
	return s.client.Close()
}
