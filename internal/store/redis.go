package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pavelanni/quizgen/internal/model"
)

// RedisStore is a Repository over Redis. Quizzes live under quiz:<id>,
// results under result:<id>; owner:<owner> and quizzes are sorted sets of
// quiz ids scored by creation time.
type RedisStore struct {
	rdb    *goredis.Client
	prefix string
}

var _ Repository = (*RedisStore)(nil)

// OpenRedis connects to a redis:// URL. Keys are namespaced by prefix.
func OpenRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) quizKey(id string) string     { return s.prefix + "quiz:" + id }
func (s *RedisStore) resultKey(id string) string   { return s.prefix + "result:" + id }
func (s *RedisStore) ownerKey(owner string) string { return s.prefix + "owner:" + owner }
func (s *RedisStore) allKey() string               { return s.prefix + "quizzes" }

// Put stores a quiz and indexes it by owner.
func (s *RedisStore) Put(ctx context.Context, q *model.Quiz) error {
	doc, err := quizDoc(q)
	if err != nil {
		return err
	}
	member := goredis.Z{Score: float64(q.CreatedAt.UnixMilli()), Member: q.ID}
	_, err = s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, s.quizKey(q.ID), doc, 0)
		p.ZAdd(ctx, s.allKey(), member)
		if q.OwnerID != "" {
			p.ZAdd(ctx, s.ownerKey(q.OwnerID), member)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put quiz %s: %w", q.ID, err)
	}
	return nil
}

// Get returns the quiz with its latest result attached.
func (s *RedisStore) Get(ctx context.Context, id string) (*model.Quiz, error) {
	quizzes, err := s.load(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(quizzes) == 0 {
		return nil, ErrNotFound
	}
	return &quizzes[0], nil
}

// List returns the owner's quizzes, or every quiz when owner is empty,
// newest first.
func (s *RedisStore) List(ctx context.Context, owner string) ([]model.Quiz, error) {
	key := s.allKey()
	if owner != "" {
		key = s.ownerKey(owner)
	}
	ids, err := s.rdb.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list quizzes: %w", err)
	}
	return s.load(ctx, ids)
}

// load fetches quizzes and results for ids, skipping ids whose quiz is gone.
func (s *RedisStore) load(ctx context.Context, ids []string) ([]model.Quiz, error) {
	quizzes := []model.Quiz{}
	if len(ids) == 0 {
		return quizzes, nil
	}
	keys := make([]string, 0, 2*len(ids))
	for _, id := range ids {
		keys = append(keys, s.quizKey(id))
	}
	for _, id := range ids {
		keys = append(keys, s.resultKey(id))
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load quizzes: %w", err)
	}
	for i := range ids {
		doc, ok := vals[i].(string)
		if !ok {
			continue
		}
		var q model.Quiz
		if err := json.Unmarshal([]byte(doc), &q); err != nil {
			return nil, fmt.Errorf("decode quiz %s: %w", ids[i], err)
		}
		if res, ok := vals[len(ids)+i].(string); ok {
			var r model.Result
			if err := json.Unmarshal([]byte(res), &r); err != nil {
				return nil, fmt.Errorf("decode result %s: %w", ids[i], err)
			}
			q.Result = &r
		}
		quizzes = append(quizzes, q)
	}
	return quizzes, nil
}

// PutResult stores the result for a quiz, replacing any earlier one.
func (s *RedisStore) PutResult(ctx context.Context, quizID string, r *model.Result) error {
	n, err := s.rdb.Exists(ctx, s.quizKey(quizID)).Result()
	if err != nil {
		return fmt.Errorf("check quiz %s: %w", quizID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.rdb.Set(ctx, s.resultKey(quizID), doc, 0).Err(); err != nil {
		return fmt.Errorf("put result %s: %w", quizID, err)
	}
	return nil
}

// GetResult returns the latest result for a quiz.
func (s *RedisStore) GetResult(ctx context.Context, quizID string) (*model.Result, error) {
	doc, err := s.rdb.Get(ctx, s.resultKey(quizID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", quizID, err)
	}
	var r model.Result
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", quizID, err)
	}
	return &r, nil
}

// ExportAll returns every quiz with its result as an export document.
func (s *RedisStore) ExportAll(ctx context.Context) (*model.Export, error) {
	return exportQuizzes(ctx, s)
}
