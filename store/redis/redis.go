// Package redis implements deckhand.TokenStore using Redis. Multi-node
// deployments share pending approvals through it: any node can list or
// resolve a token minted on another node.
//
// The store accepts an externally-owned *redis.Client via constructor
// injection. The caller creates and closes the client.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	deckhand "github.com/deckhand-ai/deckhand"
)

const (
	tokenKeyPrefix = "deckhand:approval:"
	orgKeyPrefix   = "deckhand:approvals:org:"
)

// takeScript consumes a token atomically: the get, tenant check, and
// delete happen in one script, so concurrent callers for the same id
// see exactly one success. Expiry rides the key TTL.
var takeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return false
end
local token = cjson.decode(raw)
if token['orgId'] ~= ARGV[1] then
	return false
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return raw
`)

// TokenStore persists approval tokens in Redis.
type TokenStore struct {
	client *redis.Client
}

var _ deckhand.TokenStore = (*TokenStore)(nil)

// New creates a TokenStore using an existing redis.Client.
// The caller owns the client and is responsible for closing it.
func New(client *redis.Client) *TokenStore {
	return &TokenStore{client: client}
}

func tokenKey(id string) string  { return tokenKeyPrefix + id }
func orgKey(orgID string) string { return orgKeyPrefix + orgID }

func notFound() *deckhand.Error {
	return deckhand.E(deckhand.KindNotFound, "approval not found or expired")
}

func dbErr(op string, err error) *deckhand.Error {
	return deckhand.Errorf(deckhand.KindDatabase, "%s", op).Wrap(err)
}

func (s *TokenStore) Put(ctx context.Context, token deckhand.ApprovalToken) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return deckhand.Errorf(deckhand.KindInternal, "marshal approval token: %v", err)
	}
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, tokenKey(token.ID), raw, ttl)
	pipe.SAdd(ctx, orgKey(token.OrgID), token.ID)
	// The org index outlives its members slightly; List prunes stale ids.
	pipe.Expire(ctx, orgKey(token.OrgID), ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return dbErr("put approval token", err)
	}
	return nil
}

func (s *TokenStore) Take(ctx context.Context, id, orgID string) (deckhand.ApprovalToken, error) {
	res, err := takeScript.Run(ctx, s.client,
		[]string{tokenKey(id), orgKey(orgID)}, orgID, id).Result()
	if errors.Is(err, redis.Nil) {
		return deckhand.ApprovalToken{}, notFound()
	}
	if err != nil {
		return deckhand.ApprovalToken{}, dbErr("take approval token", err)
	}
	raw, ok := res.(string)
	if !ok {
		return deckhand.ApprovalToken{}, notFound()
	}
	var token deckhand.ApprovalToken
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return deckhand.ApprovalToken{}, deckhand.Errorf(deckhand.KindInternal, "unmarshal approval token: %v", err)
	}
	if !token.ExpiresAt.IsZero() && time.Now().After(token.ExpiresAt) {
		return deckhand.ApprovalToken{}, notFound()
	}
	return token, nil
}

func (s *TokenStore) List(ctx context.Context, orgID string) ([]deckhand.ApprovalToken, error) {
	ids, err := s.client.SMembers(ctx, orgKey(orgID)).Result()
	if err != nil {
		return nil, dbErr("list approval tokens", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = tokenKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, dbErr("list approval tokens", err)
	}

	var out []deckhand.ApprovalToken
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Key expired since it was indexed.
			stale = append(stale, ids[i])
			continue
		}
		var token deckhand.ApprovalToken
		if err := json.Unmarshal([]byte(raw), &token); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		if token.OrgID != orgID {
			continue
		}
		out = append(out, token)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, orgKey(orgID), stale...).Err()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *TokenStore) Delete(ctx context.Context, id string) error {
	raw, err := s.client.GetDel(ctx, tokenKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return dbErr("delete approval token", err)
	}
	var token deckhand.ApprovalToken
	if json.Unmarshal([]byte(raw), &token) == nil && token.OrgID != "" {
		_ = s.client.SRem(ctx, orgKey(token.OrgID), id).Err()
	}
	return nil
}
