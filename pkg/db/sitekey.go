package db

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/common"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SitekeyLen is the length of a sitekey's public identifier: hex(16 random bytes).
const SitekeyLen = 32

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// SitekeyStore persists sitekey identities and policy records in Postgres,
// fronted by an otter-backed negative-caching memory cache, the same shape
// as the teacher's StoreOneReader/memcache combination in pkg/db/cache.go.
type SitekeyStore struct {
	pool         *pgxpool.Pool
	bySitekey    *memcache[CacheKey, any]
	bySecretHash *memcache[CacheKey, any]
}

var _ sitekey.Store = (*SitekeyStore)(nil)

func NewSitekeyStore(pool *pgxpool.Pool, cacheSize int, cacheTTL, missingTTL time.Duration) (*SitekeyStore, error) {
	bySitekey, err := NewMemoryCache[CacheKey, any]("sitekey", cacheSize, nil, cacheTTL, cacheTTL/2, missingTTL)
	if err != nil {
		return nil, err
	}

	bySecretHash, err := NewMemoryCache[CacheKey, any]("sitekey_secret", cacheSize, nil, cacheTTL, cacheTTL/2, missingTTL)
	if err != nil {
		return nil, err
	}

	return &SitekeyStore{pool: pool, bySitekey: bySitekey, bySecretHash: bySecretHash}, nil
}

type sitekeyRow struct {
	publicKey  string
	secretHash string
	domain     string
	policy     []byte
	disabled   bool
	createdAt  time.Time
}

func (r *sitekeyRow) toDomain() (*sitekey.Sitekey, error) {
	var policy sitekey.Policy
	if err := json.Unmarshal(r.policy, &policy); err != nil {
		return nil, err
	}

	return &sitekey.Sitekey{
		PublicKey:  r.publicKey,
		SecretHash: r.secretHash,
		Domain:     r.domain,
		Policy:     policy,
		CreatedAt:  r.createdAt,
		Disabled:   r.disabled,
	}, nil
}

func (s *SitekeyStore) queryByPublicKey(ctx context.Context, publicKey string) (*sitekey.Sitekey, error) {
	const q = `SELECT public_key, secret_hash, domain, policy, disabled, created_at FROM sitekeys WHERE public_key = $1`

	var row sitekeyRow
	err := s.pool.QueryRow(ctx, q, publicKey).Scan(&row.publicKey, &row.secretHash, &row.domain, &row.policy, &row.disabled, &row.createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	return row.toDomain()
}

func (s *SitekeyStore) queryBySecretHash(ctx context.Context, secretHash string) (*sitekey.Sitekey, error) {
	const q = `SELECT public_key, secret_hash, domain, policy, disabled, created_at FROM sitekeys WHERE secret_hash = $1`

	var row sitekeyRow
	err := s.pool.QueryRow(ctx, q, secretHash).Scan(&row.publicKey, &row.secretHash, &row.domain, &row.policy, &row.disabled, &row.createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	return row.toDomain()
}

type sitekeyLoader struct {
	store     *SitekeyStore
	bySecret  bool
}

func (l *sitekeyLoader) load(ctx context.Context, key CacheKey) (any, error) {
	var (
		sk  *sitekey.Sitekey
		err error
	)

	if l.bySecret {
		sk, err = l.store.queryBySecretHash(ctx, key.StrValue)
	} else {
		sk, err = l.store.queryByPublicKey(ctx, key.StrValue)
	}

	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to query sitekey", "cacheKey", key, common.ErrAttr(err))
		return nil, err
	}

	return sk, nil
}

func (l *sitekeyLoader) Load(ctx context.Context, key CacheKey) (any, error) {
	return l.load(ctx, key)
}

func (l *sitekeyLoader) Reload(ctx context.Context, key CacheKey, _ any) (any, error) {
	return l.load(ctx, key)
}

func (s *SitekeyStore) Create(ctx context.Context, domain string, policy sitekey.Policy) (*sitekey.Sitekey, string, error) {
	publicRaw, err := randomHex(SitekeyLen / 2)
	if err != nil {
		return nil, "", err
	}
	publicKey := sitekey.PublicKeyPrefix + publicRaw

	secretRaw, err := randomHex(SitekeyLen / 2)
	if err != nil {
		return nil, "", err
	}
	secret := sitekey.SecretPrefix + secretRaw
	secretHash := sitekey.HashSecret(secret)

	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return nil, "", err
	}

	const q = `INSERT INTO sitekeys (public_key, secret_hash, domain, policy) VALUES ($1, $2, $3, $4) RETURNING created_at`

	var createdAt time.Time
	if err := s.pool.QueryRow(ctx, q, publicKey, secretHash, domain, policyJSON).Scan(&createdAt); err != nil {
		return nil, "", err
	}

	sk := &sitekey.Sitekey{
		PublicKey:  publicKey,
		SecretHash: secretHash,
		Domain:     domain,
		Policy:     policy,
		CreatedAt:  createdAt,
	}

	return sk, secret, nil
}

func (s *SitekeyStore) GetByPublicKey(ctx context.Context, publicKey string) (*sitekey.Sitekey, error) {
	cacheKey := SitekeyCacheKey(publicKey)
	data, err := s.bySitekey.GetEx(ctx, cacheKey, &sitekeyLoader{store: s})
	if err != nil {
		if errors.Is(err, ErrNegativeCacheHit) || errors.Is(err, ErrCacheMiss) {
			return nil, sitekey.ErrNotFound
		}
		return nil, err
	}

	sk, ok := data.(*sitekey.Sitekey)
	if !ok || sk == nil {
		return nil, sitekey.ErrNotFound
	}

	return sk, nil
}

func (s *SitekeyStore) GetBySecretHash(ctx context.Context, secretHash string) (*sitekey.Sitekey, error) {
	cacheKey := SecretHashCacheKey(secretHash)
	data, err := s.bySecretHash.GetEx(ctx, cacheKey, &sitekeyLoader{store: s, bySecret: true})
	if err != nil {
		if errors.Is(err, ErrNegativeCacheHit) || errors.Is(err, ErrCacheMiss) {
			return nil, sitekey.ErrNotFound
		}
		return nil, err
	}

	sk, ok := data.(*sitekey.Sitekey)
	if !ok || sk == nil {
		return nil, sitekey.ErrNotFound
	}

	return sk, nil
}

func (s *SitekeyStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *SitekeyStore) CacheHitRatio() float64 {
	return (s.bySitekey.HitRatio() + s.bySecretHash.HitRatio()) / 2
}

func (s *SitekeyStore) UpdatePolicy(ctx context.Context, publicKey string, policy sitekey.Policy) error {
	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return err
	}

	const q = `UPDATE sitekeys SET policy = $2 WHERE public_key = $1`
	tag, err := s.pool.Exec(ctx, q, publicKey, policyJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}

	_ = s.bySitekey.Delete(ctx, SitekeyCacheKey(publicKey))

	return nil
}
