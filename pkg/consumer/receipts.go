package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/forge-os/forgeos/internal/telemetry"
)

// txidPattern matches a 64-char lower-case hex transaction id.
var txidPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ErrInvalidTxid is returned for malformed transaction ids.
var ErrInvalidTxid = errors.New("invalid_txid")

// Receipt is one execution receipt keyed by transaction id.
type Receipt struct {
	Txid                string  `json:"txid" validate:"required"`
	AgentKey            string  `json:"agentKey,omitempty"`
	Status              string  `json:"status"`
	Confirmations       int64   `json:"confirmations"`
	FeeKas              float64 `json:"feeKas,omitempty"`
	FeeSompi            int64   `json:"feeSompi,omitempty"`
	BroadcastTs         int64   `json:"broadcastTs,omitempty"`
	ConfirmTs           int64   `json:"confirmTs,omitempty"`
	ConfirmTsSource     string  `json:"confirmTsSource,omitempty"`
	SlippageKas         float64 `json:"slippageKas,omitempty"`
	PriceAtBroadcastUsd float64 `json:"priceAtBroadcastUsd,omitempty"`
	PriceAtConfirmUsd   float64 `json:"priceAtConfirmUsd,omitempty"`
	Source              string  `json:"source,omitempty"`
	UpdatedAt           int64   `json:"updatedAt"`
}

// NormalizeTxid lowercases and validates a transaction id.
func NormalizeTxid(txid string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(txid))
	if !txidPattern.MatchString(t) {
		return "", ErrInvalidTxid
	}
	return t, nil
}

// ReceiptStore keeps receipts in an in-process LRU, a long-TTL redis copy,
// and optionally a durable postgres archive. Reads prefer the local copy.
type ReceiptStore struct {
	cache  *lru.Cache[string, Receipt]
	rdb    *redis.Client // optional
	pool   *pgxpool.Pool // optional archive
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewReceiptStore creates the receipt store. rdb and pool are both optional.
func NewReceiptStore(rdb *redis.Client, pool *pgxpool.Pool, prefix string, lruCap int, ttl time.Duration, logger *slog.Logger) (*ReceiptStore, error) {
	if lruCap <= 0 {
		lruCap = 1024
	}
	cache, err := lru.New[string, Receipt](lruCap)
	if err != nil {
		return nil, fmt.Errorf("creating receipt cache: %w", err)
	}
	if prefix == "" {
		prefix = "forgeos"
	}
	return &ReceiptStore{
		cache:  cache,
		rdb:    rdb,
		pool:   pool,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// EnsureSchema creates the archive table when postgres is configured.
func (s *ReceiptStore) EnsureSchema(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS execution_receipts (
			txid       TEXT PRIMARY KEY,
			body       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("creating receipt archive table: %w", err)
	}
	return nil
}

func (s *ReceiptStore) redisKey(txid string) string {
	return s.prefix + ":receipt:" + txid
}

// Upsert stores the receipt in every configured layer.
func (s *ReceiptStore) Upsert(ctx context.Context, r Receipt) error {
	txid, err := NormalizeTxid(r.Txid)
	if err != nil {
		return err
	}
	r.Txid = txid
	r.UpdatedAt = time.Now().UnixMilli()

	s.cache.Add(txid, r)

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding receipt: %w", err)
	}

	if s.rdb != nil {
		telemetry.RedisOpsTotal.WithLabelValues("receipt_set").Inc()
		if err := s.rdb.Set(ctx, s.redisKey(txid), body, s.ttl).Err(); err != nil {
			telemetry.RedisErrorsTotal.Inc()
			s.logger.Warn("persisting receipt to redis failed", "txid", txid, "error", err)
		}
	}

	if s.pool != nil {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO execution_receipts (txid, body, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (txid) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
			txid, body)
		if err != nil {
			s.logger.Warn("archiving receipt failed", "txid", txid, "error", err)
		}
	}

	return nil
}

// Get fetches a receipt: LRU first, then redis, then the archive. A redis or
// archive hit is copied into the LRU; an archive hit is not written back to
// redis.
func (s *ReceiptStore) Get(ctx context.Context, txid string) (*Receipt, error) {
	t, err := NormalizeTxid(txid)
	if err != nil {
		return nil, err
	}

	if r, ok := s.cache.Get(t); ok {
		return &r, nil
	}

	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, s.redisKey(t)).Bytes()
		if err == nil {
			var r Receipt
			if err := json.Unmarshal(raw, &r); err == nil {
				s.cache.Add(t, r)
				return &r, nil
			}
			telemetry.ConsumerDroppedRecordsTotal.Inc()
			s.logger.Warn("dropping malformed receipt record", "txid", t)
		} else if err != redis.Nil {
			telemetry.RedisErrorsTotal.Inc()
			s.logger.Warn("loading receipt from redis failed", "txid", t, "error", err)
		}
	}

	if s.pool != nil {
		var raw []byte
		err := s.pool.QueryRow(ctx,
			`SELECT body FROM execution_receipts WHERE txid = $1`, t).Scan(&raw)
		if err == nil {
			var r Receipt
			if err := json.Unmarshal(raw, &r); err == nil {
				s.cache.Add(t, r)
				return &r, nil
			}
			telemetry.ConsumerDroppedRecordsTotal.Inc()
		}
	}

	return nil, nil
}
