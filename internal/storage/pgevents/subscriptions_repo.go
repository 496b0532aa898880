package pgevents

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

// SaveSubscription upserts a subscription on its (carrier, type,
// target) identity and returns the stored row.
func (s *Storage) SaveSubscription(ctx context.Context, sub *carrier.Subscription) (*carrier.Subscription, error) {
	row := s.db.QueryRow(ctx, `
INSERT INTO subscriptions (
  carrier_code, sub_type, target, callback_url, security_token, status, expires_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (carrier_code, sub_type, target) DO UPDATE SET
  callback_url = EXCLUDED.callback_url,
  security_token = EXCLUDED.security_token,
  status = EXCLUDED.status,
  expires_at = EXCLUDED.expires_at,
  updated_at = now()
RETURNING id, carrier_code, sub_type, target, callback_url, security_token, status, expires_at, created_at, updated_at
`, sub.CarrierCode, string(sub.Type), sub.Target, sub.CallbackURL, sub.SecurityToken, string(sub.Status), sub.ExpiresAt.UTC())

	stored, err := scanSubscription(row)
	if err != nil {
		return nil, errors.Wrap(err, "save subscription")
	}
	return stored, nil
}

// GetSubscription returns the subscription for a (carrier, type,
// target) identity, or nil when none exists.
func (s *Storage) GetSubscription(ctx context.Context, carrierCode string, subType carrier.SubscriptionType, target string) (*carrier.Subscription, error) {
	row := s.db.QueryRow(ctx, `
SELECT id, carrier_code, sub_type, target, callback_url, security_token, status, expires_at, created_at, updated_at
FROM subscriptions
WHERE carrier_code = $1 AND sub_type = $2 AND target = $3
`, carrierCode, string(subType), target)

	sub, err := scanSubscription(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select subscription")
	}
	return sub, nil
}

// ListExpiring returns active subscriptions expiring before the given
// horizon, soonest first.
func (s *Storage) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*carrier.Subscription, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, `
SELECT id, carrier_code, sub_type, target, callback_url, security_token, status, expires_at, created_at, updated_at
FROM subscriptions
WHERE status = 'active' AND expires_at < $1
ORDER BY expires_at ASC
LIMIT $2
`, before.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select expiring subscriptions")
	}
	defer rows.Close()

	var out []*carrier.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan subscription")
		}
		out = append(out, sub)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// MarkSubscriptionStatus updates a subscription's lifecycle status.
func (s *Storage) MarkSubscriptionStatus(ctx context.Context, id int64, status carrier.SubscriptionStatus) error {
	if _, err := s.db.Exec(ctx, `
UPDATE subscriptions SET status = $2, updated_at = now() WHERE id = $1
`, id, string(status)); err != nil {
		return errors.Wrap(err, "update subscription status")
	}
	return nil
}

func scanSubscription(row pgx.Row) (*carrier.Subscription, error) {
	var sub carrier.Subscription
	var subType, status string
	if err := row.Scan(
		&sub.ID, &sub.CarrierCode, &subType, &sub.Target, &sub.CallbackURL,
		&sub.SecurityToken, &status, &sub.ExpiresAt, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.Type = carrier.SubscriptionType(subType)
	sub.Status = carrier.SubscriptionStatus(status)
	return &sub, nil
}
