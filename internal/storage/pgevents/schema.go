package pgevents

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS tracking_events (
  id BIGSERIAL PRIMARY KEY,
  tracking_number TEXT NOT NULL,
  carrier_code TEXT NOT NULL,
  event_code TEXT NOT NULL,
  event_type TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  event_time TIMESTAMPTZ NOT NULL,
  city TEXT NOT NULL DEFAULT '',
  region TEXT NOT NULL DEFAULT '',
  country_code TEXT NOT NULL DEFAULT '',
  postal_code TEXT NOT NULL DEFAULT '',
  signed_by TEXT NOT NULL DEFAULT '',
  image_url TEXT NOT NULL DEFAULT '',
  payload JSONB NULL,
  email_sent BOOLEAN NOT NULL DEFAULT FALSE,
  track_id BIGINT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		// Replayed webhook deliveries collapse onto the first insert.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_tracking_events_dedup ON tracking_events(tracking_number, event_code, event_time)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_events_unnotified ON tracking_events(email_sent) WHERE NOT email_sent`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_events_tracking_number ON tracking_events(tracking_number, event_time DESC)`,
		`
CREATE TABLE IF NOT EXISTS subscriptions (
  id BIGSERIAL PRIMARY KEY,
  carrier_code TEXT NOT NULL,
  sub_type TEXT NOT NULL,
  target TEXT NOT NULL,
  callback_url TEXT NOT NULL,
  security_token TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (carrier_code, sub_type, target)
)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_expires_at ON subscriptions(expires_at) WHERE status = 'active'`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
