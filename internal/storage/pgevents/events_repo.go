package pgevents

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

// InsertEvent inserts a tracking event, returning false when an event
// with the same (tracking number, event code, event time) already
// exists. The unique index makes replayed webhook deliveries no-ops.
func (s *Storage) InsertEvent(ctx context.Context, e *carrier.TrackingEvent) (bool, error) {
	tag, err := s.db.Exec(ctx, `
INSERT INTO tracking_events (
  tracking_number, carrier_code, event_code, event_type, description,
  event_time, city, region, country_code, postal_code,
  signed_by, image_url, payload, email_sent, track_id
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (tracking_number, event_code, event_time) DO NOTHING
`,
		e.TrackingNumber, e.CarrierCode, e.EventCode, string(e.EventType), e.Description,
		e.EventTime.UTC(), e.City, e.Region, e.CountryCode, e.PostalCode,
		e.SignedBy, e.ImageURL, nullableJSON(e.RawPayload), e.EmailSent, e.TrackID,
	)
	if err != nil {
		return false, errors.Wrap(err, "insert tracking event")
	}
	return tag.RowsAffected() == 1, nil
}

// GetEventByKey fetches an event by its deduplication tuple.
func (s *Storage) GetEventByKey(ctx context.Context, trackingNumber, eventCode string, eventTime time.Time) (*carrier.TrackingEvent, error) {
	row := s.db.QueryRow(ctx, `
SELECT
  id, tracking_number, carrier_code, event_code, event_type, description,
  event_time, city, region, country_code, postal_code,
  signed_by, image_url, email_sent, track_id, created_at
FROM tracking_events
WHERE tracking_number = $1 AND event_code = $2 AND event_time = $3
`, trackingNumber, eventCode, eventTime.UTC())

	e, err := scanEvent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select event by key")
	}
	return e, nil
}

// ListEvents returns a tracking number's events, newest first.
func (s *Storage) ListEvents(ctx context.Context, trackingNumber string, limit int) ([]*carrier.TrackingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, tracking_number, carrier_code, event_code, event_type, description,
  event_time, city, region, country_code, postal_code,
  signed_by, image_url, email_sent, track_id, created_at
FROM tracking_events
WHERE tracking_number = $1
ORDER BY event_time DESC
LIMIT $2
`, trackingNumber, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ListUnnotified returns events whose notification has not been
// attempted yet, oldest first so deliveries read in order.
func (s *Storage) ListUnnotified(ctx context.Context, limit int) ([]*carrier.TrackingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, tracking_number, carrier_code, event_code, event_type, description,
  event_time, city, region, country_code, postal_code,
  signed_by, image_url, email_sent, track_id, created_at
FROM tracking_events
WHERE NOT email_sent
ORDER BY event_time ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select unnotified events")
	}
	defer rows.Close()

	return collectEvents(rows)
}

// MarkEmailSent records that a notification attempt was made.
func (s *Storage) MarkEmailSent(ctx context.Context, eventID int64) error {
	if _, err := s.db.Exec(ctx, `UPDATE tracking_events SET email_sent = TRUE WHERE id = $1`, eventID); err != nil {
		return errors.Wrap(err, "mark email sent")
	}
	return nil
}

// LinkTrack attaches an event to the host's shipment track row.
func (s *Storage) LinkTrack(ctx context.Context, eventID, trackID int64) error {
	if _, err := s.db.Exec(ctx, `UPDATE tracking_events SET track_id = $2 WHERE id = $1`, eventID, trackID); err != nil {
		return errors.Wrap(err, "link track")
	}
	return nil
}

func collectEvents(rows pgx.Rows) ([]*carrier.TrackingEvent, error) {
	var out []*carrier.TrackingEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func scanEvent(row pgx.Row) (*carrier.TrackingEvent, error) {
	var e carrier.TrackingEvent
	var eventType string
	if err := row.Scan(
		&e.ID, &e.TrackingNumber, &e.CarrierCode, &e.EventCode, &eventType, &e.Description,
		&e.EventTime, &e.City, &e.Region, &e.CountryCode, &e.PostalCode,
		&e.SignedBy, &e.ImageURL, &e.EmailSent, &e.TrackID, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.EventType = carrier.EventType(eventType)
	return &e, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
