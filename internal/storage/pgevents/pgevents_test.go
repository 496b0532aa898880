package pgevents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

func startPostgres(t *testing.T) *Storage {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "carrierbridge_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/carrierbridge_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestPGEvents_RepoFlow(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	eventTime := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	ev := &carrier.TrackingEvent{
		TrackingNumber: "1Z999AA10123456784",
		CarrierCode:    "ups",
		EventCode:      "DL",
		EventType:      carrier.EventDelivered,
		Description:    "Delivered",
		EventTime:      eventTime,
		City:           "NEW YORK",
		Region:         "NY",
		CountryCode:    "US",
		RawPayload:     json.RawMessage(`{"trackingNumber":"1Z999AA10123456784"}`),
	}

	inserted, err := st.InsertEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, inserted)

	// A replayed delivery of the same event is a no-op.
	inserted, err = st.InsertEvent(ctx, ev)
	require.NoError(t, err)
	require.False(t, inserted)

	// A later event for the same parcel is distinct.
	second := *ev
	second.EventCode = "OF"
	second.EventType = carrier.EventOutForDelivery
	second.EventTime = eventTime.Add(-4 * time.Hour)
	inserted, err = st.InsertEvent(ctx, &second)
	require.NoError(t, err)
	require.True(t, inserted)

	got, err := st.GetEventByKey(ctx, ev.TrackingNumber, "DL", eventTime)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, carrier.EventDelivered, got.EventType)
	require.False(t, got.EmailSent)

	missing, err := st.GetEventByKey(ctx, ev.TrackingNumber, "DL", eventTime.Add(time.Hour))
	require.NoError(t, err)
	require.Nil(t, missing)

	listed, err := st.ListEvents(ctx, ev.TrackingNumber, 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "DL", listed[0].EventCode)

	// Unnotified events read oldest first; marking one removes it.
	pending, err := st.ListUnnotified(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "OF", pending[0].EventCode)

	require.NoError(t, st.MarkEmailSent(ctx, pending[0].ID))
	pending, err = st.ListUnnotified(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "DL", pending[0].EventCode)

	require.NoError(t, st.LinkTrack(ctx, pending[0].ID, 42))
	got, err = st.GetEventByKey(ctx, ev.TrackingNumber, "DL", eventTime)
	require.NoError(t, err)
	require.NotNil(t, got.TrackID)
	require.Equal(t, int64(42), *got.TrackID)
}

func TestPGEvents_Subscriptions(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	sub := &carrier.Subscription{
		CarrierCode:   "ups",
		Type:          carrier.SubscriptionTracking,
		Target:        "1Z999AA10123456784",
		CallbackURL:   "https://example.com/webhooks/ups",
		SecurityToken: "s3cret",
		Status:        carrier.SubscriptionActive,
		ExpiresAt:     time.Now().UTC().Add(24 * time.Hour),
	}

	stored, err := st.SaveSubscription(ctx, sub)
	require.NoError(t, err)
	require.NotZero(t, stored.ID)

	// Re-registering the same target updates in place.
	sub.ExpiresAt = time.Now().UTC().Add(120 * 24 * time.Hour)
	renewed, err := st.SaveSubscription(ctx, sub)
	require.NoError(t, err)
	require.Equal(t, stored.ID, renewed.ID)
	require.True(t, renewed.ExpiresAt.After(stored.ExpiresAt))

	got, err := st.GetSubscription(ctx, "ups", carrier.SubscriptionTracking, sub.Target)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, stored.ID, got.ID)

	// Only the soon-expiring subscription shows up in the sweep window.
	expiring, err := st.ListExpiring(ctx, time.Now().UTC().Add(48*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, expiring)

	expiring, err = st.ListExpiring(ctx, time.Now().UTC().Add(121*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expiring, 1)

	require.NoError(t, st.MarkSubscriptionStatus(ctx, stored.ID, carrier.SubscriptionInactive))
	expiring, err = st.ListExpiring(ctx, time.Now().UTC().Add(121*24*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, expiring)
}
