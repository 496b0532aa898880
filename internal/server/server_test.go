package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/internal/quote"
	"github.com/parcelgrid/carrierbridge/internal/server"
	"github.com/parcelgrid/carrierbridge/internal/telemetry"
	"github.com/parcelgrid/carrierbridge/internal/webhook"
	"github.com/parcelgrid/carrierbridge/pkg/carrier"
	"github.com/parcelgrid/carrierbridge/pkg/carrier/fake"
)

// Prometheus collectors register globally; one set per test binary.
var testMetrics = telemetry.NewMetrics()

type memEventStore struct {
	seen map[string]bool
}

func (m *memEventStore) InsertEvent(ctx context.Context, e *carrier.TrackingEvent) (bool, error) {
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	key := e.DedupKey()
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

type memCache struct {
	entries map[string]*carrier.QuoteResult
}

func (m *memCache) Key(req *carrier.QuoteRequest) string { return req.Destination.PostalCode }
func (m *memCache) Load(ctx context.Context, key string) (*carrier.QuoteResult, bool, error) {
	res, ok := m.entries[key]
	return res, ok, nil
}
func (m *memCache) LoadStale(ctx context.Context, key string) (*carrier.QuoteResult, bool, error) {
	return nil, false, nil
}
func (m *memCache) Save(ctx context.Context, key string, res *carrier.QuoteResult) error {
	if m.entries == nil {
		m.entries = map[string]*carrier.QuoteResult{}
	}
	m.entries[key] = res
	return nil
}

type memLabels struct {
	images map[string][]byte
}

func (m *memLabels) GetLabel(ctx context.Context, trackingNumber string) ([]byte, error) {
	return m.images[trackingNumber], nil
}

type memEnsurer struct {
	ensured []string
	err     error
}

func (m *memEnsurer) Ensure(ctx context.Context, carrierCode, trackingNumber string) (*carrier.Subscription, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.ensured = append(m.ensured, carrierCode+"/"+trackingNumber)
	return &carrier.Subscription{CarrierCode: carrierCode, Target: trackingNumber}, nil
}

func newTestServer(fc *fake.Carrier, labelSrc server.LabelSource) *server.Server {
	return newTestServerWithEnsurer(fc, nil, labelSrc)
}

func newTestServerWithEnsurer(fc *fake.Carrier, subs server.SubscriptionEnsurer, labelSrc server.LabelSource) *server.Server {
	reg := carrier.NewRegistry()
	reg.Register(fc)
	logger := otelzap.New(zap.NewNop())
	gateway := webhook.New(reg, &memEventStore{}, nil, nil, logger, testMetrics)
	quotes := quote.New(reg, &memCache{}, nil, logger, testMetrics)
	return server.New(server.Config{Port: 0}, reg, gateway, quotes, subs, labelSrc, logger, testMetrics)
}

func webhookEvent() []carrier.TrackingEvent {
	return []carrier.TrackingEvent{{
		TrackingNumber: "1Z999AA10123456784",
		CarrierCode:    "ups",
		EventCode:      "DL",
		EventType:      carrier.EventDelivered,
		EventTime:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
}

func TestServer_Webhook_ProcessedAndReplay(t *testing.T) {
	fc := fake.New("ups")
	fc.OnParse = func(raw []byte) ([]carrier.TrackingEvent, error) {
		return webhookEvent(), nil
	}
	router := newTestServer(fc, nil).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/ups", strings.NewReader("{}")))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success         bool `json:"success"`
		EventsProcessed int  `json:"events_processed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 1, body.EventsProcessed)

	// Redelivery of the same event is a 200 with zero new events.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/ups", strings.NewReader("{}")))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 0, body.EventsProcessed)
}

func TestServer_Webhook_UnknownCarrierIs404(t *testing.T) {
	router := newTestServer(fake.New("ups"), nil).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/dhl", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Webhook_DisabledCarrierIs503(t *testing.T) {
	reg := carrier.NewRegistry()
	reg.Register(fake.New("ups"))
	reg.MarkDisabled("fedex")
	logger := otelzap.New(zap.NewNop())
	gateway := webhook.New(reg, &memEventStore{}, nil, nil, logger, testMetrics)
	quotes := quote.New(reg, &memCache{}, nil, logger, testMetrics)
	srv := server.New(server.Config{}, reg, gateway, quotes, nil, nil, logger, testMetrics)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/fedex", strings.NewReader("{}")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Webhook_BadSignatureIs401(t *testing.T) {
	fc := fake.New("ups")
	fc.OnVerify = func(raw []byte, header http.Header) error {
		return carrier.ErrBadSignature
	}
	router := newTestServer(fc, nil).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/ups", strings.NewReader("{}")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_Webhook_MalformedPayloadIs400(t *testing.T) {
	fc := fake.New("ups")
	fc.OnParse = func(raw []byte) ([]carrier.TrackingEvent, error) {
		return nil, carrier.NewError("ups", carrier.KindParse, "WEBHOOK_DECODE", "bad json")
	}
	router := newTestServer(fc, nil).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/ups", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Webhook_StorageFailureIs503(t *testing.T) {
	fc := fake.New("ups")
	fc.OnParse = func(raw []byte) ([]carrier.TrackingEvent, error) {
		return nil, carrier.NewError("ups", carrier.KindTransient, "STORE", "db down").
			WithCause(errors.New("connection refused"))
	}
	router := newTestServer(fc, nil).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/ups", strings.NewReader("{}")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Quotes_ReturnsMergedRates(t *testing.T) {
	fc := fake.New("ups")
	router := newTestServer(fc, nil).Router()

	req := httptest.NewRequest(http.MethodPost, "/quotes", strings.NewReader(
		`{"store_id":"store1","origin":{"postal_code":"10001","country_code":"US"},"destination":{"postal_code":"90210","country_code":"US"},"weight_lb":2}`,
	))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Success bool `json:"success"`
		Rates   []struct {
			CarrierCode string  `json:"carrier_code"`
			MethodCode  string  `json:"method_code"`
			Price       float64 `json:"price"`
		} `json:"rates"`
		Transit map[string]json.RawMessage `json:"transit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	require.Len(t, res.Rates, 1)
	assert.Equal(t, "ups", res.Rates[0].CarrierCode)

	// Every rate has a transit entry, even a degenerate one.
	assert.Contains(t, res.Transit, "ups_ground")
}

func TestServer_Quotes_MissingDestinationIs400(t *testing.T) {
	router := newTestServer(fake.New("ups"), nil).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/quotes", strings.NewReader(`{"store_id":"store1"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Quotes_AllCarriersDownIs503(t *testing.T) {
	fc := fake.New("ups")
	fc.OnQuote = func(ctx context.Context, req *carrier.QuoteRequest) (*carrier.QuoteResult, error) {
		return nil, carrier.NewError("ups", carrier.KindTransient, "HTTP_503", "down")
	}
	router := newTestServer(fc, nil).Router()

	req := httptest.NewRequest(http.MethodPost, "/quotes", strings.NewReader(
		`{"destination":{"postal_code":"90210","country_code":"US"},"weight_lb":2}`,
	))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

const labelBody = `{"carrier":"ups","order_ref":"100000042","method_code":"03",` +
	`"shipper":{"postal_code":"10001","country_code":"US"},` +
	`"recipient":{"postal_code":"90210","country_code":"US"},"weight_lb":2}`

func TestServer_CreateLabel_BooksAndSubscribes(t *testing.T) {
	fc := fake.New("ups")
	fc.OnCreateLabel = func(ctx context.Context, req *carrier.LabelRequest) (*carrier.Label, error) {
		return &carrier.Label{
			TrackingNumber: "1Z999AA10123456784",
			CarrierCode:    "ups",
			MethodCode:     req.MethodCode,
			Format:         carrier.LabelPDF,
			Image:          []byte("^XA^FO50,50^XZ"),
			Cost:           12.35,
			Currency:       "USD",
		}, nil
	}
	subs := &memEnsurer{}
	router := newTestServerWithEnsurer(fc, subs, nil).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/labels", strings.NewReader(labelBody)))
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Success        bool   `json:"success"`
		TrackingNumber string `json:"tracking_number"`
		Format         string `json:"format"`
		Image          []byte `json:"image"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "1Z999AA10123456784", res.TrackingNumber)
	assert.Equal(t, []byte("^XA^FO50,50^XZ"), res.Image)

	// The carrier claimed PDF but returned ZPL bytes; the bytes win.
	assert.Equal(t, "zpl", res.Format)

	// The new shipment is registered for push tracking.
	assert.Equal(t, []string{"ups/1Z999AA10123456784"}, subs.ensured)
}

func TestServer_CreateLabel_SubscribeFailureStillBooks(t *testing.T) {
	fc := fake.New("ups")
	fc.OnCreateLabel = func(ctx context.Context, req *carrier.LabelRequest) (*carrier.Label, error) {
		return &carrier.Label{
			TrackingNumber: "1Z999AA10123456784",
			CarrierCode:    "ups",
			Format:         carrier.LabelPDF,
			Image:          []byte("%PDF-1.4 label"),
		}, nil
	}
	subs := &memEnsurer{err: errors.New("carrier api down")}
	router := newTestServerWithEnsurer(fc, subs, nil).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/labels", strings.NewReader(labelBody)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_CreateLabel_MissingMethodIs400(t *testing.T) {
	router := newTestServer(fake.New("ups"), nil).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/labels", strings.NewReader(`{"carrier":"ups"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CreateLabel_UnknownCarrierIs404(t *testing.T) {
	router := newTestServer(fake.New("ups"), nil).Router()

	body := strings.Replace(labelBody, `"ups"`, `"dhl"`, 1)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/labels", strings.NewReader(body)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CreateLabel_CarrierOutageIs503(t *testing.T) {
	fc := fake.New("ups")
	fc.OnCreateLabel = func(ctx context.Context, req *carrier.LabelRequest) (*carrier.Label, error) {
		return nil, carrier.NewError("ups", carrier.KindTransient, "HTTP_503", "down")
	}
	router := newTestServer(fc, nil).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/labels", strings.NewReader(labelBody)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Label_SniffsContentType(t *testing.T) {
	labelSrc := &memLabels{images: map[string][]byte{
		"1Z999AA10123456784": []byte("%PDF-1.4 label"),
		"794812345678":       []byte("^XA^FO50,50^XZ"),
	}}
	router := newTestServer(fake.New("ups"), labelSrc).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/labels/1Z999AA10123456784", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/labels/794812345678", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestServer_Label_UnknownTrackingIs404(t *testing.T) {
	router := newTestServer(fake.New("ups"), &memLabels{}).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/labels/NOPE", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Health(t *testing.T) {
	router := newTestServer(fake.New("ups"), nil).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
