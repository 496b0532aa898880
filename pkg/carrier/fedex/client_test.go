package fedex_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
	"github.com/parcelgrid/carrierbridge/pkg/carrier/fedex"
)

func newTestClient(cfg fedex.Config, mockClient *fedex.MockAPIClient) *fedex.Client {
	cfg.UseMock = true
	logger := otelzap.New(zap.NewNop())
	return fedex.NewWithAPIClient(cfg, mockClient, logger, nil)
}

func usQuoteRequest() *carrier.QuoteRequest {
	return &carrier.QuoteRequest{
		StoreID:     "store1",
		Origin:      carrier.Address{PostalCode: "10001", CountryCode: "US", Region: "NY"},
		Destination: carrier.Address{PostalCode: "90210", CountryCode: "US", Region: "CA", Residential: true},
		WeightLb:    2,
	}
}

func TestClient_Quote_Success(t *testing.T) {
	client := newTestClient(fedex.Config{}, fedex.NewMockAPIClient())

	res, err := client.Quote(context.Background(), usQuoteRequest())
	require.NoError(t, err)
	require.Len(t, res.Rates, 3)

	for _, r := range res.Rates {
		assert.Equal(t, "fedex", r.CarrierCode)
		assert.Greater(t, r.Price, 0.0)
		_, ok := res.Transit[carrier.MethodKey("fedex", r.MethodCode)]
		assert.True(t, ok, "missing transit entry for %s", r.MethodCode)
	}

	// Commitments arrive embedded in the rate reply.
	est := res.Transit["fedex_FEDEX_2_DAY"]
	require.NotNil(t, est.BusinessDaysMin)
	assert.Equal(t, 2, *est.BusinessDaysMin)
	assert.True(t, est.Guaranteed)
	assert.NotNil(t, est.DeliveryDate)

	est = res.Transit["fedex_FEDEX_GROUND"]
	require.NotNil(t, est.BusinessDaysMin)
	assert.Equal(t, 5, *est.BusinessDaysMin)
	assert.False(t, est.Guaranteed)

	// Overnight has a commitment but no date detail; transit days
	// still come through.
	est = res.Transit["fedex_PRIORITY_OVERNIGHT"]
	require.NotNil(t, est.BusinessDaysMin)
	assert.Equal(t, 1, *est.BusinessDaysMin)
	assert.Nil(t, est.DeliveryDate)
}

func TestClient_Quote_MissingCommitmentGetsDegenerateEntry(t *testing.T) {
	mockAPI := fedex.NewMockAPIClient()
	mockAPI.OnGetRates = func(ctx context.Context, req *fedex.RateRequest) (*fedex.RateResponse, error) {
		return &fedex.RateResponse{
			Output: fedex.RateOutput{
				RateReplyDetails: []fedex.RateReplyDetail{
					{
						ServiceType: "FEDEX_GROUND",
						RatedShipmentDetails: []fedex.RatedShipmentDetail{
							{RateType: "ACCOUNT", TotalNetCharge: 9.99, Currency: "USD"},
						},
					},
				},
			},
		}, nil
	}
	client := newTestClient(fedex.Config{}, mockAPI)

	res, err := client.Quote(context.Background(), usQuoteRequest())
	require.NoError(t, err)
	require.Len(t, res.Rates, 1)

	est, ok := res.Transit["fedex_FEDEX_GROUND"]
	require.True(t, ok)
	assert.Nil(t, est.BusinessDaysMin)
	assert.Nil(t, est.DeliveryDate)
	assert.False(t, est.Guaranteed)
}

func TestClient_Quote_PricingApplied(t *testing.T) {
	cfg := fedex.Config{Pricing: carrier.PricingPolicy{HandlingFee: 5, FreeShippingThreshold: 100}}
	client := newTestClient(cfg, fedex.NewMockAPIClient())

	req := usQuoteRequest()
	req.CartSubtotal = 50
	res, err := client.Quote(context.Background(), req)
	require.NoError(t, err)
	for _, r := range res.Rates {
		assert.Equal(t, r.Cost+5, r.Price)
	}

	req.CartSubtotal = 150
	res, err = client.Quote(context.Background(), req)
	require.NoError(t, err)
	for _, r := range res.Rates {
		assert.Equal(t, 0.0, r.Price)
	}
}

func TestClient_Quote_OverMaxWeightIsEmptySuccess(t *testing.T) {
	cfg := fedex.Config{Pricing: carrier.PricingPolicy{MaxWeightLb: 1}}
	client := newTestClient(cfg, fedex.NewMockAPIClient())

	res, err := client.Quote(context.Background(), usQuoteRequest())
	require.NoError(t, err)
	assert.Empty(t, res.Rates)
}

func TestClient_Quote_APIError(t *testing.T) {
	mockAPI := fedex.NewMockAPIClient()
	mockAPI.SimulateErrors = true
	client := newTestClient(fedex.Config{}, mockAPI)

	_, err := client.Quote(context.Background(), usQuoteRequest())
	assert.True(t, carrier.IsTransient(err))
}

func TestClient_Quote_MissingCredentials(t *testing.T) {
	logger := otelzap.New(zap.NewNop())
	client := fedex.NewWithAPIClient(fedex.Config{}, fedex.NewMockAPIClient(), logger, nil)

	_, err := client.Quote(context.Background(), usQuoteRequest())
	assert.True(t, errors.Is(err, carrier.ErrMissingCredentials))
	assert.Equal(t, carrier.KindConfiguration, carrier.KindOf(err))
}

func TestClient_CreateLabel_Success(t *testing.T) {
	client := newTestClient(fedex.Config{}, fedex.NewMockAPIClient())

	label, err := client.CreateLabel(context.Background(), &carrier.LabelRequest{
		MethodCode: "FEDEX_GROUND",
		Shipper:    carrier.Address{PostalCode: "10001", CountryCode: "US"},
		Recipient:  carrier.Address{PostalCode: "90210", CountryCode: "US"},
		WeightLb:   2,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, label.TrackingNumber)
	assert.Equal(t, carrier.LabelPDF, label.Format)
	assert.Contains(t, string(label.Image), "%PDF")
}

func TestClient_CreateLabel_RoundsDimensionsUp(t *testing.T) {
	var got *fedex.ShipmentRequest
	fallback := fedex.NewMockAPIClient()
	mockAPI := fedex.NewMockAPIClient()
	mockAPI.OnCreateShipment = func(ctx context.Context, req *fedex.ShipmentRequest) (*fedex.ShipmentResponse, error) {
		got = req
		return fallback.CreateShipment(ctx, req)
	}
	client := newTestClient(fedex.Config{}, mockAPI)

	_, err := client.CreateLabel(context.Background(), &carrier.LabelRequest{
		MethodCode: "FEDEX_GROUND",
		Shipper:    carrier.Address{PostalCode: "10001", CountryCode: "US"},
		Recipient:  carrier.Address{PostalCode: "90210", CountryCode: "US"},
		WeightLb:   2,
		Dimensions: carrier.Dimensions{Length: 11.2, Width: 8.5, Height: 4},
	})
	require.NoError(t, err)

	require.NotNil(t, got)
	require.Len(t, got.RequestedShipment.RequestedPackageLineItems, 1)
	dims := got.RequestedShipment.RequestedPackageLineItems[0].Dimensions
	require.NotNil(t, dims)

	// Fractional inches round up, never down.
	assert.Equal(t, 12, dims.Length)
	assert.Equal(t, 9, dims.Width)
	assert.Equal(t, 4, dims.Height)
}

func TestClient_CreateLabel_NoTrackingNumber(t *testing.T) {
	mockAPI := fedex.NewMockAPIClient()
	mockAPI.OnCreateShipment = func(ctx context.Context, req *fedex.ShipmentRequest) (*fedex.ShipmentResponse, error) {
		return &fedex.ShipmentResponse{}, nil
	}
	client := newTestClient(fedex.Config{}, mockAPI)

	_, err := client.CreateLabel(context.Background(), &carrier.LabelRequest{MethodCode: "FEDEX_GROUND"})
	assert.Equal(t, carrier.KindParse, carrier.KindOf(err))
}

func TestClient_CreateLabel_AuthErrorSurfacesReauthenticate(t *testing.T) {
	mockAPI := fedex.NewMockAPIClient()
	mockAPI.OnCreateShipment = func(ctx context.Context, req *fedex.ShipmentRequest) (*fedex.ShipmentResponse, error) {
		return nil, carrier.NewError("fedex", carrier.KindAuthentication, "HTTP_401", "invalid token")
	}
	client := newTestClient(fedex.Config{}, mockAPI)

	_, err := client.CreateLabel(context.Background(), &carrier.LabelRequest{MethodCode: "FEDEX_GROUND"})
	assert.True(t, errors.Is(err, carrier.ErrReauthenticateRequired))
}

func TestClient_VoidLabel(t *testing.T) {
	client := newTestClient(fedex.Config{}, fedex.NewMockAPIClient())
	assert.NoError(t, client.VoidLabel(context.Background(), "794812345678"))

	mockAPI := fedex.NewMockAPIClient()
	mockAPI.OnCancelShipment = func(ctx context.Context, trackingNumber string) (*fedex.CancelResponse, error) {
		return &fedex.CancelResponse{}, nil
	}
	client = newTestClient(fedex.Config{}, mockAPI)
	err := client.VoidLabel(context.Background(), "794812345678")
	assert.Equal(t, carrier.KindParse, carrier.KindOf(err))
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestClient_VerifyWebhook(t *testing.T) {
	client := newTestClient(fedex.Config{WebhookSecret: "s3cret"}, fedex.NewMockAPIClient())
	body := []byte(`{"trackingNumberInfo":{"trackingNumber":"794812345678"}}`)

	h := http.Header{}
	h.Set("X-Fedex-Signature", sign("s3cret", body))
	assert.NoError(t, client.VerifyWebhook(body, h))

	h.Set("X-Fedex-Signature", sign("wrong-secret", body))
	assert.ErrorIs(t, client.VerifyWebhook(body, h), carrier.ErrBadSignature)

	// Signature over a different body fails too.
	h.Set("X-Fedex-Signature", sign("s3cret", []byte(`{}`)))
	assert.ErrorIs(t, client.VerifyWebhook(body, h), carrier.ErrBadSignature)

	assert.ErrorIs(t, client.VerifyWebhook(body, http.Header{}), carrier.ErrBadSignature)
}

func TestClient_ParseWebhook_MultipleEvents(t *testing.T) {
	client := newTestClient(fedex.Config{}, fedex.NewMockAPIClient())

	payload := []byte(`{
		"trackingNumberInfo": {"trackingNumber": "794812345678"},
		"scanEvents": [
			{
				"date": "2024-03-01T09:15:00Z",
				"eventType": "PU",
				"eventDescription": "Picked up",
				"scanLocation": {"city": "MEMPHIS", "stateOrProvinceCode": "TN", "countryCode": "US"}
			},
			{
				"date": "2024-03-02T18:40:00Z",
				"eventType": "DL",
				"eventDescription": "Delivered",
				"scanLocation": {"city": "NEW YORK", "stateOrProvinceCode": "NY", "countryCode": "US"},
				"deliveryDetails": {"signedByName": "J.DOE"}
			}
		]
	}`)

	events, err := client.ParseWebhook(payload)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "794812345678", events[0].TrackingNumber)
	assert.Equal(t, carrier.EventPickedUp, events[0].EventType)
	assert.Equal(t, carrier.EventDelivered, events[1].EventType)
	assert.Equal(t, "J.DOE", events[1].SignedBy)
}

func TestClient_ParseWebhook_BadEventDoesNotSinkSiblings(t *testing.T) {
	client := newTestClient(fedex.Config{}, fedex.NewMockAPIClient())

	payload := []byte(`{
		"trackingNumberInfo": {"trackingNumber": "794812345678"},
		"scanEvents": [
			{"date": "not-a-date", "eventType": "PU"},
			{"date": "2024-03-02T18:40:00Z", "eventType": "DL"}
		]
	}`)

	events, err := client.ParseWebhook(payload)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, carrier.EventDelivered, events[0].EventType)
}

func TestClient_ParseWebhook_Malformed(t *testing.T) {
	client := newTestClient(fedex.Config{}, fedex.NewMockAPIClient())

	_, err := client.ParseWebhook([]byte(`not json`))
	assert.Equal(t, carrier.KindParse, carrier.KindOf(err))

	_, err = client.ParseWebhook([]byte(`{"scanEvents": []}`))
	assert.Equal(t, carrier.KindParse, carrier.KindOf(err))
}
