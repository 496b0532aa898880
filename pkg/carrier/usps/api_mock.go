package usps

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

// MockAPIClient is a mock implementation of APIClient for testing.
type MockAPIClient struct {
	SimulateErrors  bool
	SimulateLatency time.Duration

	OnGetRates    func(ctx context.Context, req *RateRequest) (*RateResponse, error)
	OnCreateLabel func(ctx context.Context, req *LabelAPIRequest) (*LabelAPIResponse, error)
	OnVoidLabel   func(ctx context.Context, trackingNumber string) error

	VoidedTrackingNumbers []string
}

// NewMockAPIClient creates a new mock API client with default behavior.
func NewMockAPIClient() *MockAPIClient {
	return &MockAPIClient{}
}

func (m *MockAPIClient) simulate() error {
	if m.SimulateLatency > 0 {
		time.Sleep(m.SimulateLatency)
	}
	if m.SimulateErrors {
		return carrier.NewError(carrierName, carrier.KindTransient, "MOCK_ERROR", "simulated API error")
	}
	return nil
}

// GetRates returns mock rates with day-count commitments.
func (m *MockAPIClient) GetRates(ctx context.Context, req *RateRequest) (*RateResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnGetRates != nil {
		return m.OnGetRates(ctx, req)
	}

	return &RateResponse{
		RateOptions: []RateOption{
			{
				TotalBasePrice: 8.25,
				Rates: []RateDetail{{
					SKU:         "DUXP0XXXXC01050",
					Description: "USPS Ground Advantage Machinable",
					MailClass:   "USPS_GROUND_ADVANTAGE",
					Price:       8.25,
					Commitment:  &Commitment{Name: "2-5 Days"},
				}},
			},
			{
				TotalBasePrice: 10.40,
				Rates: []RateDetail{{
					SKU:         "DPXX0XXXXC01050",
					Description: "Priority Mail Machinable",
					MailClass:   "PRIORITY_MAIL",
					Price:       10.40,
					Commitment:  &Commitment{Name: "2 Days"},
				}},
			},
			{
				TotalBasePrice: 31.40,
				Rates: []RateDetail{{
					SKU:         "DEXX0XXXXC01050",
					Description: "Priority Mail Express Machinable",
					MailClass:   "PRIORITY_MAIL_EXPRESS",
					Price:       31.40,
					Commitment:  &Commitment{Name: "1 Day", GuaranteedDelivery: true},
				}},
			},
		},
	}, nil
}

// CreateLabel purchases a mock label with an encoded PDF image.
func (m *MockAPIClient) CreateLabel(ctx context.Context, req *LabelAPIRequest) (*LabelAPIResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnCreateLabel != nil {
		return m.OnCreateLabel(ctx, req)
	}

	return &LabelAPIResponse{
		LabelMetadata: LabelMetadata{
			TrackingNumber: fmt.Sprintf("9400100000000%09d", time.Now().UnixNano()%1e9),
			Postage:        8.25,
		},
		LabelImage: base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 mock label")),
	}, nil
}

// VoidLabel records the voided tracking number.
func (m *MockAPIClient) VoidLabel(ctx context.Context, trackingNumber string) error {
	if err := m.simulate(); err != nil {
		return err
	}
	if m.OnVoidLabel != nil {
		return m.OnVoidLabel(ctx, trackingNumber)
	}

	m.VoidedTrackingNumbers = append(m.VoidedTrackingNumbers, trackingNumber)
	return nil
}

var _ APIClient = (*MockAPIClient)(nil)
