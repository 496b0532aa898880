package ups

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

	OnGetRates        func(ctx context.Context, req *RateRequest) (*RateResponse, error)
	OnGetTransitTimes func(ctx context.Context, req *TransitRequest) (*TransitResponse, error)
	OnCreateShipment  func(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error)
	OnVoidShipment    func(ctx context.Context, trackingNumber string) (*VoidResponse, error)
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

// GetRates returns mock shipping rates. Ground carries no embedded
// commitment so the transit API path is exercised.
func (m *MockAPIClient) GetRates(ctx context.Context, req *RateRequest) (*RateResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnGetRates != nil {
		return m.OnGetRates(ctx, req)
	}

	return &RateResponse{
		RateResponse: rateResponseBody{
			Response: ResponseStatus{ResponseStatus: CodeDescription{Code: "1", Description: "Success"}},
			RatedShipment: []RatedShipment{
				{
					Service:      CodeDescription{Code: "03", Description: "Ground"},
					TotalCharges: Charge{CurrencyCode: "USD", MonetaryValue: "11.25"},
				},
				{
					Service:      CodeDescription{Code: "02", Description: "2nd Day Air"},
					TotalCharges: Charge{CurrencyCode: "USD", MonetaryValue: "24.80"},
					GuaranteedDelivery: &GuaranteedDelivery{
						BusinessDaysInTransit: "2",
						DeliveryByTime:        "10:30 P.M.",
					},
				},
				{
					Service:      CodeDescription{Code: "01", Description: "Next Day Air"},
					TotalCharges: Charge{CurrencyCode: "USD", MonetaryValue: "48.10"},
					GuaranteedDelivery: &GuaranteedDelivery{
						BusinessDaysInTransit: "1",
						DeliveryByTime:        "10:30 A.M.",
					},
				},
			},
		},
	}, nil
}

// GetTransitTimes returns mock delivery commitments keyed by
// transit-API service levels.
func (m *MockAPIClient) GetTransitTimes(ctx context.Context, req *TransitRequest) (*TransitResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnGetTransitTimes != nil {
		return m.OnGetTransitTimes(ctx, req)
	}

	deliveryDate := time.Now().AddDate(0, 0, 4)
	return &TransitResponse{
		EMSResponse: EMSResponse{
			Services: []TransitService{
				{
					ServiceLevel:        "GND",
					BusinessTransitDays: 4,
					DeliveryDate:        deliveryDate.Format("2006-01-02"),
					DeliveryTime:        "23:00:00",
					DeliveryDayOfWeek:   deliveryDate.Weekday().String(),
				},
			},
		},
	}, nil
}

// CreateShipment creates a mock shipment with a PDF label.
func (m *MockAPIClient) CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnCreateShipment != nil {
		return m.OnCreateShipment(ctx, req)
	}

	tracking := fmt.Sprintf("1Z999AA1%010d", time.Now().UnixNano()%1e10)
	return &ShipmentResponse{
		ShipmentResponse: shipmentResponseBody{
			Response: ResponseStatus{ResponseStatus: CodeDescription{Code: "1", Description: "Success"}},
			ShipmentResults: ShipmentResults{
				ShipmentCharges: &ShipmentCharges{
					TotalCharges: Charge{CurrencyCode: "USD", MonetaryValue: "11.25"},
				},
				ShipmentIdentificationNumber: tracking,
				PackageResults: PackageResultsList{
					{
						TrackingNumber: tracking,
						ShippingLabel: &ShippingLabel{
							ImageFormat:  CodeDescription{Code: "PDF"},
							GraphicImage: base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 mock label")),
						},
					},
				},
			},
		},
	}, nil
}

// VoidShipment voids a mock shipment.
func (m *MockAPIClient) VoidShipment(ctx context.Context, trackingNumber string) (*VoidResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnVoidShipment != nil {
		return m.OnVoidShipment(ctx, trackingNumber)
	}

	return &VoidResponse{
		VoidShipmentResponse: voidShipmentResponseBody{
			Response:      ResponseStatus{ResponseStatus: CodeDescription{Code: "1", Description: "Success"}},
			SummaryResult: SummaryResult{Status: CodeDescription{Code: "1", Description: "Voided"}},
		},
	}, nil
}

var _ APIClient = (*MockAPIClient)(nil)
