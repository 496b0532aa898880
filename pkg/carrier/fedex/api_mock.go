package fedex

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

	OnGetRates       func(ctx context.Context, req *RateRequest) (*RateResponse, error)
	OnCreateShipment func(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error)
	OnCancelShipment func(ctx context.Context, trackingNumber string) (*CancelResponse, error)
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

// GetRates returns mock rates with embedded delivery commitments.
func (m *MockAPIClient) GetRates(ctx context.Context, req *RateRequest) (*RateResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnGetRates != nil {
		return m.OnGetRates(ctx, req)
	}

	ground := time.Now().AddDate(0, 0, 5)
	twoDay := time.Now().AddDate(0, 0, 2)
	return &RateResponse{
		Output: RateOutput{
			RateReplyDetails: []RateReplyDetail{
				{
					ServiceType: "FEDEX_GROUND",
					ServiceName: "FedEx Ground",
					RatedShipmentDetails: []RatedShipmentDetail{
						{RateType: "ACCOUNT", TotalNetCharge: 10.45, Currency: "USD"},
					},
					Commit: &CommitDetail{
						DateDetail: &DateDetail{
							DayOfWeek: ground.Weekday().String(),
							DayFormat: ground.Format("2006-01-02T15:04:05"),
						},
						GuaranteedType: "NO_GUARANTEE",
						TransitDays:    &TransitDays{MinimumTransitTime: "FIVE_DAYS"},
					},
				},
				{
					ServiceType: "FEDEX_2_DAY",
					ServiceName: "FedEx 2Day",
					RatedShipmentDetails: []RatedShipmentDetail{
						{RateType: "ACCOUNT", TotalNetCharge: 22.10, Currency: "USD"},
					},
					Commit: &CommitDetail{
						DateDetail: &DateDetail{
							DayOfWeek: twoDay.Weekday().String(),
							DayFormat: twoDay.Format("2006-01-02T15:04:05"),
						},
						GuaranteedType: "GUARANTEED_DATE",
						TransitDays:    &TransitDays{MinimumTransitTime: "TWO_DAYS"},
					},
				},
				{
					ServiceType: "PRIORITY_OVERNIGHT",
					ServiceName: "FedEx Priority Overnight",
					RatedShipmentDetails: []RatedShipmentDetail{
						{RateType: "ACCOUNT", TotalNetCharge: 52.35, Currency: "USD"},
					},
					Commit: &CommitDetail{
						GuaranteedType: "GUARANTEED_DATE",
						TransitDays:    &TransitDays{MinimumTransitTime: "ONE_DAY"},
					},
				},
			},
		},
	}, nil
}

// CreateShipment creates a mock shipment with an encoded PDF label.
func (m *MockAPIClient) CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnCreateShipment != nil {
		return m.OnCreateShipment(ctx, req)
	}

	tracking := fmt.Sprintf("%012d", time.Now().UnixNano()%1e12)
	return &ShipmentResponse{
		Output: ShipOutput{
			TransactionShipments: []TransactionShipment{
				{
					MasterTrackingNumber: tracking,
					ServiceType:          req.RequestedShipment.ServiceType,
					ShipDatestamp:        time.Now().Format("2006-01-02"),
					PieceResponses: []PieceResponse{
						{
							TrackingNumber:  tracking,
							NetChargeAmount: 10.45,
							PackageDocuments: []PackageDocument{
								{
									ContentType:  "LABEL",
									DocType:      "PDF",
									EncodedLabel: base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 mock label")),
								},
							},
						},
					},
				},
			},
		},
	}, nil
}

// CancelShipment voids a mock shipment.
func (m *MockAPIClient) CancelShipment(ctx context.Context, trackingNumber string) (*CancelResponse, error) {
	if err := m.simulate(); err != nil {
		return nil, err
	}
	if m.OnCancelShipment != nil {
		return m.OnCancelShipment(ctx, trackingNumber)
	}

	return &CancelResponse{Output: CancelOutput{CancelledShipment: true}}, nil
}

var _ APIClient = (*MockAPIClient)(nil)
