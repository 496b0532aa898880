package fedex

import "context"

// APIClient defines the interface for FedEx API operations.
type APIClient interface {
	// GetRates fetches shipping rates. Delivery commitments arrive
	// embedded in the rate reply; no secondary call is needed.
	GetRates(ctx context.Context, req *RateRequest) (*RateResponse, error)

	// CreateShipment books a shipment and returns label data.
	CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error)

	// CancelShipment voids a shipment by tracking number.
	CancelShipment(ctx context.Context, trackingNumber string) (*CancelResponse, error)
}

// ============================================================================
// Rate API types (POST /rate/v1/rates/quotes)
// ============================================================================

// RateRequest is the FedEx rate request.
type RateRequest struct {
	AccountNumber     AccountNumber     `json:"accountNumber"`
	RequestedShipment RequestedShipment `json:"requestedShipment"`
}

// AccountNumber wraps the account value.
type AccountNumber struct {
	Value string `json:"value"`
}

// RequestedShipment describes the shipment to rate or book.
type RequestedShipment struct {
	Shipper                   RateParty         `json:"shipper"`
	Recipient                 RateParty         `json:"recipient"`
	PickupType                string            `json:"pickupType"`                // DROPOFF_AT_FEDEX_LOCATION, USE_SCHEDULED_PICKUP
	RateRequestType           []string          `json:"rateRequestType,omitempty"` // LIST, ACCOUNT
	RequestedPackageLineItems []PackageLineItem `json:"requestedPackageLineItems"`
}

// RateParty is a rate-request party (address only).
type RateParty struct {
	Address PartyAddress `json:"address"`
}

// PartyAddress is a FedEx wire address.
type PartyAddress struct {
	StreetLines         []string `json:"streetLines,omitempty"`
	City                string   `json:"city,omitempty"`
	StateOrProvinceCode string   `json:"stateOrProvinceCode,omitempty"`
	PostalCode          string   `json:"postalCode"`
	CountryCode         string   `json:"countryCode"`
	Residential         bool     `json:"residential,omitempty"`
}

// PackageLineItem is a single package.
type PackageLineItem struct {
	Weight     WeightValue      `json:"weight"`
	Dimensions *DimensionsValue `json:"dimensions,omitempty"`
}

// WeightValue is a weight with units.
type WeightValue struct {
	Units string  `json:"units"` // LB, KG
	Value float64 `json:"value"`
}

// DimensionsValue are package dimensions with units.
type DimensionsValue struct {
	Length int    `json:"length"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Units  string `json:"units"` // IN, CM
}

// RateResponse is the FedEx rate reply.
type RateResponse struct {
	Output RateOutput `json:"output"`
}

// RateOutput wraps the per-service rate details.
type RateOutput struct {
	RateReplyDetails []RateReplyDetail `json:"rateReplyDetails"`
	Alerts           []Alert           `json:"alerts,omitempty"`
}

// Alert is a non-fatal rate reply notice.
type Alert struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RateReplyDetail is one service's rate with its embedded commitment.
type RateReplyDetail struct {
	ServiceType          string                `json:"serviceType"`
	ServiceName          string                `json:"serviceName"`
	RatedShipmentDetails []RatedShipmentDetail `json:"ratedShipmentDetails"`
	Commit               *CommitDetail         `json:"commit,omitempty"`
	OperationalDetail    *OperationalDetail    `json:"operationalDetail,omitempty"`
}

// RatedShipmentDetail carries one charge variant (LIST or ACCOUNT).
type RatedShipmentDetail struct {
	RateType       string  `json:"rateType"`
	TotalNetCharge float64 `json:"totalNetCharge"`
	Currency       string  `json:"currency"`
}

// CommitDetail is the embedded delivery commitment.
type CommitDetail struct {
	DateDetail       *DateDetail  `json:"dateDetail,omitempty"`
	DeliveryMessages []string     `json:"deliveryMessages,omitempty"`
	GuaranteedType   string       `json:"guaranteedType,omitempty"`   // GUARANTEED_DATE, NO_GUARANTEE
	TransitDays      *TransitDays `json:"transitDays,omitempty"`
}

// DateDetail is the committed delivery date.
type DateDetail struct {
	DayOfWeek string `json:"dayOfWeek"`
	DayFormat string `json:"dayFormat"` // 2006-01-02T15:04:05
}

// TransitDays is the commitment's transit window.
type TransitDays struct {
	MinimumTransitTime string `json:"minimumTransitTime,omitempty"` // e.g. "TWO_DAYS"
	Description        string `json:"description,omitempty"`
}

// OperationalDetail is auxiliary routing info.
type OperationalDetail struct {
	DeliveryDate string `json:"deliveryDate,omitempty"` // YYYY-MM-DD
	DeliveryDay  string `json:"deliveryDay,omitempty"`
	TransitTime  string `json:"transitTime,omitempty"` // e.g. "TWO_DAYS"
}

// ============================================================================
// Ship API types (POST /ship/v1/shipments)
// ============================================================================

// ShipmentRequest is the FedEx ship request.
type ShipmentRequest struct {
	AccountNumber        AccountNumber         `json:"accountNumber"`
	LabelResponseOptions string                `json:"labelResponseOptions"` // LABEL, URL_ONLY
	RequestedShipment    ShipRequestedShipment `json:"requestedShipment"`
}

// ShipRequestedShipment is the bookable shipment.
type ShipRequestedShipment struct {
	Shipper                   ShipParty         `json:"shipper"`
	Recipients                []ShipParty       `json:"recipients"`
	ServiceType               string            `json:"serviceType"`
	PackagingType             string            `json:"packagingType"`
	PickupType                string            `json:"pickupType"`
	ShippingChargesPayment    Payment           `json:"shippingChargesPayment"`
	LabelSpecification        LabelSpec         `json:"labelSpecification"`
	RequestedPackageLineItems []PackageLineItem `json:"requestedPackageLineItems"`
}

// ShipParty is a ship-request party with contact.
type ShipParty struct {
	Contact PartyContact `json:"contact"`
	Address PartyAddress `json:"address"`
}

// PartyContact is a party's contact block.
type PartyContact struct {
	PersonName   string `json:"personName"`
	CompanyName  string `json:"companyName,omitempty"`
	PhoneNumber  string `json:"phoneNumber,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
}

// Payment selects who pays transportation charges.
type Payment struct {
	PaymentType string `json:"paymentType"` // SENDER
}

// LabelSpec selects the label format and stock.
type LabelSpec struct {
	ImageType      string `json:"imageType"`      // PDF, PNG, ZPLII
	LabelStockType string `json:"labelStockType"` // PAPER_4X6, STOCK_4X6
}

// ShipmentResponse is the FedEx ship reply.
type ShipmentResponse struct {
	Output ShipOutput `json:"output"`
}

// ShipOutput wraps the transaction shipments.
type ShipOutput struct {
	TransactionShipments []TransactionShipment `json:"transactionShipments"`
}

// TransactionShipment is one booked shipment.
type TransactionShipment struct {
	MasterTrackingNumber string          `json:"masterTrackingNumber"`
	ServiceType          string          `json:"serviceType"`
	ShipDatestamp        string          `json:"shipDatestamp"`
	PieceResponses       []PieceResponse `json:"pieceResponses"`
}

// PieceResponse is one package's tracking number and documents.
type PieceResponse struct {
	TrackingNumber   string            `json:"trackingNumber"`
	NetChargeAmount  float64           `json:"netChargeAmount,omitempty"`
	PackageDocuments []PackageDocument `json:"packageDocuments"`
}

// PackageDocument is a label or other shipping document.
type PackageDocument struct {
	ContentType  string `json:"contentType"` // LABEL
	DocType      string `json:"docType"`     // PDF, PNG, ZPLII
	EncodedLabel string `json:"encodedLabel,omitempty"` // base64
	URL          string `json:"url,omitempty"`
}

// CancelResponse is the FedEx cancel reply.
type CancelResponse struct {
	Output CancelOutput `json:"output"`
}

// CancelOutput reports the void outcome.
type CancelOutput struct {
	CancelledShipment bool `json:"cancelledShipment"`
}

// ============================================================================
// OAuth + error types
// ============================================================================

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// APIError is the FedEx error envelope.
type APIError struct {
	TransactionID string `json:"transactionId,omitempty"`
	Errors        []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// FirstMessage returns the first carrier-supplied error message.
func (e *APIError) FirstMessage() string {
	if len(e.Errors) > 0 {
		return e.Errors[0].Message
	}
	return ""
}

// FirstCode returns the first carrier-supplied error code.
func (e *APIError) FirstCode() string {
	if len(e.Errors) > 0 {
		return e.Errors[0].Code
	}
	return ""
}
