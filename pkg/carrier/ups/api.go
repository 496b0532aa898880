package ups

import (
	"context"
	"encoding/json"
)

// APIClient defines the interface for UPS API operations. The split
// allows mock implementations during testing and the OAuth-backed HTTP
// implementation in production.
type APIClient interface {
	// GetRates fetches shipping rates (Shop mode: all services).
	GetRates(ctx context.Context, req *RateRequest) (*RateResponse, error)

	// GetTransitTimes fetches delivery commitments. Optional
	// enrichment: quoting proceeds without it when it fails.
	GetTransitTimes(ctx context.Context, req *TransitRequest) (*TransitResponse, error)

	// CreateShipment books a shipment and returns label data.
	CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error)

	// VoidShipment cancels a shipment by tracking number.
	VoidShipment(ctx context.Context, trackingNumber string) (*VoidResponse, error)
}

// ============================================================================
// Rating API types (POST /api/rating/{version}/Shop)
// ============================================================================

// RateRequest is the UPS rating request envelope.
type RateRequest struct {
	RateRequest rateRequestBody `json:"RateRequest"`
}

type rateRequestBody struct {
	Shipment Shipment `json:"Shipment"`
}

// Shipment describes the rated shipment.
type Shipment struct {
	Shipper             Party     `json:"Shipper"`
	ShipTo              Party     `json:"ShipTo"`
	ShipFrom            Party     `json:"ShipFrom"`
	ShipmentTotalWeight *Weight   `json:"ShipmentTotalWeight,omitempty"`
	Package             []Package `json:"Package"`
}

// Party is a shipper/recipient with address.
type Party struct {
	Name          string  `json:"Name,omitempty"`
	ShipperNumber string  `json:"ShipperNumber,omitempty"`
	Address       Address `json:"Address"`
}

// Address is a UPS wire address.
type Address struct {
	AddressLine                 []string `json:"AddressLine,omitempty"`
	City                        string   `json:"City,omitempty"`
	StateProvinceCode           string   `json:"StateProvinceCode,omitempty"`
	PostalCode                  string   `json:"PostalCode"`
	CountryCode                 string   `json:"CountryCode"`
	ResidentialAddressIndicator string   `json:"ResidentialAddressIndicator,omitempty"`
}

// Package is a single rated package.
type Package struct {
	PackagingType CodeDescription `json:"PackagingType"`
	Dimensions    *Dimensions     `json:"Dimensions,omitempty"`
	PackageWeight Weight          `json:"PackageWeight"`
}

// CodeDescription is the ubiquitous UPS code/description pair.
type CodeDescription struct {
	Code        string `json:"Code"`
	Description string `json:"Description,omitempty"`
}

// Dimensions are package dimensions with a unit.
type Dimensions struct {
	UnitOfMeasurement CodeDescription `json:"UnitOfMeasurement"`
	Length            string          `json:"Length"`
	Width             string          `json:"Width"`
	Height            string          `json:"Height"`
}

// Weight is a weight value with a unit. UPS serializes numbers as strings.
type Weight struct {
	UnitOfMeasurement CodeDescription `json:"UnitOfMeasurement"`
	Weight            string          `json:"Weight"`
}

// RateResponse is the UPS rating response envelope.
type RateResponse struct {
	RateResponse rateResponseBody `json:"RateResponse"`
}

type rateResponseBody struct {
	Response      ResponseStatus  `json:"Response"`
	RatedShipment []RatedShipment `json:"RatedShipment"`
}

// ResponseStatus carries the UPS transaction status block.
type ResponseStatus struct {
	ResponseStatus CodeDescription   `json:"ResponseStatus"`
	Alert          []CodeDescription `json:"Alert,omitempty"`
}

// RatedShipment is a single service's rate.
type RatedShipment struct {
	Service               CodeDescription     `json:"Service"`
	TotalCharges          Charge              `json:"TotalCharges"`
	NegotiatedRateCharges *NegotiatedRate     `json:"NegotiatedRateCharges,omitempty"`
	GuaranteedDelivery    *GuaranteedDelivery `json:"GuaranteedDelivery,omitempty"`
}

// Charge is a monetary amount; UPS serializes the value as a string.
type Charge struct {
	CurrencyCode  string `json:"CurrencyCode"`
	MonetaryValue string `json:"MonetaryValue"`
}

// NegotiatedRate wraps account-negotiated charges when present.
type NegotiatedRate struct {
	TotalCharge Charge `json:"TotalCharge"`
}

// GuaranteedDelivery is the commitment block embedded in some rated
// shipments. Services it does not cover fall back to the transit API.
type GuaranteedDelivery struct {
	BusinessDaysInTransit string `json:"BusinessDaysInTransit"`
	DeliveryByTime        string `json:"DeliveryByTime,omitempty"`
}

// ============================================================================
// Time-in-transit API types (POST /api/transittimes)
// ============================================================================

// TransitRequest is the time-in-transit request.
type TransitRequest struct {
	OriginCountryCode      string `json:"originCountryCode"`
	OriginPostalCode       string `json:"originPostalCode"`
	DestinationCountryCode string `json:"destinationCountryCode"`
	DestinationPostalCode  string `json:"destinationPostalCode"`
	Weight                 string `json:"weight"`
	WeightUnitOfMeasure    string `json:"weightUnitOfMeasure"`
	ShipDate               string `json:"shipDate"` // YYYY-MM-DD
	ResidentialIndicator   string `json:"residentialIndicator,omitempty"`
}

// TransitResponse is the time-in-transit response.
type TransitResponse struct {
	EMSResponse EMSResponse `json:"emsResponse"`
}

// EMSResponse wraps the per-service transit estimates.
type EMSResponse struct {
	Services []TransitService `json:"services"`
}

// TransitService is one service's delivery commitment. ServiceLevel
// uses transit-API codes ("1DA", "2DA", "GND"), not rating codes.
type TransitService struct {
	ServiceLevel            string `json:"serviceLevel"`
	ServiceLevelDescription string `json:"serviceLevelDescription"`
	BusinessTransitDays     int    `json:"businessTransitDays"`
	DeliveryDate            string `json:"deliveryDate"` // YYYY-MM-DD
	DeliveryTime            string `json:"deliveryTime"` // HH:MM:SS
	DeliveryDayOfWeek       string `json:"deliveryDayOfWeek"`
	GuaranteeIndicator      string `json:"guaranteeIndicator"` // "1" when guaranteed
}

// ============================================================================
// Shipping API types (POST /api/shipments/{version}/ship)
// ============================================================================

// ShipmentRequest is the UPS ship request envelope.
type ShipmentRequest struct {
	ShipmentRequest shipmentRequestBody `json:"ShipmentRequest"`
}

type shipmentRequestBody struct {
	Shipment           ShipShipment       `json:"Shipment"`
	LabelSpecification LabelSpecification `json:"LabelSpecification"`
}

// ShipShipment is the bookable shipment.
type ShipShipment struct {
	Description        string             `json:"Description,omitempty"`
	Shipper            Party              `json:"Shipper"`
	ShipTo             Party              `json:"ShipTo"`
	ShipFrom           Party              `json:"ShipFrom"`
	Service            CodeDescription    `json:"Service"`
	Package            []Package          `json:"Package"`
	PaymentInformation PaymentInformation `json:"PaymentInformation"`
	ReferenceNumber    []CodeValue        `json:"ReferenceNumber,omitempty"`
}

// PaymentInformation bills the configured shipper account.
type PaymentInformation struct {
	ShipmentCharge ShipmentCharge `json:"ShipmentCharge"`
}

// ShipmentCharge is the transportation charge descriptor.
type ShipmentCharge struct {
	Type        string      `json:"Type"` // "01" = transportation
	BillShipper BillShipper `json:"BillShipper"`
}

// BillShipper names the paying account.
type BillShipper struct {
	AccountNumber string `json:"AccountNumber"`
}

// CodeValue is a reference number entry.
type CodeValue struct {
	Code  string `json:"Code,omitempty"`
	Value string `json:"Value"`
}

// LabelSpecification selects the label format.
type LabelSpecification struct {
	LabelImageFormat CodeDescription `json:"LabelImageFormat"`
	LabelStockSize   *LabelStockSize `json:"LabelStockSize,omitempty"`
}

// LabelStockSize is the physical label stock.
type LabelStockSize struct {
	Height string `json:"Height"`
	Width  string `json:"Width"`
}

// ShipmentResponse is the UPS ship response envelope.
type ShipmentResponse struct {
	ShipmentResponse shipmentResponseBody `json:"ShipmentResponse"`
}

type shipmentResponseBody struct {
	Response        ResponseStatus  `json:"Response"`
	ShipmentResults ShipmentResults `json:"ShipmentResults"`
}

// ShipmentResults carries charges and per-package label data.
type ShipmentResults struct {
	ShipmentCharges              *ShipmentCharges   `json:"ShipmentCharges,omitempty"`
	ShipmentIdentificationNumber string             `json:"ShipmentIdentificationNumber,omitempty"`
	PackageResults               PackageResultsList `json:"PackageResults"`
}

// ShipmentCharges is the billed total.
type ShipmentCharges struct {
	TotalCharges Charge `json:"TotalCharges"`
}

// PackageResult is one package's tracking number and label.
type PackageResult struct {
	TrackingNumber string         `json:"TrackingNumber"`
	ShippingLabel  *ShippingLabel `json:"ShippingLabel,omitempty"`
}

// ShippingLabel is the label image block.
type ShippingLabel struct {
	ImageFormat  CodeDescription `json:"ImageFormat"`
	GraphicImage string          `json:"GraphicImage"` // base64
}

// PackageResultsList tolerates UPS returning either a single object or
// an array for PackageResults depending on package count.
type PackageResultsList []PackageResult

func (p *PackageResultsList) UnmarshalJSON(data []byte) error {
	var many []PackageResult
	if err := json.Unmarshal(data, &many); err == nil {
		*p = many
		return nil
	}
	var one PackageResult
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*p = PackageResultsList{one}
	return nil
}

// VoidResponse is the UPS void response envelope.
type VoidResponse struct {
	VoidShipmentResponse voidShipmentResponseBody `json:"VoidShipmentResponse"`
}

type voidShipmentResponseBody struct {
	Response      ResponseStatus `json:"Response"`
	SummaryResult SummaryResult  `json:"SummaryResult"`
}

// SummaryResult is the void outcome status.
type SummaryResult struct {
	Status CodeDescription `json:"Status"`
}

// ============================================================================
// OAuth + error types
// ============================================================================

// tokenResponse is the OAuth token endpoint response. UPS reports
// expires_in as a string.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in,string"`
	TokenType   string `json:"token_type"`
}

// APIError is the UPS error envelope.
type APIError struct {
	Response struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"response"`
}

// FirstMessage returns the first carrier-supplied error message.
func (e *APIError) FirstMessage() string {
	if len(e.Response.Errors) > 0 {
		return e.Response.Errors[0].Message
	}
	return ""
}

// FirstCode returns the first carrier-supplied error code.
func (e *APIError) FirstCode() string {
	if len(e.Response.Errors) > 0 {
		return e.Response.Errors[0].Code
	}
	return ""
}
