// Package fedex provides integration with the FedEx REST APIs.
package fedex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
	"github.com/parcelgrid/carrierbridge/pkg/carrier/token"
)

const carrierName = "fedex"

// signatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const signatureHeader = "X-Fedex-Signature"

// Config holds FedEx configuration for one store scope.
type Config struct {
	ClientID      string
	ClientSecret  string
	AccountNumber string
	Environment   carrier.Environment
	BaseURL       string
	StoreScope    string
	WebhookSecret string
	Pricing       carrier.PricingPolicy
	CutoffHour    int
	PickupHour    int
	GraceDays     int
	PickupDays    []time.Weekday
	LabelFormat   carrier.LabelFormat
	UseMock       bool
}

// Client is the FedEx carrier client.
type Client struct {
	config    Config
	apiClient APIClient
	logger    *otelzap.Logger
	tracer    trace.Tracer
}

// New creates a new FedEx client.
func New(cfg Config, tokens *token.Store, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	var apiClient APIClient

	if cfg.UseMock {
		apiClient = NewMockAPIClient()
	} else {
		apiClient = NewHTTPAPIClient(HTTPAPIClientConfig{
			BaseURL:      cfg.BaseURL,
			Environment:  cfg.Environment,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			StoreScope:   cfg.StoreScope,
			Tokens:       tokens,
		})
	}

	return &Client{
		config:    cfg,
		apiClient: apiClient,
		logger:    logger,
		tracer:    tracer,
	}
}

// NewWithAPIClient creates a FedEx client with a custom API client.
func NewWithAPIClient(cfg Config, apiClient APIClient, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	return &Client{
		config:    cfg,
		apiClient: apiClient,
		logger:    logger,
		tracer:    tracer,
	}
}

// Name returns the carrier name.
func (c *Client) Name() string {
	return carrierName
}

func (c *Client) checkCredentials() error {
	if c.config.UseMock {
		return nil
	}
	if c.config.ClientID == "" || c.config.ClientSecret == "" || c.config.AccountNumber == "" {
		return carrier.NewError(carrierName, carrier.KindConfiguration, "NO_CREDENTIALS",
			"FedEx credentials not configured").WithCause(carrier.ErrMissingCredentials)
	}
	return nil
}

// Quote returns FedEx rates. Delivery commitments are embedded in the
// rate reply, so no secondary transit call is made.
func (c *Client) Quote(ctx context.Context, req *carrier.QuoteRequest) (*carrier.QuoteResult, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}
	if !c.config.Pricing.WithinWeightLimit(req.WeightLb) {
		return &carrier.QuoteResult{Transit: map[string]carrier.TransitEstimate{}}, nil
	}

	c.logger.Info("Getting FedEx rates",
		zap.String("origin_zip", req.Origin.PostalCode),
		zap.String("destination_zip", req.Destination.PostalCode),
		zap.Float64("weight_lb", req.WeightLb),
	)

	apiResp, err := c.apiClient.GetRates(ctx, c.buildRateRequest(req))
	if err != nil {
		c.logger.Error("FedEx rating error", zap.Error(err))
		return nil, err
	}

	res := &carrier.QuoteResult{Transit: map[string]carrier.TransitEstimate{}}
	for _, detail := range apiResp.Output.RateReplyDetails {
		if len(detail.RatedShipmentDetails) == 0 {
			continue
		}

		res.Rates = append(res.Rates, carrier.Rate{
			CarrierCode: carrierName,
			MethodCode:  detail.ServiceType,
			Title:       serviceTitle(detail),
			Cost:        detail.RatedShipmentDetails[0].TotalNetCharge,
		})

		if est, ok := commitToEstimate(detail); ok {
			res.Transit[carrier.MethodKey(carrierName, detail.ServiceType)] = est
		}
	}

	res.Rates = c.config.Pricing.Apply(res.Rates, req.CartSubtotal)
	carrier.EnsureTransitCoverage(res)
	carrier.ApplySchedule(res, c.config.CutoffHour, c.config.PickupHour, c.config.GraceDays, c.config.PickupDays)
	return res, nil
}

// CreateLabel books a FedEx shipment.
func (c *Client) CreateLabel(ctx context.Context, req *carrier.LabelRequest) (*carrier.Label, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}

	c.logger.Info("Creating FedEx shipment",
		zap.String("method", req.MethodCode),
		zap.String("order_ref", req.OrderRef),
	)

	apiResp, err := c.apiClient.CreateShipment(ctx, c.buildShipmentRequest(req))
	if err != nil {
		if carrier.IsAuth(err) {
			return nil, fmt.Errorf("%w: %v", carrier.ErrReauthenticateRequired, err)
		}
		c.logger.Error("FedEx ship error", zap.Error(err))
		return nil, err
	}

	if len(apiResp.Output.TransactionShipments) == 0 {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "NO_SHIPMENT",
			"ship response contains no transaction shipment")
	}
	shipment := apiResp.Output.TransactionShipments[0]
	if len(shipment.PieceResponses) == 0 || shipment.PieceResponses[0].TrackingNumber == "" {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "NO_TRACKING",
			"ship response contains no tracking number")
	}
	piece := shipment.PieceResponses[0]

	doc, ok := findLabelDocument(piece.PackageDocuments)
	if !ok {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "NO_LABEL",
			"ship response contains no label document")
	}
	image, err := base64.StdEncoding.DecodeString(doc.EncodedLabel)
	if err != nil {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "BAD_LABEL",
			"label document is not valid base64").WithCause(err)
	}

	return &carrier.Label{
		TrackingNumber: piece.TrackingNumber,
		CarrierCode:    carrierName,
		MethodCode:     req.MethodCode,
		Format:         mapLabelFormat(doc.DocType),
		Image:          image,
		Cost:           piece.NetChargeAmount,
		Currency:       "USD",
	}, nil
}

// VoidLabel cancels a FedEx shipment.
func (c *Client) VoidLabel(ctx context.Context, trackingNumber string) error {
	if err := c.checkCredentials(); err != nil {
		return err
	}

	c.logger.Info("Cancelling FedEx shipment", zap.String("tracking_number", trackingNumber))

	resp, err := c.apiClient.CancelShipment(ctx, trackingNumber)
	if err != nil {
		c.logger.Error("FedEx cancel error", zap.Error(err))
		return err
	}
	if !resp.Output.CancelledShipment {
		return carrier.NewError(carrierName, carrier.KindParse, "NOT_CANCELLED",
			"carrier did not confirm cancellation")
	}
	return nil
}

// ============================================================================
// Webhook handling
// ============================================================================

// webhookPayload is the FedEx tracking push format: multiple scan
// events per delivery.
type webhookPayload struct {
	TrackingNumberInfo struct {
		TrackingNumber string `json:"trackingNumber"`
	} `json:"trackingNumberInfo"`
	ScanEvents []scanEvent `json:"scanEvents"`
}

type scanEvent struct {
	Date              string `json:"date"` // RFC3339
	EventType         string `json:"eventType"`
	EventDescription  string `json:"eventDescription"`
	DerivedStatusCode string `json:"derivedStatusCode"`
	ScanLocation      struct {
		City                string `json:"city"`
		StateOrProvinceCode string `json:"stateOrProvinceCode"`
		PostalCode          string `json:"postalCode"`
		CountryCode         string `json:"countryCode"`
	} `json:"scanLocation"`
	DeliveryDetails struct {
		SignedByName     string `json:"signedByName,omitempty"`
		DeliveryPhotoURL string `json:"deliveryPhotoUrl,omitempty"`
	} `json:"deliveryDetails"`
}

// VerifyWebhook validates the hex HMAC-SHA256 signature over the raw
// body.
func (c *Client) VerifyWebhook(raw []byte, header http.Header) error {
	sig := header.Get(signatureHeader)
	if sig == "" || c.config.WebhookSecret == "" {
		return carrier.ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(c.config.WebhookSecret))
	mac.Write(raw)

	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(got, mac.Sum(nil)) {
		return carrier.ErrBadSignature
	}
	return nil
}

// ParseWebhook decodes a FedEx tracking push into canonical events.
// Scan events missing required fields are skipped so valid siblings in
// the same payload survive.
func (c *Client) ParseWebhook(raw []byte) ([]carrier.TrackingEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "WEBHOOK_DECODE",
			"webhook payload is not valid JSON").WithCause(err)
	}
	if p.TrackingNumberInfo.TrackingNumber == "" {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "WEBHOOK_FIELDS",
			"webhook payload missing tracking number")
	}

	events := make([]carrier.TrackingEvent, 0, len(p.ScanEvents))
	for _, se := range p.ScanEvents {
		if se.EventType == "" {
			continue
		}
		eventTime, err := time.Parse(time.RFC3339, se.Date)
		if err != nil {
			c.logger.Warn("Skipping FedEx scan event with bad timestamp",
				zap.String("tracking_number", p.TrackingNumberInfo.TrackingNumber),
				zap.String("date", se.Date),
			)
			continue
		}

		events = append(events, carrier.TrackingEvent{
			TrackingNumber: p.TrackingNumberInfo.TrackingNumber,
			CarrierCode:    carrierName,
			EventCode:      se.EventType,
			EventType:      mapEventType(se.EventType, se.DerivedStatusCode),
			Description:    se.EventDescription,
			EventTime:      eventTime.UTC(),
			City:           se.ScanLocation.City,
			Region:         se.ScanLocation.StateOrProvinceCode,
			CountryCode:    se.ScanLocation.CountryCode,
			PostalCode:     se.ScanLocation.PostalCode,
			SignedBy:       se.DeliveryDetails.SignedByName,
			ImageURL:       se.DeliveryDetails.DeliveryPhotoURL,
			RawPayload:     json.RawMessage(raw),
		})
	}
	return events, nil
}

// ============================================================================
// Request builders and mapping helpers
// ============================================================================

func (c *Client) buildRateRequest(req *carrier.QuoteRequest) *RateRequest {
	return &RateRequest{
		AccountNumber: AccountNumber{Value: c.config.AccountNumber},
		RequestedShipment: RequestedShipment{
			Shipper:         RateParty{Address: toAddress(req.Origin, false)},
			Recipient:       RateParty{Address: toAddress(req.Destination, req.Destination.Residential)},
			PickupType:      "USE_SCHEDULED_PICKUP",
			RateRequestType: []string{"ACCOUNT"},
			RequestedPackageLineItems: []PackageLineItem{{
				Weight:     WeightValue{Units: "LB", Value: req.WeightLb},
				Dimensions: toDimensions(req.Dimensions),
			}},
		},
	}
}

func (c *Client) buildShipmentRequest(req *carrier.LabelRequest) *ShipmentRequest {
	format := c.config.LabelFormat
	if req.Format != "" {
		format = req.Format
	}
	return &ShipmentRequest{
		AccountNumber:        AccountNumber{Value: c.config.AccountNumber},
		LabelResponseOptions: "LABEL",
		RequestedShipment: ShipRequestedShipment{
			Shipper: ShipParty{
				Contact: PartyContact{PersonName: req.Shipper.Name, CompanyName: req.Shipper.Company, PhoneNumber: req.Shipper.Phone},
				Address: toAddress(req.Shipper, false),
			},
			Recipients: []ShipParty{{
				Contact: PartyContact{PersonName: req.Recipient.Name, PhoneNumber: req.Recipient.Phone, EmailAddress: req.Recipient.Email},
				Address: toAddress(req.Recipient, req.Recipient.Residential),
			}},
			ServiceType:            req.MethodCode,
			PackagingType:          "YOUR_PACKAGING",
			PickupType:             "USE_SCHEDULED_PICKUP",
			ShippingChargesPayment: Payment{PaymentType: "SENDER"},
			LabelSpecification: LabelSpec{
				ImageType:      labelImageType(format),
				LabelStockType: "PAPER_4X6",
			},
			RequestedPackageLineItems: []PackageLineItem{{
				Weight:     WeightValue{Units: "LB", Value: req.WeightLb},
				Dimensions: toDimensions(req.Dimensions),
			}},
		},
	}
}

func toAddress(a carrier.Address, residential bool) PartyAddress {
	addr := PartyAddress{
		City:                a.City,
		StateOrProvinceCode: a.Region,
		PostalCode:          a.PostalCode,
		CountryCode:         a.CountryCode,
		Residential:         residential,
	}
	if a.Line1 != "" {
		addr.StreetLines = append(addr.StreetLines, a.Line1)
	}
	if a.Line2 != "" {
		addr.StreetLines = append(addr.StreetLines, a.Line2)
	}
	return addr
}

// toDimensions rounds fractional inches up. FedEx takes whole inches,
// and undersizing a package misquotes dimensional weight.
func toDimensions(d carrier.Dimensions) *DimensionsValue {
	if d.Length <= 0 || d.Width <= 0 || d.Height <= 0 {
		return nil
	}
	return &DimensionsValue{
		Length: int(math.Ceil(d.Length)),
		Width:  int(math.Ceil(d.Width)),
		Height: int(math.Ceil(d.Height)),
		Units:  "IN",
	}
}

func serviceTitle(d RateReplyDetail) string {
	if d.ServiceName != "" {
		return d.ServiceName
	}
	return "FedEx " + d.ServiceType
}

// transitTimeDays maps FedEx transit-time phrases to business days.
var transitTimeDays = map[string]int{
	"ONE_DAY":    1,
	"TWO_DAYS":   2,
	"THREE_DAYS": 3,
	"FOUR_DAYS":  4,
	"FIVE_DAYS":  5,
	"SIX_DAYS":   6,
	"SEVEN_DAYS": 7,
}

func commitToEstimate(d RateReplyDetail) (carrier.TransitEstimate, bool) {
	if d.Commit == nil && d.OperationalDetail == nil {
		return carrier.TransitEstimate{}, false
	}

	est := carrier.TransitEstimate{
		CarrierCode: carrierName,
		MethodCode:  d.ServiceType,
	}

	if d.Commit != nil {
		est.Guaranteed = d.Commit.GuaranteedType == "GUARANTEED_DATE"
		if d.Commit.TransitDays != nil {
			if days, ok := transitTimeDays[d.Commit.TransitDays.MinimumTransitTime]; ok {
				est.BusinessDaysMin = &days
				est.BusinessDaysMax = &days
			}
		}
		if d.Commit.DateDetail != nil {
			est.DeliveryDay = d.Commit.DateDetail.DayOfWeek
			if t, err := time.Parse("2006-01-02T15:04:05", d.Commit.DateDetail.DayFormat); err == nil {
				est.DeliveryDate = &t
				est.DeliveryTime = t.Format("15:04")
			}
		}
	}

	if est.DeliveryDate == nil && d.OperationalDetail != nil && d.OperationalDetail.DeliveryDate != "" {
		if t, err := time.Parse("2006-01-02", d.OperationalDetail.DeliveryDate); err == nil {
			est.DeliveryDate = &t
			est.DeliveryDay = d.OperationalDetail.DeliveryDay
		}
		if est.BusinessDaysMin == nil {
			if days, ok := transitTimeDays[d.OperationalDetail.TransitTime]; ok {
				est.BusinessDaysMin = &days
				est.BusinessDaysMax = &days
			}
		}
	}

	return est, est.BusinessDaysMin != nil || est.DeliveryDate != nil
}

func labelImageType(f carrier.LabelFormat) string {
	switch f {
	case carrier.LabelZPL:
		return "ZPLII"
	case carrier.LabelPNG:
		return "PNG"
	default:
		return "PDF"
	}
}

func mapLabelFormat(docType string) carrier.LabelFormat {
	switch docType {
	case "ZPLII", "ZPL":
		return carrier.LabelZPL
	case "PNG":
		return carrier.LabelPNG
	default:
		return carrier.LabelPDF
	}
}

func findLabelDocument(docs []PackageDocument) (PackageDocument, bool) {
	for _, d := range docs {
		if d.ContentType == "LABEL" && d.EncodedLabel != "" {
			return d, true
		}
	}
	return PackageDocument{}, false
}

func mapEventType(eventType, derivedStatus string) carrier.EventType {
	switch eventType {
	case "OC":
		return carrier.EventLabelCreated
	case "PU":
		return carrier.EventPickedUp
	case "AR", "DP", "IT", "AF":
		return carrier.EventInTransit
	case "OD":
		return carrier.EventOutForDelivery
	case "DL":
		return carrier.EventDelivered
	case "DE", "SE", "CA":
		if eventType == "CA" {
			return carrier.EventCancelled
		}
		return carrier.EventException
	}
	// Fall back to the derived status when the scan type is unknown.
	switch derivedStatus {
	case "DL":
		return carrier.EventDelivered
	case "IT":
		return carrier.EventInTransit
	default:
		return carrier.EventUnknown
	}
}

var (
	_ carrier.Carrier        = (*Client)(nil)
	_ carrier.WebhookHandler = (*Client)(nil)
)
