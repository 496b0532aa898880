// Package ups provides integration with the UPS REST APIs.
package ups

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
	"github.com/parcelgrid/carrierbridge/pkg/carrier/token"
)

const carrierName = "ups"

// Config holds UPS configuration for one store scope.
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

// Client is the UPS carrier client. It implements carrier.Carrier and
// delegates API calls to the underlying APIClient (mock or HTTP).
type Client struct {
	config    Config
	apiClient APIClient
	logger    *otelzap.Logger
	tracer    trace.Tracer
}

// New creates a new UPS client. If cfg.UseMock is true it uses a mock
// API client; otherwise the OAuth-backed HTTP client.
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

// NewWithAPIClient creates a UPS client with a custom API client.
// Useful for injecting mocks in tests.
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
	if c.config.ClientID == "" || c.config.ClientSecret == "" {
		return carrier.NewError(carrierName, carrier.KindConfiguration, "NO_CREDENTIALS",
			"UPS client id/secret not configured").WithCause(carrier.ErrMissingCredentials)
	}
	return nil
}

// Quote returns UPS rates with transit estimates. Services whose rate
// response carries no embedded commitment are enriched via the
// time-in-transit API; that enrichment is best-effort and its failure
// leaves degenerate transit entries rather than failing the quote.
func (c *Client) Quote(ctx context.Context, req *carrier.QuoteRequest) (*carrier.QuoteResult, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}
	if !c.config.Pricing.WithinWeightLimit(req.WeightLb) {
		return &carrier.QuoteResult{Transit: map[string]carrier.TransitEstimate{}}, nil
	}

	c.logger.Info("Getting UPS rates",
		zap.String("origin_zip", req.Origin.PostalCode),
		zap.String("destination_zip", req.Destination.PostalCode),
		zap.Float64("weight_lb", req.WeightLb),
	)

	apiResp, err := c.apiClient.GetRates(ctx, c.buildRateRequest(req))
	if err != nil {
		c.logger.Error("UPS rating error", zap.Error(err))
		return nil, err
	}

	res := &carrier.QuoteResult{Transit: map[string]carrier.TransitEstimate{}}
	uncovered := make([]string, 0)

	for _, rs := range apiResp.RateResponse.RatedShipment {
		cost, err := strconv.ParseFloat(rs.TotalCharges.MonetaryValue, 64)
		if err != nil {
			continue
		}
		if rs.NegotiatedRateCharges != nil {
			if neg, err := strconv.ParseFloat(rs.NegotiatedRateCharges.TotalCharge.MonetaryValue, 64); err == nil {
				cost = neg
			}
		}

		res.Rates = append(res.Rates, carrier.Rate{
			CarrierCode: carrierName,
			MethodCode:  rs.Service.Code,
			Title:       serviceTitle(rs.Service),
			Cost:        cost,
		})

		if rs.GuaranteedDelivery != nil {
			res.Transit[carrier.MethodKey(carrierName, rs.Service.Code)] = guaranteedToEstimate(rs.Service.Code, rs.GuaranteedDelivery)
		} else {
			uncovered = append(uncovered, rs.Service.Code)
		}
	}

	if len(uncovered) > 0 {
		c.enrichTransit(ctx, req, uncovered, res.Transit)
	}

	res.Rates = c.config.Pricing.Apply(res.Rates, req.CartSubtotal)
	carrier.EnsureTransitCoverage(res)
	carrier.ApplySchedule(res, c.config.CutoffHour, c.config.PickupHour, c.config.GraceDays, c.config.PickupDays)
	return res, nil
}

// enrichTransit fills transit entries for the given service codes from
// the time-in-transit API. Failure is logged and swallowed.
func (c *Client) enrichTransit(ctx context.Context, req *carrier.QuoteRequest, services []string, transit map[string]carrier.TransitEstimate) {
	apiResp, err := c.apiClient.GetTransitTimes(ctx, &TransitRequest{
		OriginCountryCode:      req.Origin.CountryCode,
		OriginPostalCode:       req.Origin.PostalCode,
		DestinationCountryCode: req.Destination.CountryCode,
		DestinationPostalCode:  req.Destination.PostalCode,
		Weight:                 fmt.Sprintf("%.1f", req.WeightLb),
		WeightUnitOfMeasure:    "LBS",
		ShipDate:               time.Now().Format("2006-01-02"),
		ResidentialIndicator:   residentialIndicator(req.Destination.Residential),
	})
	if err != nil {
		c.logger.Warn("UPS transit times unavailable, quoting without estimates", zap.Error(err))
		return
	}

	byRatingCode := make(map[string]TransitService, len(apiResp.EMSResponse.Services))
	for _, svc := range apiResp.EMSResponse.Services {
		if code, ok := transitServiceToRatingCode[svc.ServiceLevel]; ok {
			byRatingCode[code] = svc
		}
	}

	for _, code := range services {
		svc, ok := byRatingCode[code]
		if !ok {
			continue
		}
		days := svc.BusinessTransitDays
		est := carrier.TransitEstimate{
			CarrierCode:     carrierName,
			MethodCode:      code,
			BusinessDaysMin: &days,
			BusinessDaysMax: &days,
			DeliveryDay:     svc.DeliveryDayOfWeek,
			DeliveryTime:    svc.DeliveryTime,
			Guaranteed:      svc.GuaranteeIndicator == "1",
		}
		if t, err := time.Parse("2006-01-02", svc.DeliveryDate); err == nil {
			est.DeliveryDate = &t
		}
		transit[carrier.MethodKey(carrierName, code)] = est
	}
}

// CreateLabel books a UPS shipment. An auth failure surfaces as a
// re-authenticate error instead of retrying, because a blind retry
// could book a duplicate shipment.
func (c *Client) CreateLabel(ctx context.Context, req *carrier.LabelRequest) (*carrier.Label, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}

	c.logger.Info("Creating UPS shipment",
		zap.String("method", req.MethodCode),
		zap.String("order_ref", req.OrderRef),
	)

	apiResp, err := c.apiClient.CreateShipment(ctx, c.buildShipmentRequest(req))
	if err != nil {
		if carrier.IsAuth(err) {
			return nil, fmt.Errorf("%w: %v", carrier.ErrReauthenticateRequired, err)
		}
		c.logger.Error("UPS ship error", zap.Error(err))
		return nil, err
	}

	results := apiResp.ShipmentResponse.ShipmentResults
	if len(results.PackageResults) == 0 || results.PackageResults[0].TrackingNumber == "" {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "NO_TRACKING",
			"ship response contains no tracking number")
	}
	pkg := results.PackageResults[0]
	if pkg.ShippingLabel == nil || pkg.ShippingLabel.GraphicImage == "" {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "NO_LABEL",
			"ship response contains no label image")
	}

	image, err := base64.StdEncoding.DecodeString(pkg.ShippingLabel.GraphicImage)
	if err != nil {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "BAD_LABEL",
			"label image is not valid base64").WithCause(err)
	}

	label := &carrier.Label{
		TrackingNumber: pkg.TrackingNumber,
		CarrierCode:    carrierName,
		MethodCode:     req.MethodCode,
		Format:         mapLabelFormat(pkg.ShippingLabel.ImageFormat.Code),
		Image:          image,
	}
	if results.ShipmentCharges != nil {
		if cost, err := strconv.ParseFloat(results.ShipmentCharges.TotalCharges.MonetaryValue, 64); err == nil {
			label.Cost = cost
			label.Currency = results.ShipmentCharges.TotalCharges.CurrencyCode
		}
	}
	return label, nil
}

// VoidLabel cancels a UPS shipment.
func (c *Client) VoidLabel(ctx context.Context, trackingNumber string) error {
	if err := c.checkCredentials(); err != nil {
		return err
	}

	c.logger.Info("Voiding UPS shipment", zap.String("tracking_number", trackingNumber))

	_, err := c.apiClient.VoidShipment(ctx, trackingNumber)
	if err != nil {
		c.logger.Error("UPS void error", zap.Error(err))
	}
	return err
}

// ============================================================================
// Webhook handling
// ============================================================================

// webhookPayload is the UPS tracking push format: one activity per
// delivery.
type webhookPayload struct {
	TrackingNumber    string `json:"trackingNumber"`
	LocalActivityDate string `json:"localActivityDate"` // YYYYMMDD
	LocalActivityTime string `json:"localActivityTime"` // HHMMSS
	ActivityStatus    struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"activityStatus"`
	ActivityLocation struct {
		City          string `json:"city"`
		StateProvince string `json:"stateProvince"`
		PostalCode    string `json:"postalCode"`
		Country       string `json:"country"`
	} `json:"activityLocation"`
	DeliverySignature string `json:"deliverySignature,omitempty"`
	DeliveryPhotoURL  string `json:"deliveryPhotoUrl,omitempty"`
}

// VerifyWebhook checks the credential header UPS echoes back from the
// subscription registration, in constant time.
func (c *Client) VerifyWebhook(raw []byte, header http.Header) error {
	cred := header.Get("Credential")
	if cred == "" || c.config.WebhookSecret == "" {
		return carrier.ErrBadSignature
	}
	if subtle.ConstantTimeCompare([]byte(cred), []byte(c.config.WebhookSecret)) != 1 {
		return carrier.ErrBadSignature
	}
	return nil
}

// ParseWebhook decodes a UPS tracking push into one canonical event.
func (c *Client) ParseWebhook(raw []byte) ([]carrier.TrackingEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "WEBHOOK_DECODE",
			"webhook payload is not valid JSON").WithCause(err)
	}
	if p.TrackingNumber == "" || p.ActivityStatus.Code == "" {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "WEBHOOK_FIELDS",
			"webhook payload missing tracking number or activity code")
	}

	eventTime, err := time.Parse("20060102 150405", p.LocalActivityDate+" "+p.LocalActivityTime)
	if err != nil {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "WEBHOOK_TIME",
			"webhook payload has unparseable activity timestamp").WithCause(err)
	}

	return []carrier.TrackingEvent{{
		TrackingNumber: p.TrackingNumber,
		CarrierCode:    carrierName,
		EventCode:      p.ActivityStatus.Code,
		EventType:      mapEventType(p.ActivityStatus.Type, p.ActivityStatus.Code),
		Description:    p.ActivityStatus.Description,
		EventTime:      eventTime.UTC(),
		City:           p.ActivityLocation.City,
		Region:         p.ActivityLocation.StateProvince,
		CountryCode:    p.ActivityLocation.Country,
		PostalCode:     p.ActivityLocation.PostalCode,
		SignedBy:       p.DeliverySignature,
		ImageURL:       p.DeliveryPhotoURL,
		RawPayload:     json.RawMessage(raw),
	}}, nil
}

// SubscribeTracking registers the callback URL for push notifications
// on a tracking number.
func (c *Client) SubscribeTracking(ctx context.Context, trackingNumber, callbackURL string) (*carrier.Subscription, error) {
	// UPS ties subscriptions to the account, not individual tracking
	// numbers; registration is per-tracking so dedup happens upstream.
	return &carrier.Subscription{
		CarrierCode:   carrierName,
		Type:          carrier.SubscriptionTracking,
		Target:        trackingNumber,
		CallbackURL:   callbackURL,
		SecurityToken: c.config.WebhookSecret,
		Status:        carrier.SubscriptionActive,
		ExpiresAt:     time.Now().AddDate(0, 0, 120),
	}, nil
}

// ============================================================================
// Request builders and mapping helpers
// ============================================================================

func (c *Client) buildRateRequest(req *carrier.QuoteRequest) *RateRequest {
	return &RateRequest{
		RateRequest: rateRequestBody{
			Shipment: Shipment{
				Shipper: Party{
					ShipperNumber: c.config.AccountNumber,
					Address:       toAddress(req.Origin, false),
				},
				ShipFrom: Party{Address: toAddress(req.Origin, false)},
				ShipTo:   Party{Address: toAddress(req.Destination, req.Destination.Residential)},
				Package: []Package{{
					PackagingType: CodeDescription{Code: packagingCode(req.PackageType)},
					Dimensions:    toDimensions(req.Dimensions),
					PackageWeight: Weight{
						UnitOfMeasurement: CodeDescription{Code: "LBS"},
						Weight:            fmt.Sprintf("%.1f", req.WeightLb),
					},
				}},
			},
		},
	}
}

func (c *Client) buildShipmentRequest(req *carrier.LabelRequest) *ShipmentRequest {
	format := c.config.LabelFormat
	if req.Format != "" {
		format = req.Format
	}
	return &ShipmentRequest{
		ShipmentRequest: shipmentRequestBody{
			Shipment: ShipShipment{
				Description: req.Reference,
				Shipper: Party{
					Name:          req.Shipper.Name,
					ShipperNumber: c.config.AccountNumber,
					Address:       toAddress(req.Shipper, false),
				},
				ShipFrom: Party{Name: req.Shipper.Name, Address: toAddress(req.Shipper, false)},
				ShipTo:   Party{Name: req.Recipient.Name, Address: toAddress(req.Recipient, req.Recipient.Residential)},
				Service:  CodeDescription{Code: req.MethodCode},
				Package: []Package{{
					PackagingType: CodeDescription{Code: packagingCode(req.PackageType)},
					Dimensions:    toDimensions(req.Dimensions),
					PackageWeight: Weight{
						UnitOfMeasurement: CodeDescription{Code: "LBS"},
						Weight:            fmt.Sprintf("%.1f", req.WeightLb),
					},
				}},
				PaymentInformation: PaymentInformation{
					ShipmentCharge: ShipmentCharge{
						Type:        "01",
						BillShipper: BillShipper{AccountNumber: c.config.AccountNumber},
					},
				},
				ReferenceNumber: []CodeValue{{Value: req.OrderRef}},
			},
			LabelSpecification: LabelSpecification{
				LabelImageFormat: CodeDescription{Code: labelFormatCode(format)},
			},
		},
	}
}

func toAddress(a carrier.Address, residential bool) Address {
	addr := Address{
		City:              a.City,
		StateProvinceCode: a.Region,
		PostalCode:        a.PostalCode,
		CountryCode:       a.CountryCode,
	}
	if a.Line1 != "" {
		addr.AddressLine = append(addr.AddressLine, a.Line1)
	}
	if a.Line2 != "" {
		addr.AddressLine = append(addr.AddressLine, a.Line2)
	}
	if residential {
		addr.ResidentialAddressIndicator = "Y"
	}
	return addr
}

func toDimensions(d carrier.Dimensions) *Dimensions {
	if d.Length <= 0 || d.Width <= 0 || d.Height <= 0 {
		return nil
	}
	return &Dimensions{
		UnitOfMeasurement: CodeDescription{Code: "IN"},
		Length:            fmt.Sprintf("%.0f", d.Length),
		Width:             fmt.Sprintf("%.0f", d.Width),
		Height:            fmt.Sprintf("%.0f", d.Height),
	}
}

func guaranteedToEstimate(serviceCode string, g *GuaranteedDelivery) carrier.TransitEstimate {
	est := carrier.TransitEstimate{
		CarrierCode:  carrierName,
		MethodCode:   serviceCode,
		DeliveryTime: g.DeliveryByTime,
		Guaranteed:   true,
	}
	if days, err := strconv.Atoi(g.BusinessDaysInTransit); err == nil {
		est.BusinessDaysMin = &days
		est.BusinessDaysMax = &days
	}
	return est
}

// transitServiceToRatingCode remaps time-in-transit service levels to
// rating API service codes.
var transitServiceToRatingCode = map[string]string{
	"1DM": "14",
	"1DA": "01",
	"1DP": "13",
	"2DM": "59",
	"2DA": "02",
	"3DS": "12",
	"GND": "03",
}

var serviceNames = map[string]string{
	"01": "UPS Next Day Air",
	"02": "UPS 2nd Day Air",
	"03": "UPS Ground",
	"12": "UPS 3 Day Select",
	"13": "UPS Next Day Air Saver",
	"14": "UPS Next Day Air Early",
	"59": "UPS 2nd Day Air A.M.",
}

func serviceTitle(s CodeDescription) string {
	if name, ok := serviceNames[s.Code]; ok {
		return name
	}
	if s.Description != "" {
		return s.Description
	}
	return "UPS " + s.Code
}

func packagingCode(packageType string) string {
	switch packageType {
	case "envelope":
		return "01"
	case "tube":
		return "03"
	default:
		return "02" // customer-supplied package
	}
}

func labelFormatCode(f carrier.LabelFormat) string {
	switch f {
	case carrier.LabelZPL:
		return "ZPL"
	case carrier.LabelPNG:
		return "PNG"
	default:
		return "PDF"
	}
}

func mapLabelFormat(code string) carrier.LabelFormat {
	switch code {
	case "ZPL":
		return carrier.LabelZPL
	case "PNG", "GIF":
		return carrier.LabelPNG
	default:
		return carrier.LabelPDF
	}
}

func mapEventType(statusType, code string) carrier.EventType {
	// Code-level overrides first: UPS reuses type "I" for several
	// distinct milestones.
	switch code {
	case "OF", "OT":
		return carrier.EventOutForDelivery
	case "MP", "XD":
		return carrier.EventLabelCreated
	}
	switch statusType {
	case "M":
		return carrier.EventLabelCreated
	case "P":
		return carrier.EventPickedUp
	case "I":
		return carrier.EventInTransit
	case "O":
		return carrier.EventOutForDelivery
	case "D":
		return carrier.EventDelivered
	case "X":
		return carrier.EventException
	case "RS", "V":
		return carrier.EventCancelled
	default:
		return carrier.EventUnknown
	}
}

func residentialIndicator(residential bool) string {
	if residential {
		return "01"
	}
	return "02"
}

var (
	_ carrier.Carrier        = (*Client)(nil)
	_ carrier.WebhookHandler = (*Client)(nil)
	_ carrier.Subscriber     = (*Client)(nil)
)
