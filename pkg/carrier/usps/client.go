// Package usps provides integration with the USPS REST APIs.
package usps

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
	"github.com/parcelgrid/carrierbridge/pkg/carrier/token"
)

const carrierName = "usps"

// signatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const signatureHeader = "X-Usps-Signature"

// Config holds USPS configuration for one store scope.
type Config struct {
	ClientID      string
	ClientSecret  string
	CRID          string
	MID           string
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

// Client is the USPS carrier client.
type Client struct {
	config    Config
	apiClient APIClient
	logger    *otelzap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates a new USPS client.
func New(cfg Config, tokens *token.Store, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	var apiClient APIClient

	if cfg.UseMock {
		apiClient = NewMockAPIClient()
	} else {
		apiClient = NewHTTPAPIClient(HTTPAPIClientConfig{
			BaseURL:       cfg.BaseURL,
			Environment:   cfg.Environment,
			ClientID:      cfg.ClientID,
			ClientSecret:  cfg.ClientSecret,
			CRID:          cfg.CRID,
			MID:           cfg.MID,
			AccountNumber: cfg.AccountNumber,
			StoreScope:    cfg.StoreScope,
			Tokens:        tokens,
		})
	}

	return &Client{
		config:    cfg,
		apiClient: apiClient,
		logger:    logger,
		tracer:    tracer,
		now:       time.Now,
	}
}

// NewWithAPIClient creates a USPS client with a custom API client.
func NewWithAPIClient(cfg Config, apiClient APIClient, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	return &Client{
		config:    cfg,
		apiClient: apiClient,
		logger:    logger,
		tracer:    tracer,
		now:       time.Now,
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
			"USPS client id/secret not configured").WithCause(carrier.ErrMissingCredentials)
	}
	return nil
}

// Quote returns USPS rates. USPS expresses service standards as
// business-day counts rather than dates, so delivery dates are derived
// by walking forward over business days from the quote time.
func (c *Client) Quote(ctx context.Context, req *carrier.QuoteRequest) (*carrier.QuoteResult, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}
	if !c.config.Pricing.WithinWeightLimit(req.WeightLb) {
		return &carrier.QuoteResult{Transit: map[string]carrier.TransitEstimate{}}, nil
	}

	c.logger.Info("Getting USPS rates",
		zap.String("origin_zip", req.Origin.PostalCode),
		zap.String("destination_zip", req.Destination.PostalCode),
		zap.Float64("weight_lb", req.WeightLb),
	)

	apiResp, err := c.apiClient.GetRates(ctx, c.buildRateRequest(req))
	if err != nil {
		c.logger.Error("USPS rating error", zap.Error(err))
		return nil, err
	}

	res := &carrier.QuoteResult{Transit: map[string]carrier.TransitEstimate{}}
	for _, opt := range apiResp.RateOptions {
		if len(opt.Rates) == 0 {
			continue
		}
		detail := opt.Rates[0]
		cost := opt.TotalBasePrice
		if cost == 0 {
			cost = detail.Price
		}

		res.Rates = append(res.Rates, carrier.Rate{
			CarrierCode: carrierName,
			MethodCode:  detail.MailClass,
			Title:       serviceTitle(detail),
			Cost:        cost,
		})

		if est, ok := c.commitmentToEstimate(detail); ok {
			res.Transit[carrier.MethodKey(carrierName, detail.MailClass)] = est
		}
	}

	res.Rates = c.config.Pricing.Apply(res.Rates, req.CartSubtotal)
	carrier.EnsureTransitCoverage(res)
	carrier.ApplySchedule(res, c.config.CutoffHour, c.config.PickupHour, c.config.GraceDays, c.config.PickupDays)
	return res, nil
}

// CreateLabel purchases a USPS label. Auth failures surface as a
// re-authenticate error instead of retrying so postage is never
// purchased twice.
func (c *Client) CreateLabel(ctx context.Context, req *carrier.LabelRequest) (*carrier.Label, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}

	c.logger.Info("Purchasing USPS label",
		zap.String("method", req.MethodCode),
		zap.String("order_ref", req.OrderRef),
	)

	apiResp, err := c.apiClient.CreateLabel(ctx, c.buildLabelRequest(req))
	if err != nil {
		if carrier.IsAuth(err) {
			return nil, fmt.Errorf("%w: %v", carrier.ErrReauthenticateRequired, err)
		}
		c.logger.Error("USPS label error", zap.Error(err))
		return nil, err
	}

	if apiResp.LabelMetadata.TrackingNumber == "" {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "NO_TRACKING",
			"label response contains no tracking number")
	}
	if apiResp.LabelImage == "" {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "NO_LABEL",
			"label response contains no image")
	}
	image, err := base64.StdEncoding.DecodeString(apiResp.LabelImage)
	if err != nil {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "BAD_LABEL",
			"label image is not valid base64").WithCause(err)
	}

	format := c.config.LabelFormat
	if req.Format != "" {
		format = req.Format
	}
	return &carrier.Label{
		TrackingNumber: apiResp.LabelMetadata.TrackingNumber,
		CarrierCode:    carrierName,
		MethodCode:     req.MethodCode,
		Format:         format,
		Image:          image,
		Cost:           apiResp.LabelMetadata.Postage,
		Currency:       "USD",
	}, nil
}

// VoidLabel cancels an unused USPS label.
func (c *Client) VoidLabel(ctx context.Context, trackingNumber string) error {
	if err := c.checkCredentials(); err != nil {
		return err
	}

	c.logger.Info("Voiding USPS label", zap.String("tracking_number", trackingNumber))

	if err := c.apiClient.VoidLabel(ctx, trackingNumber); err != nil {
		c.logger.Error("USPS void error", zap.Error(err))
		return err
	}
	return nil
}

// ============================================================================
// Webhook handling
// ============================================================================

// webhookPayload is the USPS tracking push format: one scan per
// delivery.
type webhookPayload struct {
	TrackingNumber   string `json:"trackingNumber"`
	EventCode        string `json:"eventCode"`
	EventDescription string `json:"eventDescription"`
	EventTimestamp   string `json:"eventTimestamp"` // RFC3339
	EventCity        string `json:"eventCity"`
	EventState       string `json:"eventState"`
	EventZIP         string `json:"eventZIP"`
	EventCountry     string `json:"eventCountry"`
	RecipientName    string `json:"recipientName,omitempty"`
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

// ParseWebhook decodes a USPS tracking push into one canonical event.
func (c *Client) ParseWebhook(raw []byte) ([]carrier.TrackingEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "WEBHOOK_DECODE",
			"webhook payload is not valid JSON").WithCause(err)
	}
	if p.TrackingNumber == "" || p.EventCode == "" {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "WEBHOOK_FIELDS",
			"webhook payload missing tracking number or event code")
	}

	eventTime, err := time.Parse(time.RFC3339, p.EventTimestamp)
	if err != nil {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "WEBHOOK_TIME",
			"webhook payload has unparseable event timestamp").WithCause(err)
	}

	return []carrier.TrackingEvent{{
		TrackingNumber: p.TrackingNumber,
		CarrierCode:    carrierName,
		EventCode:      p.EventCode,
		EventType:      mapEventType(p.EventCode),
		Description:    p.EventDescription,
		EventTime:      eventTime.UTC(),
		City:           p.EventCity,
		Region:         p.EventState,
		CountryCode:    p.EventCountry,
		PostalCode:     p.EventZIP,
		SignedBy:       p.RecipientName,
		RawPayload:     json.RawMessage(raw),
	}}, nil
}

// ============================================================================
// Request builders and mapping helpers
// ============================================================================

func (c *Client) buildRateRequest(req *carrier.QuoteRequest) *RateRequest {
	return &RateRequest{
		OriginZIPCode:      carrier.NormalizePostcode(req.Origin.CountryCode, req.Origin.PostalCode),
		DestinationZIPCode: carrier.NormalizePostcode(req.Destination.CountryCode, req.Destination.PostalCode),
		Weight:             req.WeightLb,
		Length:             req.Dimensions.Length,
		Width:              req.Dimensions.Width,
		Height:             req.Dimensions.Height,
		PriceType:          "COMMERCIAL",
		MailingDate:        c.now().Format("2006-01-02"),
	}
}

func (c *Client) buildLabelRequest(req *carrier.LabelRequest) *LabelAPIRequest {
	format := c.config.LabelFormat
	if req.Format != "" {
		format = req.Format
	}
	r := &LabelAPIRequest{
		ImageInfo: ImageInfo{
			ImageType: labelImageType(format),
			LabelType: "4X6LABEL",
		},
		FromAddress: toAddress(req.Shipper),
		ToAddress:   toAddress(req.Recipient),
		PackageDesc: PackageDesc{
			MailClass:                    req.MethodCode,
			RateIndicator:                "SP",
			ProcessingCategory:           "MACHINABLE",
			Weight:                       req.WeightLb,
			Length:                       req.Dimensions.Length,
			Width:                        req.Dimensions.Width,
			Height:                       req.Dimensions.Height,
			MailingDate:                  c.now().Format("2006-01-02"),
			DestinationEntryFacilityType: "NONE",
		},
	}
	if req.OrderRef != "" {
		r.CustomerRefs = []CustomerRef{{ReferenceNumber: req.OrderRef}}
	}
	return r
}

func toAddress(a carrier.Address) LabelAddress {
	first, last := splitName(a.Name)
	return LabelAddress{
		FirstName:        first,
		LastName:         last,
		Firm:             a.Company,
		StreetAddress:    a.Line1,
		SecondaryAddress: a.Line2,
		City:             a.City,
		State:            a.Region,
		ZIPCode:          carrier.NormalizePostcode(a.CountryCode, a.PostalCode),
		Phone:            a.Phone,
		Email:            a.Email,
	}
}

func splitName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	if i := strings.LastIndex(name, " "); i > 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

var serviceNames = map[string]string{
	"USPS_GROUND_ADVANTAGE": "USPS Ground Advantage",
	"PRIORITY_MAIL":         "Priority Mail",
	"PRIORITY_MAIL_EXPRESS": "Priority Mail Express",
	"FIRST-CLASS_PACKAGE":   "First-Class Package",
	"PARCEL_SELECT":         "Parcel Select",
	"MEDIA_MAIL":            "Media Mail",
}

func serviceTitle(d RateDetail) string {
	if name, ok := serviceNames[d.MailClass]; ok {
		return name
	}
	if d.Description != "" {
		return d.Description
	}
	return "USPS " + d.MailClass
}

// commitmentDays matches "2 Days", "1 Day" and "1-3 Days".
var commitmentDays = regexp.MustCompile(`^(\d+)(?:-(\d+))?\s+Days?$`)

// commitmentToEstimate converts a day-count service standard into an
// estimate with a concrete delivery date, skipping weekends.
func (c *Client) commitmentToEstimate(d RateDetail) (carrier.TransitEstimate, bool) {
	if d.Commitment == nil {
		return carrier.TransitEstimate{}, false
	}

	est := carrier.TransitEstimate{
		CarrierCode: carrierName,
		MethodCode:  d.MailClass,
		Guaranteed:  d.Commitment.GuaranteedDelivery,
	}

	if m := commitmentDays.FindStringSubmatch(d.Commitment.Name); m != nil {
		min, _ := strconv.Atoi(m[1])
		max := min
		if m[2] != "" {
			max, _ = strconv.Atoi(m[2])
		}
		est.BusinessDaysMin = &min
		est.BusinessDaysMax = &max

		delivery := carrier.AddBusinessDays(c.now(), max)
		est.DeliveryDate = &delivery
		est.DeliveryDay = delivery.Weekday().String()
	}

	if d.Commitment.ScheduleDeliveryDate != "" {
		if t, err := time.Parse("2006-01-02", d.Commitment.ScheduleDeliveryDate); err == nil {
			est.DeliveryDate = &t
			est.DeliveryDay = t.Weekday().String()
		}
	}

	return est, est.BusinessDaysMin != nil || est.DeliveryDate != nil
}

func labelImageType(f carrier.LabelFormat) string {
	switch f {
	case carrier.LabelZPL:
		return "ZPL203DPI"
	case carrier.LabelPNG:
		return "TIFF"
	default:
		return "PDF"
	}
}

func mapEventType(code string) carrier.EventType {
	switch code {
	case "MA", "GX":
		return carrier.EventLabelCreated
	case "03", "OA":
		return carrier.EventPickedUp
	case "10", "NT", "SF", "EF":
		return carrier.EventInTransit
	case "OF", "59":
		return carrier.EventOutForDelivery
	case "01":
		return carrier.EventDelivered
	case "02", "04", "05", "21":
		return carrier.EventException
	default:
		return carrier.EventUnknown
	}
}

var (
	_ carrier.Carrier        = (*Client)(nil)
	_ carrier.WebhookHandler = (*Client)(nil)
)
