package usps

import "context"

// APIClient defines the interface for USPS API operations.
//
// Label operations require a payment authorization token in addition
// to the OAuth bearer token; implementations own acquiring both.
type APIClient interface {
	// GetRates fetches total rates for all eligible mail classes.
	GetRates(ctx context.Context, req *RateRequest) (*RateResponse, error)

	// CreateLabel purchases postage and returns the label.
	CreateLabel(ctx context.Context, req *LabelAPIRequest) (*LabelAPIResponse, error)

	// VoidLabel cancels an unused label by tracking number.
	VoidLabel(ctx context.Context, trackingNumber string) error
}

// ============================================================================
// Rates API types (POST /prices/v3/total-rates/search)
// ============================================================================

// RateRequest is the USPS total-rates search request.
type RateRequest struct {
	OriginZIPCode      string   `json:"originZIPCode"`
	DestinationZIPCode string   `json:"destinationZIPCode"`
	Weight             float64  `json:"weight"` // pounds
	Length             float64  `json:"length,omitempty"`
	Width              float64  `json:"width,omitempty"`
	Height             float64  `json:"height,omitempty"`
	MailClasses        []string `json:"mailClasses,omitempty"`
	PriceType          string   `json:"priceType"` // RETAIL, COMMERCIAL
	MailingDate        string   `json:"mailingDate,omitempty"`
}

// RateResponse is the total-rates search reply.
type RateResponse struct {
	RateOptions []RateOption `json:"rateOptions"`
}

// RateOption groups the rates for one mail class.
type RateOption struct {
	TotalBasePrice float64      `json:"totalBasePrice"`
	Rates          []RateDetail `json:"rates"`
}

// RateDetail is one priced mail class with its service commitment.
type RateDetail struct {
	SKU         string      `json:"SKU"`
	Description string      `json:"description"`
	MailClass   string      `json:"mailClass"`
	Zone        string      `json:"zone,omitempty"`
	Price       float64     `json:"price"`
	Commitment  *Commitment `json:"commitment,omitempty"`
}

// Commitment is the service standard, expressed in business days
// rather than a concrete date. Name forms like "2 Days" or "1-3 Days".
type Commitment struct {
	Name                 string `json:"name"`
	ScheduleDeliveryDate string `json:"scheduleDeliveryDate,omitempty"` // YYYY-MM-DD
	GuaranteedDelivery   bool   `json:"guaranteedDelivery"`
}

// ============================================================================
// Labels API types (POST /labels/v3/label)
// ============================================================================

// LabelAPIRequest is the USPS label purchase request.
type LabelAPIRequest struct {
	ImageInfo     ImageInfo     `json:"imageInfo"`
	ToAddress     LabelAddress  `json:"toAddress"`
	FromAddress   LabelAddress  `json:"fromAddress"`
	PackageDesc   PackageDesc   `json:"packageDescription"`
	CustomerRefs  []CustomerRef `json:"customerReference,omitempty"`
}

// ImageInfo selects the label image format.
type ImageInfo struct {
	ImageType     string `json:"imageType"`               // PDF, TIFF, ZPL203DPI
	LabelType     string `json:"labelType"`               // 4X6LABEL
	ReceiptOption string `json:"receiptOption,omitempty"`
}

// LabelAddress is a USPS wire address.
type LabelAddress struct {
	FirstName        string `json:"firstName,omitempty"`
	LastName         string `json:"lastName,omitempty"`
	Firm             string `json:"firm,omitempty"`
	StreetAddress    string `json:"streetAddress"`
	SecondaryAddress string `json:"secondaryAddress,omitempty"`
	City             string `json:"city"`
	State            string `json:"state"`
	ZIPCode          string `json:"ZIPCode"`
	Phone            string `json:"phone,omitempty"`
	Email            string `json:"email,omitempty"`
}

// PackageDesc describes the mailpiece.
type PackageDesc struct {
	MailClass                    string  `json:"mailClass"`
	RateIndicator                string  `json:"rateIndicator"`                // SP single piece
	ProcessingCategory           string  `json:"processingCategory"`           // MACHINABLE
	Weight                       float64 `json:"weight"`
	Length                       float64 `json:"length,omitempty"`
	Width                        float64 `json:"width,omitempty"`
	Height                       float64 `json:"height,omitempty"`
	MailingDate                  string  `json:"mailingDate"`
	DestinationEntryFacilityType string  `json:"destinationEntryFacilityType"` // NONE
}

// CustomerRef carries the merchant order reference.
type CustomerRef struct {
	ReferenceNumber string `json:"referenceNumber"`
}

// LabelAPIResponse is the label purchase reply.
type LabelAPIResponse struct {
	LabelMetadata LabelMetadata `json:"labelMetadata"`
	LabelImage    string        `json:"labelImage"` // base64
}

// LabelMetadata carries the tracking number and postage paid.
type LabelMetadata struct {
	TrackingNumber string  `json:"trackingNumber"`
	Postage        float64 `json:"postage"`
	SKU            string  `json:"SKU,omitempty"`
	LabelBrokerID  string  `json:"labelBrokerID,omitempty"`
}

// ============================================================================
// OAuth + payment authorization types
// ============================================================================

// tokenRequest is the JSON body of the OAuth grant. USPS takes the
// credentials as JSON, not form-encoded.
type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// paymentAuthRequest authorizes an enterprise payment account for
// label purchases.
type paymentAuthRequest struct {
	Roles []paymentRole `json:"roles"`
}

type paymentRole struct {
	RoleName      string `json:"roleName"` // PAYER, LABEL_OWNER
	CRID          string `json:"CRID"`
	MID           string `json:"MID"`
	AccountType   string `json:"accountType"` // EPS
	AccountNumber string `json:"accountNumber"`
}

type paymentAuthResponse struct {
	PaymentAuthorizationToken string `json:"paymentAuthorizationToken"`
}

// APIError is the USPS error envelope.
type APIError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Code   string `json:"code"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors,omitempty"`
	} `json:"error"`
}

// Message returns the most specific carrier-supplied message.
func (e *APIError) Message() string {
	if len(e.Error.Errors) > 0 && e.Error.Errors[0].Detail != "" {
		return e.Error.Errors[0].Detail
	}
	return e.Error.Message
}

// Code returns the carrier-supplied error code.
func (e *APIError) Code() string {
	return e.Error.Code
}
