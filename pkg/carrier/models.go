package carrier

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the normalized classification of a tracking event.
type EventType string

const (
	EventLabelCreated   EventType = "label_created"
	EventPickedUp       EventType = "picked_up"
	EventInTransit      EventType = "in_transit"
	EventOutForDelivery EventType = "out_for_delivery"
	EventDelivered      EventType = "delivered"
	EventException      EventType = "exception"
	EventCancelled      EventType = "cancelled"
	EventUnknown        EventType = "unknown"
)

// LabelFormat represents the byte format of a shipping label.
type LabelFormat string

const (
	LabelPDF LabelFormat = "pdf"
	LabelPNG LabelFormat = "png"
	LabelZPL LabelFormat = "zpl"
)

// Environment selects the carrier endpoint set.
type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

// SubscriptionType distinguishes account-level from per-tracking webhooks.
type SubscriptionType string

const (
	SubscriptionAccount  SubscriptionType = "account"
	SubscriptionTracking SubscriptionType = "tracking"
)

// SubscriptionStatus is the lifecycle state of a webhook registration.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionError    SubscriptionStatus = "error"
)

// Address represents a shipping origin or destination.
type Address struct {
	Name        string
	Company     string
	Line1       string
	Line2       string
	City        string
	Region      string // state or province code, e.g. "NY", "ON"
	PostalCode  string
	CountryCode string // ISO 3166-1 alpha-2
	Phone       string
	Email       string
	Residential bool
}

// Dimensions are package dimensions in inches.
type Dimensions struct {
	Length float64
	Width  float64
	Height float64
}

// QuoteRequest is a normalized rate request.
type QuoteRequest struct {
	StoreID      string
	SessionID    string // checkout session owning the transit estimates
	CartID       string // transit store is cleared when this changes
	Origin       Address
	Destination  Address
	WeightLb     float64
	Dimensions   Dimensions
	PackageType  string
	CartSubtotal float64 // order subtotal, drives free-shipping threshold
}

// Rate is a single normalized shipping rate.
type Rate struct {
	CarrierCode string
	MethodCode  string
	Title       string
	Price       float64 // customer-facing, includes handling fee
	Cost        float64 // carrier-quoted cost before adjustments
}

// TransitEstimate is the normalized delivery commitment for one method.
// BusinessDaysMin/Max of nil means the carrier provided no estimate;
// callers must treat such entries as valid, not missing.
type TransitEstimate struct {
	CarrierCode     string
	MethodCode      string
	BusinessDaysMin *int
	BusinessDaysMax *int
	DeliveryDate    *time.Time
	DeliveryDay     string // e.g. "Friday"
	DeliveryTime    string // e.g. "10:30"
	Guaranteed      bool
	CutoffHour      int
	PickupDays      []time.Weekday
	PickupHour      int
	GraceDays       int
}

// MethodKey returns the transit-map key for a carrier/method pair.
func MethodKey(carrierCode, methodCode string) string {
	return carrierCode + "_" + methodCode
}

// QuoteResult bundles rates with their transit estimates.
// Every rate has a corresponding Transit entry under MethodKey.
type QuoteResult struct {
	Rates   []Rate
	Transit map[string]TransitEstimate
}

// LabelRequest describes a shipment to book.
type LabelRequest struct {
	StoreID     string
	OrderRef    string
	MethodCode  string
	Shipper     Address
	Recipient   Address
	WeightLb    float64
	Dimensions  Dimensions
	PackageType string
	Format      LabelFormat
	Reference   string
}

// Label is the canonical booked-shipment result.
type Label struct {
	TrackingNumber string
	CarrierCode    string
	MethodCode     string
	Format         LabelFormat
	Image          []byte // decoded label bytes
	Cost           float64
	Currency       string
}

// TrackingEvent is the canonical, carrier-agnostic tracking record.
// (TrackingNumber, EventCode, EventTime) is the sole deduplication key.
type TrackingEvent struct {
	ID             int64
	TrackingNumber string
	CarrierCode    string
	EventCode      string // carrier-native
	EventType      EventType
	Description    string
	EventTime      time.Time
	City           string
	Region         string
	CountryCode    string
	PostalCode     string
	SignedBy       string
	ImageURL       string
	RawPayload     json.RawMessage
	EmailSent      bool
	TrackID        *int64 // linkage to the host's shipment track row
	CreatedAt      time.Time
}

// DedupKey renders the uniqueness tuple for logging and lookups.
func (e *TrackingEvent) DedupKey() string {
	return fmt.Sprintf("%s/%s/%s", e.TrackingNumber, e.EventCode, e.EventTime.UTC().Format(time.RFC3339))
}

// Subscription tracks an active webhook registration with a carrier.
type Subscription struct {
	ID            int64
	CarrierCode   string
	Type          SubscriptionType
	Target        string // account number or tracking number
	CallbackURL   string
	SecurityToken string
	Status        SubscriptionStatus
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
