// Package messages defines the wire shapes published to the broker.
package messages

import (
	"encoding/json"
	"time"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

// TrackingEventReceived announces a newly persisted carrier event.
type TrackingEventReceived struct {
	EventID        int64           `json:"event_id,omitempty"`
	TrackingNumber string          `json:"tracking_number"`
	CarrierCode    string          `json:"carrier_code"`
	EventCode      string          `json:"event_code"`
	EventType      string          `json:"event_type"`
	Description    string          `json:"description,omitempty"`
	EventTime      time.Time       `json:"event_time"`
	City           string          `json:"city,omitempty"`
	Region         string          `json:"region,omitempty"`
	CountryCode    string          `json:"country_code,omitempty"`
	PostalCode     string          `json:"postal_code,omitempty"`
	SignedBy       string          `json:"signed_by,omitempty"`
	TrackID        *int64          `json:"track_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// FromTrackingEvent converts a canonical event into its broker shape.
func FromTrackingEvent(e *carrier.TrackingEvent) TrackingEventReceived {
	return TrackingEventReceived{
		EventID:        e.ID,
		TrackingNumber: e.TrackingNumber,
		CarrierCode:    e.CarrierCode,
		EventCode:      e.EventCode,
		EventType:      string(e.EventType),
		Description:    e.Description,
		EventTime:      e.EventTime.UTC(),
		City:           e.City,
		Region:         e.Region,
		CountryCode:    e.CountryCode,
		PostalCode:     e.PostalCode,
		SignedBy:       e.SignedBy,
		TrackID:        e.TrackID,
		Payload:        e.RawPayload,
	}
}
