package carrier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddBusinessDays_SkipsWeekends(t *testing.T) {
	// 2024-03-01 is a Friday.
	friday := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), AddBusinessDays(friday, 1))
	assert.Equal(t, time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC), AddBusinessDays(friday, 3))
	assert.Equal(t, friday, AddBusinessDays(friday, 0))
}

func TestEnsureTransitCoverage_FillsDegenerate(t *testing.T) {
	res := &QuoteResult{
		Rates: []Rate{
			{CarrierCode: "ups", MethodCode: "03", Cost: 10},
			{CarrierCode: "ups", MethodCode: "02", Cost: 20},
		},
		Transit: map[string]TransitEstimate{
			"ups_02": {CarrierCode: "ups", MethodCode: "02", Guaranteed: true},
		},
	}

	EnsureTransitCoverage(res)

	// Every rate has an entry; the existing one is untouched.
	require.Len(t, res.Transit, 2)
	assert.True(t, res.Transit["ups_02"].Guaranteed)

	deg := res.Transit["ups_03"]
	assert.Nil(t, deg.BusinessDaysMin)
	assert.Nil(t, deg.BusinessDaysMax)
	assert.False(t, deg.Guaranteed)
}

func TestEnsureTransitCoverage_NilMap(t *testing.T) {
	res := &QuoteResult{Rates: []Rate{{CarrierCode: "usps", MethodCode: "PRIORITY_MAIL", Cost: 8}}}
	EnsureTransitCoverage(res)
	require.NotNil(t, res.Transit)
	_, ok := res.Transit["usps_PRIORITY_MAIL"]
	assert.True(t, ok)
}

func TestApplySchedule(t *testing.T) {
	res := &QuoteResult{
		Rates:   []Rate{{CarrierCode: "fedex", MethodCode: "FEDEX_GROUND", Cost: 12}},
		Transit: map[string]TransitEstimate{},
	}
	EnsureTransitCoverage(res)
	ApplySchedule(res, 14, 16, 1, []time.Weekday{time.Monday, time.Wednesday})

	est := res.Transit["fedex_FEDEX_GROUND"]
	assert.Equal(t, 14, est.CutoffHour)
	assert.Equal(t, 16, est.PickupHour)
	assert.Equal(t, 1, est.GraceDays)
	assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday}, est.PickupDays)
}
