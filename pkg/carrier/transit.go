package carrier

import "time"

// AddBusinessDays walks forward from start by n business days,
// skipping Saturdays and Sundays.
func AddBusinessDays(start time.Time, n int) time.Time {
	d := start
	for n > 0 {
		d = d.AddDate(0, 0, 1)
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		n--
	}
	return d
}

// EnsureTransitCoverage guarantees that every rate in the result has a
// transit entry, inserting a degenerate estimate (no business days, not
// guaranteed) where the carrier provided none. Callers never branch on
// a missing transit lookup.
func EnsureTransitCoverage(res *QuoteResult) {
	if res == nil {
		return
	}
	if res.Transit == nil {
		res.Transit = make(map[string]TransitEstimate, len(res.Rates))
	}
	for _, r := range res.Rates {
		key := MethodKey(r.CarrierCode, r.MethodCode)
		if _, ok := res.Transit[key]; ok {
			continue
		}
		res.Transit[key] = TransitEstimate{
			CarrierCode: r.CarrierCode,
			MethodCode:  r.MethodCode,
		}
	}
}

// ApplySchedule stamps store-level cutoff/pickup/grace settings onto
// every transit entry so presentation code reads one shape.
func ApplySchedule(res *QuoteResult, cutoffHour, pickupHour, graceDays int, pickupDays []time.Weekday) {
	if res == nil || res.Transit == nil {
		return
	}
	for key, est := range res.Transit {
		est.CutoffHour = cutoffHour
		est.PickupHour = pickupHour
		est.GraceDays = graceDays
		est.PickupDays = pickupDays
		res.Transit[key] = est
	}
}
