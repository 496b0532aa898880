package carrier

// PricingPolicy holds the per-store, per-carrier rate adjustments
// applied after carrier-native rates are normalized.
type PricingPolicy struct {
	HandlingFee           float64
	FreeShippingThreshold float64 // 0 disables free shipping
	AllowedMethods        []string
	MaxWeightLb           float64 // 0 means no limit
}

// MethodAllowed reports whether a method survives the allow-list.
// An empty list allows everything.
func (p PricingPolicy) MethodAllowed(methodCode string) bool {
	if len(p.AllowedMethods) == 0 {
		return true
	}
	for _, m := range p.AllowedMethods {
		if m == methodCode {
			return true
		}
	}
	return false
}

// WithinWeightLimit reports whether the package weight is shippable
// under this policy.
func (p PricingPolicy) WithinWeightLimit(weightLb float64) bool {
	return p.MaxWeightLb <= 0 || weightLb <= p.MaxWeightLb
}

// Apply filters and prices a normalized rate list. Rates with a
// non-positive carrier cost are discarded as a data-quality guard.
// The handling fee is added first; when the free-shipping threshold is
// met the final price is zeroed, so free shipping is fully free rather
// than "minus handling".
func (p PricingPolicy) Apply(rates []Rate, cartSubtotal float64) []Rate {
	free := p.FreeShippingThreshold > 0 && cartSubtotal >= p.FreeShippingThreshold

	out := make([]Rate, 0, len(rates))
	for _, r := range rates {
		if r.Cost <= 0 {
			continue
		}
		if !p.MethodAllowed(r.MethodCode) {
			continue
		}
		r.Price = r.Cost + p.HandlingFee
		if free {
			r.Price = 0
		}
		out = append(out, r)
	}
	return out
}
