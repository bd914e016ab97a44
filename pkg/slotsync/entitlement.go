package slotsync

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Property is a name/value pair attached to a line item.
type Property struct {
	Name  string
	Value string
}

// OrderLine is the entitlement-relevant view of an order line item.
type OrderLine struct {
	ID               string
	VariantID        string
	SKU              string
	Title            string
	VariantTitle     string
	Name             string
	Quantity         int
	Properties       []Property
	CustomAttributes []Property
}

// RefundLine is one refunded line. LineItem is the embedded original line when the payload carries it.
type RefundLine struct {
	LineItemID string
	Quantity   int
	LineItem   *OrderLine
}

// Entitlement is the result of a unit computation.
type Entitlement struct {
	Total int         `json:"total"`
	Lines []LineUnits `json:"lines"`
}

var bundleKeys = map[string]struct{}{
	"units per bundle": {},
	"unit per bundle":  {},
	"bundle units":     {},
	"units_per_bundle": {},
	"unitsperbundle":   {},
	"bundle_units":     {},
	"pack_size":        {},
}

var (
	packOfPattern = regexp.MustCompile(`pack\s+of\s+(\d+)`)
	parenPattern  = regexp.MustCompile(`\((\d+)\)`)
)

// BundleSizeFromProperties returns the first finite positive bundle size found
// under a recognized key, floored to an integer.
func BundleSizeFromProperties(props []Property) (int, bool) {
	for _, p := range props {
		key := strings.ToLower(strings.TrimSpace(p.Name))
		if _, ok := bundleKeys[key]; !ok {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(p.Value), 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
			continue
		}
		if f := int(math.Floor(n)); f > 0 {
			return f, true
		}
	}
	return 0, false
}

// BundleSizeFromTitle applies the variant-title heuristic:
// "pack of N", then "(N)" not followed by '%', then the first standalone
// integer not followed by '%'.
func BundleSizeFromTitle(title string) (int, bool) {
	s := strings.ToLower(strings.TrimSpace(title))
	if s == "" {
		return 0, false
	}

	if m := packOfPattern.FindStringSubmatch(s); m != nil {
		if n, _ := strconv.Atoi(m[1]); n > 0 {
			return n, true
		}
	}

	if loc := parenPattern.FindStringSubmatchIndex(s); loc != nil {
		rest := strings.TrimLeft(s[loc[1]:], " \t")
		if !strings.HasPrefix(rest, "%") {
			if n, _ := strconv.Atoi(s[loc[2]:loc[3]]); n > 0 {
				return n, true
			}
		}
	}

	return firstStandaloneInt(s)
}

func firstStandaloneInt(s string) (int, bool) {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) || (i > 0 && !isSpace(s[i-1])) {
			continue
		}
		j := i
		for j < len(s) && isDigit(s[j]) {
			j++
		}
		rest := strings.TrimLeft(s[j:], " \t")
		if !strings.HasPrefix(rest, "%") {
			if n, err := strconv.Atoi(s[i:j]); err == nil && n > 0 {
				return n, true
			}
		}
		i = j
	}
	return 0, false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// BundleSize resolves the bundle size of an order line: properties, then
// custom attributes, then the variant title, defaulting to 1.
func BundleSize(line OrderLine) int {
	if n, ok := BundleSizeFromProperties(line.Properties); ok {
		return n
	}
	if n, ok := BundleSizeFromProperties(line.CustomAttributes); ok {
		return n
	}
	if n, ok := BundleSizeFromTitle(line.VariantTitle); ok {
		return n
	}
	return 1
}

// ComputeOrderUnits sums quantity times bundle size over lines with positive quantity.
func ComputeOrderUnits(lines []OrderLine) Entitlement {
	out := Entitlement{Lines: make([]LineUnits, 0, len(lines))}
	for _, li := range lines {
		if li.Quantity <= 0 {
			continue
		}
		per := BundleSize(li)
		units := li.Quantity * per
		out.Total += units
		out.Lines = append(out.Lines, LineUnits{
			LineItemID:     li.ID,
			VariantID:      li.VariantID,
			SKU:            li.SKU,
			Title:          li.Title,
			VariantTitle:   li.VariantTitle,
			Quantity:       li.Quantity,
			UnitsPerBundle: per,
			Units:          units,
		})
	}
	return out
}

// ComputeRefundUnits sums refunded units. Each known breakdown is searched in
// order for the refunded line's bundle size when the refund payload itself
// does not carry one.
func ComputeRefundUnits(lines []RefundLine, known ...[]LineUnits) Entitlement {
	out := Entitlement{Lines: make([]LineUnits, 0, len(lines))}
	for _, rl := range lines {
		if rl.Quantity <= 0 {
			continue
		}
		id := rl.LineItemID
		var variantTitle string
		if rl.LineItem != nil {
			if rl.LineItem.ID != "" {
				id = rl.LineItem.ID
			}
			variantTitle = rl.LineItem.VariantTitle
		}
		per := refundBundleSize(rl, id, known)
		units := rl.Quantity * per
		out.Total += units
		out.Lines = append(out.Lines, LineUnits{
			LineItemID:     id,
			VariantTitle:   variantTitle,
			Quantity:       rl.Quantity,
			UnitsPerBundle: per,
			Units:          units,
		})
	}
	return out
}

func refundBundleSize(rl RefundLine, lineItemID string, known [][]LineUnits) int {
	if li := rl.LineItem; li != nil {
		if n, ok := BundleSizeFromProperties(li.Properties); ok && n > 1 {
			return n
		}
		if n, ok := BundleSizeFromProperties(li.CustomAttributes); ok && n > 1 {
			return n
		}
	}
	if lineItemID != "" {
		for _, breakdown := range known {
			for _, l := range breakdown {
				if l.LineItemID == lineItemID && l.UnitsPerBundle > 0 {
					return l.UnitsPerBundle
				}
			}
		}
	}
	if rl.LineItem != nil {
		if n, ok := BundleSizeFromTitle(rl.LineItem.VariantTitle); ok {
			return n
		}
	}
	return 1
}

// ComputeSlots derives net and available units. Net is never clamped.
func ComputeSlots(purchased, refunded, used int) (net, available int) {
	net = purchased - refunded
	available = net - used
	if available < 0 {
		available = 0
	}
	return net, available
}

// NextPlanStatus derives the plan status from the running balance.
// Once credited (active or refunded) an account never falls back to
// inactive; purchased can return to 0 through an order edit.
func NextPlanStatus(current PlanStatus, purchased, net int) PlanStatus {
	switch {
	case net > 0:
		return PlanActive
	case purchased > 0:
		return PlanRefunded
	case current == PlanActive, current == PlanRefunded:
		return PlanRefunded
	default:
		return PlanInactive
	}
}
