package firestore

import (
	"math"
	"strconv"
	"time"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

func encodeAccount(a *slotsync.Account) map[string]interface{} {
	data := map[string]interface{}{
		"shopifyCustomerId":     a.ID,
		"firstName":             a.FirstName,
		"lastName":              a.LastName,
		"displayName":           a.DisplayName,
		"slotsPurchasedTotal":   a.SlotsPurchased,
		"slotsRefundedTotal":    a.SlotsRefunded,
		"slotsUsed":             a.SlotsUsed,
		"slotsNet":              a.SlotsNet,
		"slotsAvailable":        a.SlotsAvailable,
		"planStatus":            string(a.PlanStatus),
		"entitlementLastReason": a.EntitlementLastReason,
	}
	putString(data, "shopifyEmail", a.ShopifyEmail)
	putString(data, "shopifyEmailLower", a.ShopifyEmailLower)
	putString(data, "email", a.Email)
	putString(data, "emailLower", a.EmailLower)
	putString(data, "authUid", a.AuthUID)
	putString(data, "lastLoginMethod", a.LastLoginMethod)
	putString(data, "lastLoginProvider", a.LastLoginProvider)
	putTime(data, "entitlementUpdatedAt", a.EntitlementUpdatedAt)
	putTime(data, "lastLoginAt", a.LastLoginAt)
	putTime(data, "authLinkedAt", a.AuthLinkedAt)
	putTime(data, "shopifyPasswordSetAt", a.ShopifyPasswordSetAt)
	putTime(data, "createdAt", a.CreatedAt)
	putTime(data, "updatedAt", a.UpdatedAt)
	return data
}

func decodeAccount(id string, data map[string]interface{}) *slotsync.Account {
	return &slotsync.Account{
		ID:                    id,
		ShopifyEmail:          getString(data, "shopifyEmail"),
		ShopifyEmailLower:     getString(data, "shopifyEmailLower"),
		Email:                 getString(data, "email"),
		EmailLower:            getString(data, "emailLower"),
		FirstName:             getString(data, "firstName"),
		LastName:              getString(data, "lastName"),
		DisplayName:           getString(data, "displayName"),
		SlotsPurchased:        getInt(data, "slotsPurchasedTotal"),
		SlotsRefunded:         getInt(data, "slotsRefundedTotal"),
		SlotsUsed:             getInt(data, "slotsUsed"),
		SlotsNet:              getInt(data, "slotsNet"),
		SlotsAvailable:        getInt(data, "slotsAvailable"),
		PlanStatus:            slotsync.ParsePlanStatus(getString(data, "planStatus")),
		AuthUID:               getString(data, "authUid"),
		EntitlementLastReason: getString(data, "entitlementLastReason"),
		EntitlementUpdatedAt:  getTime(data, "entitlementUpdatedAt"),
		LastLoginAt:           getTime(data, "lastLoginAt"),
		LastLoginMethod:       getString(data, "lastLoginMethod"),
		LastLoginProvider:     getString(data, "lastLoginProvider"),
		AuthLinkedAt:          getTime(data, "authLinkedAt"),
		ShopifyPasswordSetAt:  getTime(data, "shopifyPasswordSetAt"),
		CreatedAt:             getTime(data, "createdAt"),
		UpdatedAt:             getTime(data, "updatedAt"),
	}
}

func encodeIndex(e *slotsync.EmailIndexEntry) map[string]interface{} {
	data := map[string]interface{}{
		"emailLower":        e.EmailLower,
		"shopifyCustomerId": e.AccountID,
	}
	putTime(data, "createdAt", e.CreatedAt)
	putTime(data, "updatedAt", e.UpdatedAt)
	return data
}

func decodeIndex(email string, data map[string]interface{}) *slotsync.EmailIndexEntry {
	return &slotsync.EmailIndexEntry{
		EmailLower: email,
		AccountID:  getString(data, "shopifyCustomerId"),
		CreatedAt:  getTime(data, "createdAt"),
		UpdatedAt:  getTime(data, "updatedAt"),
	}
}

func encodeConflict(c *slotsync.IdentityConflict) map[string]interface{} {
	data := map[string]interface{}{
		"emailLower":                 c.EmailLower,
		"attemptedShopifyCustomerId": c.AttemptedAccountID,
		"existingShopifyCustomerId":  c.ExistingAccountID,
		"source":                     c.Source,
	}
	putTime(data, "createdAt", c.CreatedAt)
	return data
}

func decodeConflict(data map[string]interface{}) *slotsync.IdentityConflict {
	return &slotsync.IdentityConflict{
		EmailLower:         getString(data, "emailLower"),
		AttemptedAccountID: getString(data, "attemptedShopifyCustomerId"),
		ExistingAccountID:  getString(data, "existingShopifyCustomerId"),
		Source:             getString(data, "source"),
		CreatedAt:          getTime(data, "createdAt"),
	}
}

func encodeEvent(e *slotsync.WebhookEvent) map[string]interface{} {
	data := map[string]interface{}{
		"dedupeId":    e.Key,
		"status":      string(e.Status),
		"attempts":    e.Attempts,
		"topic":       e.Meta.Topic,
		"shopDomain":  e.Meta.ShopDomain,
		"triggeredAt": e.Meta.TriggeredAt,
		"orderId":     e.Meta.OrderID,
		"customerId":  e.Meta.CustomerID,
		"refundId":    e.Meta.RefundID,
	}
	putString(data, "error", e.LastError)
	putTime(data, "createdAt", e.FirstSeenAt)
	putTime(data, "lastSeenAt", e.LastSeenAt)
	putTime(data, "retriedAt", e.RetriedAt)
	putTime(data, "processedAt", e.ProcessedAt)
	putTime(data, "failedAt", e.FailedAt)
	putTime(data, "updatedAt", e.LastSeenAt)
	return data
}

func decodeEvent(key string, data map[string]interface{}) *slotsync.WebhookEvent {
	return &slotsync.WebhookEvent{
		Key:      key,
		Status:   slotsync.EventStatus(getString(data, "status")),
		Attempts: getInt(data, "attempts"),
		Meta: slotsync.EventMeta{
			Topic:       getString(data, "topic"),
			ShopDomain:  getString(data, "shopDomain"),
			TriggeredAt: getString(data, "triggeredAt"),
			OrderID:     getString(data, "orderId"),
			CustomerID:  getString(data, "customerId"),
			RefundID:    getString(data, "refundId"),
		},
		LastError:   getString(data, "error"),
		FirstSeenAt: getTime(data, "createdAt"),
		LastSeenAt:  getTime(data, "lastSeenAt"),
		RetriedAt:   getTime(data, "retriedAt"),
		ProcessedAt: getTime(data, "processedAt"),
		FailedAt:    getTime(data, "failedAt"),
	}
}

func encodeOrder(o *slotsync.OrderRecord) map[string]interface{} {
	data := map[string]interface{}{
		"shopifyOrderId":                o.OrderID,
		"latestUnitsTotal":              o.LatestUnitsTotal,
		"latestLines":                   encodeLines(o.LatestLines),
		"entitlementUnitsRefundedTotal": o.RefundedUnitsTotal,
		"lastEvent":                     o.LastEvent,
	}
	putString(data, "shopifyCustomerId", o.CustomerID)
	putString(data, "shopifyEmail", o.Email)
	putString(data, "financialStatus", o.FinancialStatus)
	putString(data, "fulfillmentStatus", o.FulfillmentStatus)
	putString(data, "cancelledAt", o.CancelledAt)
	putString(data, "cancelReason", o.CancelReason)
	if o.HasSnapshot {
		data["entitlementUnitsTotal"] = o.UnitsTotal
		data["entitlementLines"] = encodeLines(o.Lines)
	}
	if o.Credited != nil {
		data["entitlementUnitsCredited"] = *o.Credited
	}
	putTime(data, "processedAt", o.ProcessedAt)
	putTime(data, "creditedUpdatedAt", o.CreditedUpdatedAt)
	putTime(data, "lastRefundAt", o.LastRefundAt)
	putTime(data, "lastWebhookAt", o.LastWebhookAt)
	putTime(data, "createdAt", o.CreatedAt)
	putTime(data, "updatedAt", o.UpdatedAt)
	return data
}

func decodeOrder(id string, data map[string]interface{}) *slotsync.OrderRecord {
	o := &slotsync.OrderRecord{
		OrderID:            id,
		CustomerID:         getString(data, "shopifyCustomerId"),
		Email:              firstString(data, "shopifyEmail", "email"),
		LatestUnitsTotal:   getInt(data, "latestUnitsTotal"),
		LatestLines:        decodeLines(data["latestLines"]),
		RefundedUnitsTotal: getInt(data, "entitlementUnitsRefundedTotal"),
		FinancialStatus:    getString(data, "financialStatus"),
		FulfillmentStatus:  getString(data, "fulfillmentStatus"),
		CancelledAt:        getString(data, "cancelledAt"),
		CancelReason:       getString(data, "cancelReason"),
		LastEvent:          getString(data, "lastEvent"),
		ProcessedAt:        getTime(data, "processedAt"),
		CreditedUpdatedAt:  getTime(data, "creditedUpdatedAt"),
		LastRefundAt:       getTime(data, "lastRefundAt"),
		LastWebhookAt:      getTime(data, "lastWebhookAt"),
		CreatedAt:          getTime(data, "createdAt"),
		UpdatedAt:          getTime(data, "updatedAt"),
	}
	if _, ok := data["entitlementUnitsTotal"]; ok {
		if _, ok := data["entitlementLines"].([]interface{}); ok {
			o.HasSnapshot = true
			o.UnitsTotal = getInt(data, "entitlementUnitsTotal")
			o.Lines = decodeLines(data["entitlementLines"])
		}
	}
	// documents written before the credit marker was renamed carry slotsCredited
	for _, key := range []string{"entitlementUnitsCredited", "slotsCredited"} {
		if _, ok := data[key]; ok && data[key] != nil {
			v := getInt(data, key)
			o.Credited = &v
			break
		}
	}
	return o
}

func encodeRefund(r *slotsync.RefundRecord) map[string]interface{} {
	data := map[string]interface{}{
		"shopifyRefundId":          r.RefundID,
		"entitlementUnitsRefunded": r.UnitsRefunded,
		"entitlementLines":         encodeLines(r.Lines),
		"appliedUnits":             r.Applied,
		"lastEvent":                r.LastEvent,
	}
	putString(data, "shopifyOrderId", r.OrderID)
	putString(data, "shopifyCustomerId", r.CustomerID)
	putString(data, "amount", r.Amount)
	putString(data, "currency", r.Currency)
	putString(data, "rawReason", r.Note)
	putTime(data, "lastWebhookAt", r.LastWebhookAt)
	putTime(data, "createdAt", r.CreatedAt)
	putTime(data, "updatedAt", r.UpdatedAt)
	return data
}

func decodeRefund(id string, data map[string]interface{}) *slotsync.RefundRecord {
	return &slotsync.RefundRecord{
		RefundID:      id,
		OrderID:       getString(data, "shopifyOrderId"),
		CustomerID:    getString(data, "shopifyCustomerId"),
		Amount:        getString(data, "amount"),
		Currency:      getString(data, "currency"),
		Note:          getString(data, "rawReason"),
		UnitsRefunded: getInt(data, "entitlementUnitsRefunded"),
		Lines:         decodeLines(data["entitlementLines"]),
		Applied:       getInt(data, "appliedUnits"),
		LastEvent:     getString(data, "lastEvent"),
		LastWebhookAt: getTime(data, "lastWebhookAt"),
		CreatedAt:     getTime(data, "createdAt"),
		UpdatedAt:     getTime(data, "updatedAt"),
	}
}

func encodeLines(lines []slotsync.LineUnits) []interface{} {
	out := make([]interface{}, 0, len(lines))
	for _, l := range lines {
		out = append(out, map[string]interface{}{
			"lineItemId":     l.LineItemID,
			"variantId":      l.VariantID,
			"sku":            l.SKU,
			"title":          l.Title,
			"variantTitle":   l.VariantTitle,
			"quantity":       l.Quantity,
			"unitsPerBundle": l.UnitsPerBundle,
			"units":          l.Units,
		})
	}
	return out
}

func decodeLines(v interface{}) []slotsync.LineUnits {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]slotsync.LineUnits, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, slotsync.LineUnits{
			LineItemID:     getString(m, "lineItemId"),
			VariantID:      getString(m, "variantId"),
			SKU:            getString(m, "sku"),
			Title:          getString(m, "title"),
			VariantTitle:   getString(m, "variantTitle"),
			Quantity:       getInt(m, "quantity"),
			UnitsPerBundle: getInt(m, "unitsPerBundle"),
			Units:          getInt(m, "units"),
		})
	}
	return out
}

func putString(data map[string]interface{}, key, v string) {
	if v != "" {
		data[key] = v
	}
}

func putTime(data map[string]interface{}, key string, v time.Time) {
	if !v.IsZero() {
		data[key] = v
	}
}

// getString also accepts numbers, since ids written by older handlers may be numeric.
func getString(data map[string]interface{}, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func firstString(data map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v := getString(data, k); v != "" {
			return v
		}
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
