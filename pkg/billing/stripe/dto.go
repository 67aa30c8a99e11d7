package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/entitlements/pkg/billing"
	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// Metadata keys that may carry the internal account id
var accountIDMetadataKeys = []string{"userId", "user_id", "account_id"}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ref is an expandable Stripe field: either a bare id or an object with an id.
type ref struct {
	ID       string            `json:"id"`
	Email    string            `json:"email,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r *ref) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	type plain ref
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = ref(p)
	return nil
}

func (r *ref) id() string {
	if r == nil {
		return ""
	}
	return r.ID
}

type priceDTO struct {
	ID        string `json:"id" validate:"required"`
	LookupKey string `json:"lookup_key"`
	Type      string `json:"type"`
}

type lineItemDTO struct {
	Price    *priceDTO `json:"price" validate:"omitempty"`
	Quantity int64     `json:"quantity" validate:"gte=0"`
}

type lineItemListDTO struct {
	Data    []lineItemDTO `json:"data" validate:"dive"`
	HasMore bool          `json:"has_more"`
}

type customerDetailsDTO struct {
	Email string `json:"email"`
}

// checkoutSessionDTO is the subset of a Checkout Session the processor reads
type checkoutSessionDTO struct {
	ID                string              `json:"id" validate:"required"`
	Mode              string              `json:"mode" validate:"required,oneof=payment subscription setup"`
	PaymentStatus     string              `json:"payment_status" validate:"required"`
	ClientReferenceID string              `json:"client_reference_id"`
	Customer          *ref                `json:"customer"`
	CustomerEmail     string              `json:"customer_email"`
	CustomerDetails   *customerDetailsDTO `json:"customer_details"`
	Subscription      *ref                `json:"subscription"`
	Invoice           *ref                `json:"invoice"`
	Metadata          map[string]string   `json:"metadata"`
	AmountTotal       int64               `json:"amount_total"`
	Currency          string              `json:"currency"`
	LineItems         *lineItemListDTO    `json:"line_items" validate:"omitempty"`
}

func (s *checkoutSessionDTO) paid() bool {
	return s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

func (s *checkoutSessionDTO) hints() entitlement.UserHints {
	h := entitlement.UserHints{
		AccountID:  metadataAccountID(s.Metadata),
		CustomerID: s.Customer.id(),
		Email:      s.CustomerEmail,
	}
	if h.AccountID == "" {
		h.AccountID = s.ClientReferenceID
	}
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		h.Email = s.CustomerDetails.Email
	}
	if s.Customer != nil {
		if h.AccountID == "" {
			h.AccountID = metadataAccountID(s.Customer.Metadata)
		}
		if h.Email == "" {
			h.Email = s.Customer.Email
		}
	}
	return h
}

// firstPricedItem returns the first line item carrying a price
func (s *checkoutSessionDTO) firstPricedItem() (lineItemDTO, bool) {
	if s.LineItems == nil {
		return lineItemDTO{}, false
	}
	for _, item := range s.LineItems.Data {
		if item.Price != nil && item.Price.ID != "" {
			return item, true
		}
	}
	return lineItemDTO{}, false
}

type periodDTO struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type invoicePricingDTO struct {
	PriceDetails *struct {
		Price string `json:"price"`
	} `json:"price_details"`
}

type invoiceLineDTO struct {
	Price    *priceDTO          `json:"price" validate:"omitempty"`
	Pricing  *invoicePricingDTO `json:"pricing"`
	Period   *periodDTO         `json:"period"`
	Quantity int64              `json:"quantity" validate:"gte=0"`
}

func (l invoiceLineDTO) priceID() string {
	if l.Price != nil && l.Price.ID != "" {
		return l.Price.ID
	}
	if l.Pricing != nil && l.Pricing.PriceDetails != nil {
		return l.Pricing.PriceDetails.Price
	}
	return ""
}

func (l invoiceLineDTO) lookupKey() string {
	if l.Price != nil {
		return l.Price.LookupKey
	}
	return ""
}

type invoiceLineListDTO struct {
	Data    []invoiceLineDTO `json:"data" validate:"dive"`
	HasMore bool             `json:"has_more"`
}

type subscriptionDetailsDTO struct {
	Subscription *ref             `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// invoiceDTO is the subset of an Invoice the processor reads. It accepts both
// the legacy top-level subscription fields and the newer parent.subscription_details.
type invoiceDTO struct {
	ID                  string                  `json:"id" validate:"required"`
	Customer            *ref                    `json:"customer"`
	CustomerEmail       string                  `json:"customer_email"`
	Subscription        *ref                    `json:"subscription"`
	SubscriptionDetails *subscriptionDetailsDTO `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetailsDTO `json:"subscription_details"`
	} `json:"parent"`
	Metadata   map[string]string   `json:"metadata"`
	AmountPaid int64               `json:"amount_paid"`
	AmountDue  int64               `json:"amount_due"`
	Currency   string              `json:"currency"`
	PeriodEnd  int64               `json:"period_end"`
	Lines      *invoiceLineListDTO `json:"lines" validate:"omitempty"`
}

func (inv *invoiceDTO) subscriptionDetails() *subscriptionDetailsDTO {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails
	}
	return inv.SubscriptionDetails
}

func (inv *invoiceDTO) subscriptionID() string {
	if d := inv.subscriptionDetails(); d != nil && d.Subscription.id() != "" {
		return d.Subscription.id()
	}
	return inv.Subscription.id()
}

func (inv *invoiceDTO) hints() entitlement.UserHints {
	h := entitlement.UserHints{
		CustomerID: inv.Customer.id(),
		Email:      inv.CustomerEmail,
	}
	if d := inv.subscriptionDetails(); d != nil {
		h.AccountID = metadataAccountID(d.Metadata)
	}
	if h.AccountID == "" {
		h.AccountID = metadataAccountID(inv.Metadata)
	}
	if inv.Customer != nil {
		if h.AccountID == "" {
			h.AccountID = metadataAccountID(inv.Customer.Metadata)
		}
		if h.Email == "" {
			h.Email = inv.Customer.Email
		}
	}
	return h
}

// subscriptionLine returns the first line with a price, preferring one with a billing period
func (inv *invoiceDTO) subscriptionLine() (invoiceLineDTO, bool) {
	if inv.Lines == nil {
		return invoiceLineDTO{}, false
	}
	var fallback *invoiceLineDTO
	for i := range inv.Lines.Data {
		line := inv.Lines.Data[i]
		if line.priceID() == "" {
			continue
		}
		if line.Period != nil && line.Period.End > 0 {
			return line, true
		}
		if fallback == nil {
			fallback = &inv.Lines.Data[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return invoiceLineDTO{}, false
}

// periodEnd returns the billing period end carried by the invoice data
func (inv *invoiceDTO) periodEnd(line invoiceLineDTO) time.Time {
	if line.Period != nil && line.Period.End > 0 {
		return time.Unix(line.Period.End, 0).UTC()
	}
	if inv.PeriodEnd > 0 {
		return time.Unix(inv.PeriodEnd, 0).UTC()
	}
	return time.Time{}
}

type subscriptionItemDTO struct {
	Price *priceDTO `json:"price" validate:"omitempty"`
}

// subscriptionDTO is the subset of a Subscription the processor reads
type subscriptionDTO struct {
	ID       string            `json:"id" validate:"required"`
	Status   string            `json:"status"`
	Customer *ref              `json:"customer"`
	Metadata map[string]string `json:"metadata"`
	Items    *struct {
		Data []subscriptionItemDTO `json:"data" validate:"dive"`
	} `json:"items" validate:"omitempty"`
}

func (s *subscriptionDTO) hints() entitlement.UserHints {
	h := entitlement.UserHints{
		AccountID:  metadataAccountID(s.Metadata),
		CustomerID: s.Customer.id(),
	}
	if s.Customer != nil {
		if h.AccountID == "" {
			h.AccountID = metadataAccountID(s.Customer.Metadata)
		}
		h.Email = s.Customer.Email
	}
	return h
}

// customerDTO is the subset of a Customer the processor reads
type customerDTO struct {
	ID       string            `json:"id" validate:"required"`
	Email    string            `json:"email"`
	Deleted  bool              `json:"deleted"`
	Metadata map[string]string `json:"metadata"`
}

// decodeObject decodes raw JSON into dst and validates it. Any failure wraps
// billing.ErrInvalidWebhookPayload.
func decodeObject(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty object", billing.ErrInvalidWebhookPayload)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return nil
}

func metadataAccountID(md map[string]string) string {
	for _, k := range accountIDMetadataKeys {
		if v := strings.TrimSpace(md[k]); v != "" {
			return v
		}
	}
	return ""
}
