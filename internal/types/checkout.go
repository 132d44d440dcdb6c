package types

// PlanTier identifies a subscription plan offered in the store.
type PlanTier string

const (
	PlanBasic   PlanTier = "basic"
	PlanPremium PlanTier = "premium"
)

// Plan pricing, in minor units of CheckoutCurrency.
const (
	PremiumUnitAmount int64 = 4990
	DefaultUnitAmount int64 = 2990

	// CheckoutCurrency is the ISO currency code used for all subscriptions.
	CheckoutCurrency = "brl"
)

// UnitAmount returns the monthly price of the plan. Any plan other than
// premium is billed at the default rate.
func (p PlanTier) UnitAmount() int64 {
	if p == PlanPremium {
		return PremiumUnitAmount
	}
	return DefaultUnitAmount
}

// ProductName is the label shown on the hosted checkout page.
func (p PlanTier) ProductName() string {
	return "Plano " + string(p)
}

// CheckoutIntent is the validated input to checkout-session creation. It is
// never stored.
type CheckoutIntent struct {
	Plan        PlanTier
	UserID      string
	Currency    string
	UnitAmount  int64
	ProductName string
}

// NewCheckoutIntent builds an intent with pricing resolved from the plan.
func NewCheckoutIntent(plan PlanTier, userID string) CheckoutIntent {
	return CheckoutIntent{
		Plan:        plan,
		UserID:      userID,
		Currency:    CheckoutCurrency,
		UnitAmount:  plan.UnitAmount(),
		ProductName: plan.ProductName(),
	}
}

// RedirectURLs are where the hosted checkout page sends the user afterwards.
type RedirectURLs struct {
	Success string
	Cancel  string
}

// CheckoutSession is the provider's answer to a checkout request.
type CheckoutSession struct {
	URL string `json:"url"`
	ID  string `json:"sessionId"`
}
