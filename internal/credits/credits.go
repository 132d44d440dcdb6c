// Package credits implements the stateless AI credit check. The caller
// supplies its current balance; nothing is persisted.
package credits

import "rhema/internal/types"

// CostPerCall is the number of credits one AI call consumes.
const CostPerCall = 1

// Result is the balance after a successful consumption.
type Result struct {
	Remaining int `json:"remaining"`
	Consumed  int `json:"consumed"`
}

// Consume deducts CostPerCall from creditsAvailable.
func Consume(creditsAvailable int) (Result, error) {
	if creditsAvailable <= 0 {
		return Result{}, types.NewAppError(types.ErrCodeInsufficientCredits, "Insufficient credits", nil)
	}
	return Result{Remaining: creditsAvailable - CostPerCall, Consumed: CostPerCall}, nil
}
