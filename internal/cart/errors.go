package cart

import "fmt"

// DomainError is a Decision's validation rejection (spec.md §7): surfaced to
// the caller verbatim, never retried by the Decision Maker. Reason is a
// short machine-matchable code (e.g. "ItemAlreadyInCart") and Detail names
// the offending id; callers errors.As to *DomainError to read both.
type DomainError struct {
	Reason string
	Detail string
}

func (e *DomainError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("cart: %s", e.Reason)
	}
	return fmt.Sprintf("cart: %s: %s", e.Reason, e.Detail)
}

func newDomainError(reason, detail string) error {
	return &DomainError{Reason: reason, Detail: detail}
}

const (
	ReasonItemAlreadyInCart = "ItemAlreadyInCart"
	ReasonCartAlreadySubmit = "CartAlreadySubmitted"
	ReasonInsufficientStock = "InsufficientInventory"
	ReasonItemNotInCart     = "ItemNotInCart"
	ReasonCartDoesNotExist  = "CartDoesNotExist"
)
