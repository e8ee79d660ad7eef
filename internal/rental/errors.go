package rental

import (
	"errors"
	"fmt"
)

// Local validation failures. Match with errors.Is against these kinds.
var (
	ErrCapacityExceeded           = errors.New("capacity exceeded")
	ErrSerializedQuantityConflict = errors.New("serialized item already in cart")
	ErrInvalidQuantity            = errors.New("invalid quantity")
	ErrInvalidDateRange           = errors.New("invalid date range")
	ErrItemNotFound               = errors.New("item not in cart")
	ErrInvalidEquipment           = errors.New("equipment id is required")
	ErrContextRequired            = errors.New("context id required for mode")
	ErrContextNotAllowed          = errors.New("context id not allowed for mode")
	ErrUnknownMode                = errors.New("unknown cart mode")
)

// Batch preconditions.
var (
	ErrEmptyCart          = errors.New("cart is empty")
	ErrNoDateRange        = errors.New("cart has no default date range")
	ErrClientRequired     = errors.New("client id is required")
	ErrCheckoutInProgress = errors.New("checkout already running for this cart")
)

type CartError struct {
	Kind    error
	Message string
}

func (e *CartError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

func (e *CartError) Unwrap() error { return e.Kind }

func NewCartError(kind error, msg string) *CartError {
	return &CartError{Kind: kind, Message: msg}
}

func NewCartErrorf(kind error, format string, args ...any) *CartError {
	return &CartError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
