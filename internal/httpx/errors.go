package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-rental-cart/internal/availability"
	"github.com/ariefcatur/go-rental-cart/internal/backend"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, rental.ErrItemNotFound), errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rental.ErrCapacityExceeded),
		errors.Is(err, rental.ErrSerializedQuantityConflict),
		errors.Is(err, rental.ErrCheckoutInProgress),
		errors.Is(err, backend.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, rental.ErrInvalidQuantity),
		errors.Is(err, rental.ErrInvalidDateRange),
		errors.Is(err, rental.ErrInvalidEquipment),
		errors.Is(err, rental.ErrContextRequired),
		errors.Is(err, rental.ErrContextNotAllowed),
		errors.Is(err, rental.ErrUnknownMode),
		errors.Is(err, rental.ErrEmptyCart),
		errors.Is(err, rental.ErrNoDateRange),
		errors.Is(err, rental.ErrClientRequired),
		errors.Is(err, backend.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, availability.ErrUnknown), backend.IsNetwork(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
