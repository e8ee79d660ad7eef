package rental

import "fmt"

type Mode string

const (
	ModeProjectEmbedded Mode = "project-embedded"
	ModeCatalogFloating Mode = "catalog-floating"
	ModeEquipmentAdd    Mode = "equipment-add"
)

type CommitAction string

const (
	// CommitBookings books each line for the client.
	CommitBookings     CommitAction = "create-bookings"
	// CommitAddToProject books each line against the owning project.
	CommitAddToProject CommitAction = "add-to-project"
)

const DefaultCapacity = 100

// NoContext is the key segment used by context-free modes.
const NoContext = "global"

type ModePolicy struct {
	RequiresContext bool
	Capacity        int
	Commit          CommitAction
}

var policies = map[Mode]ModePolicy{
	ModeProjectEmbedded: {RequiresContext: true, Capacity: DefaultCapacity, Commit: CommitBookings},
	ModeCatalogFloating: {RequiresContext: false, Capacity: DefaultCapacity, Commit: CommitBookings},
	ModeEquipmentAdd:    {RequiresContext: true, Capacity: DefaultCapacity, Commit: CommitAddToProject},
}

func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if _, ok := policies[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	return m, nil
}

func (m Mode) Policy() ModePolicy { return policies[m] }

// StorageKey builds "<prefix>_<mode>_<contextId>".
func StorageKey(prefix string, m Mode, contextID string) string {
	if contextID == "" {
		contextID = NoContext
	}
	return fmt.Sprintf("%s_%s_%s", prefix, m, contextID)
}

// ValidateContext checks the contextID against the mode policy.
func ValidateContext(m Mode, contextID string) error {
	p, ok := policies[m]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMode, m)
	}
	blank := contextID == "" || contextID == NoContext
	if p.RequiresContext && blank {
		return NewCartErrorf(ErrContextRequired, "mode %s", m)
	}
	if !p.RequiresContext && !blank {
		return NewCartErrorf(ErrContextNotAllowed, "mode %s takes no context, got %q", m, contextID)
	}
	return nil
}
