package selection

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-rental-cart/internal/backend"
	"github.com/ariefcatur/go-rental-cart/internal/cart"
	"github.com/ariefcatur/go-rental-cart/internal/logx"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"github.com/ariefcatur/go-rental-cart/internal/scanner"
	"go.uber.org/zap"
)

type Lookup interface {
	LookupBarcode(ctx context.Context, barcode string) (rental.Equipment, error)
}

type NoticeKind string

const (
	NoticeAdded    NoticeKind = "added"
	NoticeNotFound NoticeKind = "not-found"
	NoticeRejected NoticeKind = "rejected"
	NoticeError    NoticeKind = "error"
)

// Notice is what the operator sees after a scan.
type Notice struct {
	Kind  NoticeKind       `json:"kind"`
	Token string           `json:"token"`
	Item  *rental.LineItem `json:"item,omitempty"`
	Err   string           `json:"error,omitempty"`
}

type ScanIntake struct {
	Lookup Lookup
	Cart   *cart.Store
	// Notify is optional.
	Notify func(Notice)
	Log    *zap.Logger
}

// Handle resolves one token and adds the equipment with quantity 1.
func (s *ScanIntake) Handle(ctx context.Context, tok scanner.Token) Notice {
	n := s.handle(ctx, tok.Value)
	log := logx.OrNop(s.Log)
	switch n.Kind {
	case NoticeAdded:
		log.Info("scan added", zap.String("token", n.Token), zap.String("equipment_id", n.Item.EquipmentID.String()))
	case NoticeNotFound:
		log.Info("scan not found", zap.String("token", n.Token))
	default:
		log.Warn("scan failed", zap.String("token", n.Token), zap.String("kind", string(n.Kind)), zap.String("error", n.Err))
	}
	if s.Notify != nil {
		s.Notify(n)
	}
	return n
}

func (s *ScanIntake) handle(ctx context.Context, token string) Notice {
	eq, err := s.Lookup.LookupBarcode(ctx, token)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return Notice{Kind: NoticeNotFound, Token: token, Err: "no equipment with barcode " + token}
	case err != nil:
		return Notice{Kind: NoticeError, Token: token, Err: err.Error()}
	}
	li, err := s.Cart.AddItem(eq, 1, nil, rental.SourceScanner)
	if err != nil {
		return Notice{Kind: NoticeRejected, Token: token, Err: err.Error()}
	}
	return Notice{Kind: NoticeAdded, Token: token, Item: &li}
}

// Attach feeds every token from l into Handle until the returned func is called.
func (s *ScanIntake) Attach(ctx context.Context, l *scanner.Listener) (detach func()) {
	return l.Subscribe(func(tok scanner.Token) {
		s.Handle(ctx, tok)
	})
}
