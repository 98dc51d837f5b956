// Package checkout runs the payment flows: starting a checkout, applying
// verified provider webhooks and reconciling orders whose webhooks never came.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/gateway"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/example/ec-payments/internal/metrics"
)

var tracer = otel.Tracer("checkout")

const createAttempts = 3

type Service struct {
	store    store.OrderStore
	catalog  store.CatalogReader
	gateways *gateway.Registry
	currency string
	pricing  order.Pricing
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(
	orders store.OrderStore,
	catalog store.CatalogReader,
	gateways *gateway.Registry,
	currency string,
	pricing order.Pricing,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:    orders,
		catalog:  catalog,
		gateways: gateways,
		currency: currency,
		pricing:  pricing,
		logger:   logger.Named("checkout"),
		now:      time.Now,
	}
}

// StartCheckout validates the cart against the catalog, persists the order in
// pending_payment with inventory held, and opens a provider session.
func (s *Service) StartCheckout(ctx context.Context, cart Cart, customer Customer) (*Result, error) {
	ctx, span := tracer.Start(ctx, "StartCheckout")
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", string(cart.Provider)))

	client, err := s.gateways.Get(cart.Provider)
	if err != nil {
		metrics.RecordCheckout(string(cart.Provider), "invalid")
		return nil, &CartError{Problems: []string{fmt.Sprintf("unsupported payment provider %q", cart.Provider)}}
	}

	items, err := s.priceCart(ctx, cart.Items)
	if err != nil {
		metrics.RecordCheckout(string(cart.Provider), "invalid")
		return nil, err
	}

	draft := order.Draft{
		CustomerID:    customer.ID,
		CustomerEmail: customer.Email,
		Currency:      s.currency,
		Provider:      cart.Provider,
		Items:         items,
	}

	var o *order.Order
	for attempt := 1; ; attempt++ {
		o, err = order.New(draft, s.pricing, s.now().UTC())
		if err != nil {
			return nil, err
		}
		err = s.store.CreateOrder(ctx, o)
		if errors.Is(err, store.ErrDuplicateOrder) && attempt < createAttempts {
			continue
		}
		break
	}
	if errors.Is(err, store.ErrInsufficientStock) {
		metrics.RecordCheckout(string(cart.Provider), "invalid")
		return nil, &CartError{Problems: []string{err.Error()}}
	}
	if err != nil {
		metrics.RecordCheckout(string(cart.Provider), "error")
		return nil, fmt.Errorf("create order: %w", err)
	}
	span.SetAttributes(attribute.String("order.number", o.Number))

	log := s.logger.With(zap.String("order_number", o.Number), zap.String("provider", string(cart.Provider)))
	log.Info("order created", zap.String("total", o.Total.StringFixed(2)), zap.Bool("guest", o.IsGuest()))

	session, err := client.CreatePaymentSession(ctx, o, cart.ReturnURL, cart.CancelURL)
	if err != nil {
		span.RecordError(err)
		outcome := "provider_unavailable"
		if errors.Is(err, gateway.ErrProviderRejected) {
			outcome = "provider_rejected"
		}
		metrics.RecordCheckout(string(cart.Provider), outcome)
		log.Warn("payment session not created; order left pending", zap.Error(err))
		return nil, &SessionError{OrderNumber: o.Number, Err: err}
	}

	if err := s.store.AttachSession(ctx, o.ID, session.ID); err != nil {
		metrics.RecordCheckout(string(cart.Provider), "error")
		return nil, fmt.Errorf("attach session: %w", err)
	}
	o.ProviderSessionID = session.ID

	metrics.RecordCheckout(string(cart.Provider), "created")
	log.Info("payment session created", zap.String("session_id", session.ID))
	return &Result{Order: o, RedirectURL: session.RedirectURL}, nil
}

// priceCart rejects the whole cart on the first pass if anything is wrong,
// listing every problem, and snapshots catalog prices otherwise.
func (s *Service) priceCart(ctx context.Context, lines []CartItem) ([]order.Item, error) {
	if len(lines) == 0 {
		return nil, &CartError{Problems: []string{"cart is empty"}}
	}

	var problems []string
	wanted := make(map[string]int)
	for i, line := range lines {
		if line.ProductID == "" {
			problems = append(problems, fmt.Sprintf("item %d: product_id is required", i))
			continue
		}
		if line.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("item %d: quantity must be positive", i))
			continue
		}
		wanted[line.ProductID] += line.Quantity
	}

	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	products, err := s.catalog.GetProducts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	for _, id := range ids {
		p, ok := products[id]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("product %s does not exist", id))
		case !p.Active:
			problems = append(problems, fmt.Sprintf("product %s is not available", id))
		case p.Available() < wanted[id]:
			problems = append(problems, fmt.Sprintf("product %s: only %d in stock", id, max(p.Available(), 0)))
		}
	}
	if len(problems) > 0 {
		return nil, &CartError{Problems: problems}
	}

	items := make([]order.Item, 0, len(lines))
	for _, line := range lines {
		p := products[line.ProductID]
		item, err := order.NewItem(p.ID, p.Name, p.Price, line.Quantity)
		if err != nil {
			return nil, &CartError{Problems: []string{fmt.Sprintf("product %s: %v", p.ID, err)}}
		}
		items = append(items, item)
	}
	return items, nil
}
