package checkout

import "github.com/example/ec-payments/internal/domain/order"

type CartItem struct {
	ProductID string
	Quantity  int
}

// Cart is the checkout request. Prices are never taken from the client.
type Cart struct {
	Provider  order.Provider
	Items     []CartItem
	ReturnURL string
	CancelURL string
}

// Customer is empty for guest checkout.
type Customer struct {
	ID    string
	Email string
}

type Result struct {
	Order       *order.Order
	RedirectURL string
}
