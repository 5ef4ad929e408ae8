package client

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("client: not found")

// Client is read-only to the payment engine. GatewayCustomerID and
// DefaultPaymentMethodID are references into the gateway's vault; the engine
// never sees card data.
type Client struct {
	ID                     string
	GatewayCustomerID      string
	DefaultPaymentMethodID string
}

type Repository interface {
	FindByID(ctx context.Context, id string) (*Client, error)
}
