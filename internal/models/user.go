package models

import "time"

// DefaultProLaborePercent is the owner's profit share when a profile has none set.
const DefaultProLaborePercent = 50

// Profile is one row of the profiles table, keyed by the auth provider's user id.
type Profile struct {
	ID                   string     `json:"id"`
	FullName             *string    `json:"full_name,omitempty"`
	WorkshopName         *string    `json:"workshop_name,omitempty"`
	Plan                 string     `json:"plan"`
	ProLaborePercent     int        `json:"pro_labore_percent"`
	StripeCustomerID     *string    `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string    `json:"stripe_subscription_id,omitempty"`
	UpdatedAt            *time.Time `json:"updated_at,omitempty"`
}

// OrderStatus is the workflow stage of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "Pendente"
	OrderToDo      OrderStatus = "Fazer"
	OrderToDeliver OrderStatus = "Entregar"
	OrderDelivered OrderStatus = "Entregue"
	OrderPaid      OrderStatus = "Recebido"
)

// Order is one row of the encomendas table.
type Order struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Client      string      `json:"cliente"`
	Description string      `json:"descricao"`
	Value       float64     `json:"valor"`
	Cost        float64     `json:"custo"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// NewOrder is the input for creating an order.
type NewOrder struct {
	Client      string  `json:"cliente" validate:"required,max=200"`
	Description string  `json:"descricao" validate:"max=2000"`
	Value       float64 `json:"valor" validate:"gte=0"`
	Cost        float64 `json:"custo" validate:"gte=0"`
}
