package payments

import "github.com/shopspring/decimal"

// WebhookEvent is a gateway callback reduced to what settlement needs. The
// body is never trusted for the outcome; settlement re-verifies with the
// gateway before moving money.
type WebhookEvent struct {
	Gateway          string
	ID               string // Unique per delivery, used for dedupe
	Type             string
	GatewayReference string
	Amount           decimal.Decimal
	Actionable       bool // False for event types we ignore
}
