package escrow

import (
	"encoding/hex"
	"strconv"

	"escrowd/core/types"
)

const (
	EventTypeOrderCreated  = "escrow.created"
	EventTypeOrderClaimed  = "escrow.claimed"
	EventTypeOrderRefunded = "escrow.refunded"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// order.
func NewCreatedEvent(o *Order) *types.Event { return newOrderEvent(EventTypeOrderCreated, o) }

// NewClaimedEvent returns the canonical event payload emitted when the
// receiver claims a matured order.
func NewClaimedEvent(o *Order) *types.Event { return newOrderEvent(EventTypeOrderClaimed, o) }

// NewRefundedEvent returns the canonical event payload emitted when the buyer
// cancels an order and is repaid.
func NewRefundedEvent(o *Order) *types.Event { return newOrderEvent(EventTypeOrderRefunded, o) }

func newOrderEvent(eventType string, o *Order) *types.Event {
	attrs := make(map[string]string)
	if o == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeOrder(o)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["buyer"] = hex.EncodeToString(sanitized.Buyer[:])
	attrs["receiver"] = hex.EncodeToString(sanitized.Receiver[:])
	attrs["amount"] = sanitized.Amount.String()
	attrs["releaseTime"] = strconv.FormatInt(sanitized.ReleaseTime, 10)
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	attrs["completed"] = strconv.FormatBool(sanitized.Completed)
	return &types.Event{Type: eventType, Attributes: attrs}
}
