package model

// RequestStatus is the lifecycle state of a quote request.
// Machine: OPEN -> {EXPIRED, FILLED, CANCELLED}. Terminal states never re-enter.
type RequestStatus string

const (
	RequestOpen      RequestStatus = "OPEN"
	RequestFilled    RequestStatus = "FILLED"
	RequestCancelled RequestStatus = "CANCELLED"
	RequestExpired   RequestStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transition.
func (s RequestStatus) Terminal() bool {
	return s == RequestFilled || s == RequestCancelled || s == RequestExpired
}

// CanTransition reports whether the machine allows moving from s to next.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case RequestFilled, RequestCancelled, RequestExpired:
		return s == RequestOpen
	default:
		return false
	}
}

// OrderStatus is the lifecycle state of a dark pool order.
// Machine: OPEN -> {PARTIALLY_FILLED, FILLED, CANCELLED, EXPIRED};
// PARTIALLY_FILLED -> {PARTIALLY_FILLED, FILLED, CANCELLED, EXPIRED}.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transition.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderExpired
}

// CanTransition reports whether the machine allows moving from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case OrderOpen:
		switch next {
		case OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderExpired:
			return true
		}
	case OrderPartiallyFilled:
		switch next {
		case OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderExpired:
			return true
		}
	}
	return false
}
