package types

import "time"

// RequestState is the settlement layer's view of a submitted request
type RequestState string

const (
	RequestPending   RequestState = "PENDING"
	RequestDeposited RequestState = "DEPOSITED"
	RequestFulfilled RequestState = "FULFILLED"
	RequestExpired   RequestState = "EXPIRED"
	RequestRefunded  RequestState = "REFUNDED"
)

// Terminal reports whether no further transitions are expected
func (s RequestState) Terminal() bool {
	switch s {
	case RequestFulfilled, RequestExpired, RequestRefunded:
		return true
	default:
		return false
	}
}

// RequestStatus represents the current status of a submitted request
type RequestStatus struct {
	ID        string
	Hash      string
	State     RequestState
	Message   string
	TxHash    string
	UpdatedAt time.Time
}
