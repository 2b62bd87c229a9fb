package rabbitmq

// EndpointRotator selects broker endpoints in deterministic round-robin
// order, keyed by the connection attempt counter. It holds no mutable
// state of its own.
type EndpointRotator struct {
	endpoints []string
}

// NewEndpointRotator creates a rotator over an ordered, non-empty endpoint
// list.
func NewEndpointRotator(endpoints []string) (*EndpointRotator, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	eps := make([]string, len(endpoints))
	copy(eps, endpoints)
	return &EndpointRotator{endpoints: eps}, nil
}

// Next returns the endpoint for the given attempt number. Consecutive
// attempts cycle through every configured endpoint exactly once before
// repeating.
func (r *EndpointRotator) Next(attempt int) string {
	if attempt < 0 {
		attempt = -attempt
	}
	return r.endpoints[attempt%len(r.endpoints)]
}

// Len returns the number of configured endpoints.
func (r *EndpointRotator) Len() int {
	return len(r.endpoints)
}
