// Package messaging classifies processing results into a closed outcome
// set and turns each delivery into exactly one terminal acknowledgment
// action: ack, nack, reject, or reject-with-requeue when the quarantine
// path is unavailable.
package messaging
