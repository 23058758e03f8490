// Package reportqueue publishes triage reports to NATS and reads them back.
package reportqueue

// Publisher publishes reports to a queue.
type Publisher interface {
	// Publish publishes the given report to the queue.
	Publish(report any) error
}

// Subscriber consumes reports from a queue.
type Subscriber interface {
	// NextMessage blocks until a report is available.
	NextMessage() (any, error)
}
