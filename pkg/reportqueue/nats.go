package reportqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultWaitTimeout bounds NextMessage on a NATS queue.
const DefaultWaitTimeout = time.Minute

// ErrTimeout is returned by NextMessage when no report arrived within the wait timeout.
var ErrTimeout = errors.New("reportqueue: no report in the queue until timeout is reached")

// NATSQueue publishes JSON encoded reports on a NATS subject.
type NATSQueue struct {
	URL          string
	Subject      string
	Options      []nats.Option
	Conn         *nats.Conn
	Subscription *nats.Subscription
	WaitTimeout  time.Duration
	logger       *logrus.Logger
}

// NewNATSQueue creates a queue. Connect must be called before use.
func NewNATSQueue(logger *logrus.Logger, url, subject string, options ...nats.Option) *NATSQueue {
	return &NATSQueue{
		URL:         url,
		Subject:     subject,
		Options:     options,
		WaitTimeout: DefaultWaitTimeout,
		logger:      logger,
	}
}

// Connect dials the NATS server.
func (q *NATSQueue) Connect() error {
	nc, err := nats.Connect(q.URL, q.Options...)
	if err != nil {
		q.logger.WithError(err).Error("failed to connect to NATS server")
		return fmt.Errorf("reportqueue: nats connect: failed to connect to NATS server: %w", err)
	}

	q.logger.WithField("subject", q.Subject).Info("successfully connected to NATS server")
	q.Conn = nc
	return nil
}

// Subscribe prepares NextMessage.
func (q *NATSQueue) Subscribe() error {
	if q.Conn == nil {
		return errors.New("reportqueue: nats subscribe: not connected")
	}

	sub, err := q.Conn.SubscribeSync(q.Subject)
	if err != nil {
		return fmt.Errorf("reportqueue: nats subscribe: failed to create subscription: %w", err)
	}
	q.Subscription = sub
	return nil
}

// Publish implements Publisher. The report is flushed before returning so a short-lived CLI
// does not exit with the message still buffered.
func (q *NATSQueue) Publish(report any) error {
	if q.Conn == nil {
		return errors.New("reportqueue: nats publish: not connected")
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("reportqueue: nats publish: failed to marshal report: %w", err)
	}

	if err := q.Conn.Publish(q.Subject, data); err != nil {
		return fmt.Errorf("reportqueue: nats publish: failed to publish report: %w", err)
	}
	if err := q.Conn.Flush(); err != nil {
		return fmt.Errorf("reportqueue: nats publish: failed to flush: %w", err)
	}

	q.logger.WithFields(logrus.Fields{"subject": q.Subject, "bytes": len(data)}).Debug("published report")
	return nil
}

// NextMessage implements Subscriber. It returns the raw JSON of the next report.
func (q *NATSQueue) NextMessage() (any, error) {
	if q.Subscription == nil {
		return nil, errors.New("reportqueue: nats NextMessage: not subscribed")
	}

	msg, err := q.Subscription.NextMsg(q.WaitTimeout)
	if errors.Is(err, nats.ErrTimeout) {
		return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if err != nil {
		return nil, err
	}

	return json.RawMessage(msg.Data), nil
}

// Close drains the subscription and closes the connection.
func (q *NATSQueue) Close() {
	if q.Conn == nil {
		return
	}
	if err := q.Conn.Drain(); err != nil {
		q.logger.WithError(err).Warn("failed to drain NATS connection")
		q.Conn.Close()
	}
}
