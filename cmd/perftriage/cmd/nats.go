package cmd

import (
	"time"

	"github.com/kube-tarian/perftriage/pkg/config"
	"github.com/kube-tarian/perftriage/pkg/reportqueue"
	"github.com/sirupsen/logrus"
)

// reportSubscription is a subscribed report queue.
type reportSubscription interface {
	reportqueue.Subscriber
	Close()
}

// subscriberFactory opens a report subscription; the reports command holds one so tests can
// replace NATS.
type subscriberFactory func(cfg *config.Config, logger *logrus.Logger, url, subject string, wait time.Duration) (reportSubscription, error)

func connectNATS(cfg *config.Config, logger *logrus.Logger, url, subject string) (*reportqueue.NATSQueue, error) {
	tlsOpts, err := reportqueue.TLSOptions(logger, cfg.NATSTLSEnabled, cfg.NATSTLSInsecureSkipVerify, cfg.NATSTLSCAFile)
	if err != nil {
		return nil, err
	}

	queue := reportqueue.NewNATSQueue(logger, url, subject, tlsOpts...)
	if err := queue.Connect(); err != nil {
		return nil, err
	}
	return queue, nil
}

func newNATSSubscriber(cfg *config.Config, logger *logrus.Logger, url, subject string, wait time.Duration) (reportSubscription, error) {
	queue, err := connectNATS(cfg, logger, url, subject)
	if err != nil {
		return nil, err
	}

	queue.WaitTimeout = wait
	if err := queue.Subscribe(); err != nil {
		queue.Close()
		return nil, err
	}
	return queue, nil
}
