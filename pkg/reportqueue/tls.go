package reportqueue

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// TLSOptions returns the NATS connect options for the given TLS settings. It returns no
// options when TLS is disabled.
func TLSOptions(logger *logrus.Logger, tlsEnabled, insecureSkipVerify bool, caFile string) ([]nats.Option, error) {
	if !tlsEnabled {
		return nil, nil
	}

	certPool, _ := x509.SystemCertPool()
	if certPool == nil {
		certPool = x509.NewCertPool()
	}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reportqueue: failed to read NATS TLS CA file: caFile: %s, error: %w", caFile, err)
		}

		if ok := certPool.AppendCertsFromPEM(caCert); !ok {
			logger.WithField("ca_file", caFile).Error("failed to append NATS ca file")
		}
	}

	tlsConfig := &tls.Config{RootCAs: certPool, MinVersion: tls.VersionTLS12}
	tlsConfig.InsecureSkipVerify = insecureSkipVerify

	return []nats.Option{nats.Secure(tlsConfig)}, nil
}
