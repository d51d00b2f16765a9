package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/HerbHall/labdash/pkg/models"
)

// ClassifyError maps a transport error to a fault category.
func ClassifyError(err error) models.FaultKind {
	if err == nil {
		return models.FaultNone
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return models.FaultTimeout
		}
		return models.FaultDNS
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return models.FaultConnectionRefused
	}

	if isTLSError(err) {
		return models.FaultTLS
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.FaultTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.FaultTimeout
	}

	return models.FaultOther
}

func isTLSError(err error) bool {
	var (
		recErr   tls.RecordHeaderError
		alertErr tls.AlertError
		verify   *tls.CertificateVerificationError
		unknown  x509.UnknownAuthorityError
		hostErr  x509.HostnameError
	)
	switch {
	case errors.As(err, &recErr), errors.As(err, &alertErr), errors.As(err, &verify),
		errors.As(err, &unknown), errors.As(err, &hostErr):
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "tls:") ||
		strings.Contains(msg, "server gave HTTP response to HTTPS client") ||
		strings.Contains(msg, "first record does not look like a TLS handshake")
}
