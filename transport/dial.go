package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultHandshakeTimeout = 10 * time.Second

// DialOptions configure the websocket handshake and the resulting Transport.
type DialOptions struct {
	Options
	TLS              *tls.Config   // nil selects a plaintext connection
	HandshakeTimeout time.Duration // default 10s
	ReadLimit        int64         // Maximum message size, 0 means no limit
}

// Dial opens a websocket to uri and returns a running Transport.
//
// uri is either "host:port" (scheme picked from the TLS setting) or a full
// ws:// or wss:// URL. Failures are classified so the connector knows which
// ones are worth retrying:
//
//	ErrServiceUnavailable  nothing listening, DNS failure, timeout
//	ErrCertificate         server certificate rejected
//	ErrProtocol            peer answered but not with a websocket handshake
func Dial(ctx context.Context, uri string, opts DialOptions) (*Transport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	target, err := BuildURL(uri, opts.TLS != nil)
	if err != nil {
		return nil, err
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		TLSClientConfig:  opts.TLS,
	}

	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		defer func() {
			if err := resp.Body.Close(); err != nil {
				logger.Debug("failed to close handshake response body", zap.Error(err))
			}
		}()
	}
	if err != nil {
		err = classifyDialError(err)
		logger.Debug("connection attempt failed", zap.String("uri", target), zap.Error(err))
		return nil, err
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}

	logger.Info("connected to service", zap.String("uri", target))
	return New(conn, opts.Options), nil
}

// BuildURL normalizes a service address into a websocket URL.
func BuildURL(uri string, secure bool) (string, error) {
	if uri == "" {
		return "", errors.New("empty service uri")
	}
	if !strings.Contains(uri, "://") {
		scheme := "ws"
		if secure {
			scheme = "wss"
		}
		uri = scheme + "://" + uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid service uri %q", uri)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", errors.Errorf("unsupported scheme %q, expected ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.Errorf("service uri %q has no host", uri)
	}
	return u.String(), nil
}

func classifyDialError(err error) error {
	if isCertificateError(err) {
		return errors.Wrap(ErrCertificate, err.Error())
	}
	if errors.Is(err, websocket.ErrBadHandshake) {
		return errors.Wrap(ErrProtocol, err.Error())
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return errors.Wrap(ErrProtocol, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return errors.Wrap(ErrServiceUnavailable, err.Error())
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return errors.Wrap(ErrServiceUnavailable, err.Error())
	}
	return errors.Wrap(ErrProtocol, err.Error())
}

func isCertificateError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		invalidCert x509.CertificateInvalidError
		hostnameErr x509.HostnameError
		systemRoots x509.SystemRootsError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &systemRoots)
}
