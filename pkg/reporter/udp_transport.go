package reporter

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// UDPTransport sends a raw byte payload to the host:port parsed out of uri's
// authority on every tick. A fresh connection is dialed per send; UDP never
// retries the same datagram, so a dial or write error is simply reported as
// a failure for this tick.
type UDPTransport struct{}

func NewUDPTransport() *UDPTransport { return &UDPTransport{} }

func (t *UDPTransport) Send(ctx context.Context, uri string, payload []byte) error {
	addr, err := hostPort(uri)
	if err != nil {
		return errors.Wrap(err, "parse udp target")
	}

	conn, err := net.Dial("udp", addr)
	if err != nil {
		return errors.Wrap(err, "dial udp")
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
	}

	if _, err := conn.Write(payload); err != nil {
		return errors.Wrap(err, "write udp payload")
	}

	return nil
}

// hostPort extracts "host:port" from a URI like "udp://host:port/path" or
// accepts a bare "host:port" if no scheme is present.
func hostPort(uri string) (string, error) {
	const scheme = "udp://"
	s := uri
	if len(s) > len(scheme) && s[:len(scheme)] == scheme {
		s = s[len(scheme):]
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			s = s[:i]
			break
		}
	}
	if s == "" {
		return "", errors.Errorf("empty udp target in %q", uri)
	}
	return s, nil
}
