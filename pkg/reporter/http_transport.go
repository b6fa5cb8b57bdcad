package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// HTTPTransport POSTs a JSON-encoded payload. A non-2xx response or a
// transport-level error is a failure.
type HTTPTransport[P any] struct {
	Client HTTPDoer
}

// HTTPDoer is satisfied by *http.Client and by retryablehttp's
// StandardClient().
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func NewHTTPTransport[P any](client HTTPDoer) *HTTPTransport[P] {
	return &HTTPTransport[P]{Client: client}
}

func (t *HTTPTransport[P]) Send(ctx context.Context, uri string, payload P) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: status %d", uri, resp.StatusCode)
	}

	return nil
}
