package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const maxProviderBody = 1 << 20

// providerResponse is a raw provider reply. Status 0 means the request never
// got a response.
type providerResponse struct {
	Status int
	Body   []byte
}

// transient reports whether the reply should be retried rather than read.
func (r providerResponse) transient() bool {
	return r.Status == 0 || r.Status >= 500 || r.Status == http.StatusTooManyRequests || r.Status == http.StatusRequestTimeout
}

func (r providerResponse) errorf(format string, args ...any) error {
	return fmt.Errorf("%s: http=%d body=%s", fmt.Sprintf(format, args...), r.Status, truncate(r.Body, 512))
}

// doJSON sends body (nil for GET) as JSON. Transport failures are returned
// as errors; any HTTP status is returned for the adapter to classify.
func doJSON(ctx context.Context, client *http.Client, method, url string, header http.Header, body any) (providerResponse, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return providerResponse{}, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return providerResponse{}, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return providerResponse{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return providerResponse{Status: resp.StatusCode}, fmt.Errorf("read response: %w", err)
	}
	return providerResponse{Status: resp.StatusCode, Body: raw}, nil
}

// transportFailure wraps a failed round trip. A caller-side cancellation is
// not a provider problem and is passed through unchanged.
func transportFailure(ctx context.Context, m Method, err error) (Result, error) {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil, err
	}
	return TransientFailure{Cause: &TransientError{Method: m, Err: err}}, nil
}

func transientStatus(m Method, resp providerResponse, stage string) TransientFailure {
	return TransientFailure{Cause: &TransientError{Method: m, Err: resp.errorf("%s", stage)}}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
