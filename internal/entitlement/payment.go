package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PaymentProvider is the external payment collaborator. The only fact the
// core needs is whether a payment reference was captured.
type PaymentProvider interface {
	Capture(ctx context.Context, paymentRef string) (bool, error)
}

// HTTPProvider verifies payment captures against an external provider over
// HTTP. The endpoint is expected to accept a JSON body with the payment
// reference and answer with {"captured": bool}.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
}

// NewHTTPProvider creates a provider that POSTs capture checks to endpoint.
func NewHTTPProvider(endpoint string) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Capture asks the payment provider whether the reference was captured.
func (p *HTTPProvider) Capture(ctx context.Context, paymentRef string) (bool, error) {
	body, err := json.Marshal(struct {
		PaymentRef string `json:"payment_ref"`
	}{PaymentRef: paymentRef})
	if err != nil {
		return false, fmt.Errorf("entitlement: marshal capture request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("entitlement: build capture request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("entitlement: capture call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("entitlement: capture call status %d", resp.StatusCode)
	}

	var result struct {
		Captured bool `json:"captured"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("entitlement: decode capture response: %w", err)
	}
	return result.Captured, nil
}
