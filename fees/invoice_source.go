package fees

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lightninglabs/fedwallet/fn"
	"github.com/lightningnetwork/lnd/lnwire"
)

const (
	// defaultHTTPTimeout is the timeout of a single invoice request.
	defaultHTTPTimeout = 30 * time.Second

	// maxInvoiceResponseSize caps the size of an invoice response body.
	maxInvoiceResponseSize = 64 * 1024
)

var (
	// ErrInvoiceRequestRejected is returned if the invoice server
	// answered with an error status.
	ErrInvoiceRequestRejected = errors.New("invoice request rejected")
)

// invoiceResponse is the body of an LNURL-pay callback response.
type invoiceResponse struct {
	PaymentRequest string `json:"pr"`
	Status         string `json:"status,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// HTTPInvoiceSource fetches invoices from the LNURL-pay callback endpoint of
// the fee beneficiary. The amount is passed in msat as the amount query
// parameter, the memo as the comment parameter.
type HTTPInvoiceSource struct {
	// CallbackURL is the callback endpoint.
	CallbackURL string

	// Client is the HTTP client to use. If nil, a client with a default
	// timeout is used.
	Client *http.Client

	// Retry configures the retries of failed requests.
	Retry fn.RetryConfig
}

// NewHTTPInvoiceSource creates an invoice source for the callback URL.
func NewHTTPInvoiceSource(callbackURL string) *HTTPInvoiceSource {
	return &HTTPInvoiceSource{
		CallbackURL: callbackURL,
		Client: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
		Retry: fn.DefaultRetryConfig(),
	}
}

// A compile time assertion to ensure HTTPInvoiceSource meets the
// InvoiceSource interface.
var _ InvoiceSource = (*HTTPInvoiceSource)(nil)

// FetchInvoice requests an invoice over amt, retrying transient failures.
func (h *HTTPInvoiceSource) FetchInvoice(ctx context.Context,
	amt lnwire.MilliSatoshi, memo string) (string, error) {

	reqURL, err := url.Parse(h.CallbackURL)
	if err != nil {
		return "", fmt.Errorf("invalid callback url: %w", err)
	}

	query := reqURL.Query()
	query.Set("amount", strconv.FormatUint(uint64(amt), 10))
	if memo != "" {
		query.Set("comment", memo)
	}
	reqURL.RawQuery = query.Encode()

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return fn.RetryFuncN(ctx, h.Retry, func() (string, error) {
		return h.fetch(ctx, client, reqURL.String())
	})
}

func (h *HTTPInvoiceSource) fetch(ctx context.Context, client *http.Client,
	reqURL string) (string, error) {

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, reqURL, nil,
	)
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("invoice request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(
		resp.Body, maxInvoiceResponseSize,
	))
	if err != nil {
		return "", fmt.Errorf("unable to read invoice response: %w",
			err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: http status %d: %s",
			ErrInvoiceRequestRejected, resp.StatusCode, body)
	}

	var invResp invoiceResponse
	if err := json.Unmarshal(body, &invResp); err != nil {
		return "", fmt.Errorf("unable to decode invoice response: %w",
			err)
	}

	if invResp.Status == "ERROR" {
		return "", fmt.Errorf("%w: %v", ErrInvoiceRequestRejected,
			invResp.Reason)
	}
	if invResp.PaymentRequest == "" {
		return "", fmt.Errorf("%w: empty payment request",
			ErrInvoiceRequestRejected)
	}

	return invResp.PaymentRequest, nil
}
