package fees

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightninglabs/fedwallet/fn"
	"github.com/stretchr/testify/require"
)

func testRetryConfig(retries int) fn.RetryConfig {
	return fn.RetryConfig{
		MaxRetries:        retries,
		InitialBackoff:    time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Millisecond,
	}
}

// TestHTTPInvoiceSource tests fetching invoices from an LNURL-pay callback.
func TestHTTPInvoiceSource(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			n := calls.Add(1)

			// The first call fails, which is retried.
			if n == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}

			query := r.URL.Query()
			if query.Get("amount") == "0" {
				_ = json.NewEncoder(w).Encode(invoiceResponse{
					Status: "ERROR",
					Reason: "amount too small",
				})
				return
			}

			_ = json.NewEncoder(w).Encode(invoiceResponse{
				PaymentRequest: "lnbcrt" + query.Get("amount") +
					"/" + query.Get("comment"),
			})
		},
	))
	t.Cleanup(server.Close)

	source := NewHTTPInvoiceSource(server.URL + "/callback")
	source.Retry = testRetryConfig(2)

	ctxb := context.Background()
	invoice, err := source.FetchInvoice(ctxb, 21_000, "memo")
	require.NoError(t, err)
	require.Equal(t, "lnbcrt21000/memo", invoice)
	require.EqualValues(t, 2, calls.Load())

	// A rejection is returned once all retries are used up.
	source.Retry = testRetryConfig(0)
	_, err = source.FetchInvoice(ctxb, 0, "")
	require.ErrorIs(t, err, ErrInvoiceRequestRejected)
	require.EqualValues(t, 3, calls.Load())

	// A malformed callback URL fails before any request.
	bad := NewHTTPInvoiceSource("://bad")
	_, err = bad.FetchInvoice(ctxb, 1_000, "")
	require.ErrorContains(t, err, "invalid callback url")
}
