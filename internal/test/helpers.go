package test

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"
)

// RandBytes returns num random bytes.
func RandBytes(num int) []byte {
	randBytes := make([]byte, num)
	_, _ = rand.Read(randBytes)
	return randBytes
}

// RandHash returns a random 32 byte hash.
func RandHash() [32]byte {
	var hash [32]byte
	copy(hash[:], RandBytes(32))
	return hash
}

// RandOperationID returns a random operation id.
func RandOperationID() ledger.OperationID {
	return ledger.OperationID(RandHash())
}

// RandAddress returns a random P2WPKH address on the given network.
func RandAddress(net *chaincfg.Params) (btcutil.Address, error) {
	return btcutil.NewAddressWitnessPubKeyHash(RandBytes(20), net)
}

// RandPrivKey returns a random private key.
func RandPrivKey(t testing.TB) *btcec.PrivateKey {
	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return privKey
}

// Invoice is a signed test invoice together with its secrets.
type Invoice struct {
	// PayReq is the BOLT11 encoded invoice.
	PayReq string

	// Preimage is the preimage of the payment hash.
	Preimage [32]byte

	// PaymentHash is the payment hash of the invoice.
	PaymentHash [32]byte
}

// NewInvoice creates a BOLT11 invoice over amt for the given network, signed
// by a random node key. A zero amount creates an amountless invoice.
func NewInvoice(t testing.TB, net *chaincfg.Params,
	amt lnwire.MilliSatoshi) *Invoice {

	t.Helper()

	preimage := RandHash()
	paymentHash := chainhash.HashH(preimage[:])

	opts := []func(*zpay32.Invoice){
		zpay32.Description("test invoice"),
		zpay32.Expiry(time.Hour),
	}
	if amt > 0 {
		opts = append(opts, zpay32.Amount(amt))
	}

	invoice, err := zpay32.NewInvoice(
		net, paymentHash, time.Now(), opts...,
	)
	require.NoError(t, err)

	nodeKey := RandPrivKey(t)
	payReq, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			hash := chainhash.HashB(msg)
			return ecdsa.SignCompact(nodeKey, hash, true)
		},
	})
	require.NoError(t, err)

	return &Invoice{
		PayReq:      payReq,
		Preimage:    preimage,
		PaymentHash: paymentHash,
	}
}
