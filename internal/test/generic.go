package test

import (
	"bytes"
	"testing"

	"github.com/lightningnetwork/lnd/tlv"
	"github.com/stretchr/testify/require"
)

var (
	// unknownTypeValue is the value written for the injected unknown
	// types.
	unknownTypeValue = []byte("written by a newer version")
)

// RunUnknownTypeTest checks how a TLV record decoder treats types it doesn't
// know. The item is encoded and an unknown even type is appended, which the
// decoder must reject with an error matching unknownTypeErr, a pointer as
// taken by errors.As. Then an unknown odd type is appended instead, which the
// decoder must skip and report. The item parsed in the second step is
// returned so the caller can compare it with the original.
func RunUnknownTypeTest[T any](t *testing.T, item T, unknownTypeErr any,
	encode func(*bytes.Buffer, T) error,
	decode func(*bytes.Buffer) (T, tlv.TypeMap, error)) T {

	t.Helper()

	appendType := func(buf *bytes.Buffer, typ byte) {
		buf.WriteByte(typ)
		buf.WriteByte(byte(len(unknownTypeValue)))
		buf.Write(unknownTypeValue)
	}

	var buf bytes.Buffer
	require.NoError(t, encode(&buf, item))
	appendType(&buf, 200)

	_, _, err := decode(&buf)
	require.ErrorAs(t, err, unknownTypeErr)

	buf.Reset()
	require.NoError(t, encode(&buf, item))
	appendType(&buf, 201)

	parsed, unknown, err := decode(&buf)
	require.NoError(t, err)
	require.Equal(t, tlv.TypeMap{201: unknownTypeValue}, unknown)

	return parsed
}
