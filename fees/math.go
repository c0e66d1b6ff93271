package fees

import (
	"math"
	"math/bits"

	"github.com/lightningnetwork/lnd/lnwire"
)

// ppmDenominator is the denominator of all fee rates.
const ppmDenominator = 1_000_000

// FeeForAmount returns ceil(amt * ppm / 1e6). The product is computed in 128
// bits, a quotient that doesn't fit 64 bits saturates.
func FeeForAmount(amt lnwire.MilliSatoshi, ppm uint64) lnwire.MilliSatoshi {
	hi, lo := bits.Mul64(uint64(amt), ppm)
	if hi >= ppmDenominator {
		return lnwire.MilliSatoshi(math.MaxUint64)
	}

	quo, rem := bits.Div64(hi, lo, ppmDenominator)
	if rem != 0 {
		quo++
	}

	return lnwire.MilliSatoshi(quo)
}

// MaxSpendable approximates the largest amount x that satisfies
//
//	x + ceil(x*feePPM/1e6) + baseFee + ceil(x*thirdPartyPPM/1e6) <= balance
//
// by dropping the ceilings: floor((balance-baseFee)*1e6 /
// (1e6+feePPM+thirdPartyPPM)). The result is a hint for the user only, it may
// be a few msat too large and is never used to authorize a spend.
func MaxSpendable(balance lnwire.MilliSatoshi, feePPM uint64,
	baseFee lnwire.MilliSatoshi, thirdPartyPPM uint64) lnwire.MilliSatoshi {

	if balance <= baseFee {
		return 0
	}

	denom, carry := bits.Add64(ppmDenominator, feePPM, 0)
	if carry != 0 {
		return 0
	}
	denom, carry = bits.Add64(denom, thirdPartyPPM, 0)
	if carry != 0 {
		return 0
	}

	// hi < 1e6 <= denom, so the quotient always fits.
	hi, lo := bits.Mul64(uint64(balance-baseFee), ppmDenominator)
	quo, _ := bits.Div64(hi, lo, denom)

	return lnwire.MilliSatoshi(quo)
}
