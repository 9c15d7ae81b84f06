package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// VendorReference generates a fresh purchase reference in the format the
// vendor's API accepts. Buypower and baxi take opaque strings; irecharge
// rejects non-numeric references.
func VendorReference(vendor string) string {
	switch vendor {
	case "irecharge":
		return numericReference(12)
	case "baxi":
		return "bx_" + NewReference()
	default:
		return NewReference()
	}
}

func numericReference(digits int) string {
	// Lead with a time component so references stay roughly sortable.
	out := fmt.Sprintf("%d", time.Now().UTC().Unix())
	for len(out) < digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			out += "0"
			continue
		}
		out += n.String()
	}
	return out[:digits]
}
