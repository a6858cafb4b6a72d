// Package idgen provides ID generation for orders, transactions and
// gateway correlation references.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GatewayRefPrefix marks order references created by this marketplace.
const GatewayRefPrefix = "SAL"

const base36 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// New returns a random UUID string, used as the primary key of orders,
// items, transactions and disputes.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "evt_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// GatewayRef builds the correlation reference sent to the payment gateway
// as its order_id: SAL-<unix millis>-<9 random base36 chars>. Midtrans
// requires it to be unique per payment attempt.
func GatewayRef(now time.Time) string {
	var sb strings.Builder
	sb.WriteString(GatewayRefPrefix)
	sb.WriteByte('-')
	sb.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	sb.WriteByte('-')
	max := big.NewInt(int64(len(base36)))
	for i := 0; i < 9; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		sb.WriteByte(base36[n.Int64()])
	}
	return sb.String()
}
