// Package gateway talks to the Midtrans payment gateway: Snap session
// creation, transaction status lookups and webhook signature checks.
package gateway

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedNotification = errors.New("gateway: malformed notification")

// Notification is the payment notification Midtrans posts to the webhook.
// The status API returns the same shape.
type Notification struct {
	OrderID           string `json:"order_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status,omitempty"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionID     string `json:"transaction_id,omitempty"`
	PaymentType       string `json:"payment_type,omitempty"`
	TransactionTime   string `json:"transaction_time,omitempty"`
}

// Validate checks the fields the webhook cannot work without.
func (n *Notification) Validate() error {
	var missing []string
	if n.OrderID == "" {
		missing = append(missing, "order_id")
	}
	if n.TransactionStatus == "" {
		missing = append(missing, "transaction_status")
	}
	if n.StatusCode == "" {
		missing = append(missing, "status_code")
	}
	if n.GrossAmount == "" {
		missing = append(missing, "gross_amount")
	}
	if n.SignatureKey == "" {
		missing = append(missing, "signature_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedNotification, strings.Join(missing, ", "))
	}
	return nil
}

// Signature computes hex(SHA-512(orderID + statusCode + grossAmount + serverKey)).
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

// VerifySignature reports whether n carries a valid signature for
// serverKey. The comparison is constant-time and ignores hex case.
func VerifySignature(n *Notification, serverKey string) bool {
	if n == nil || serverKey == "" {
		return false
	}
	want := Signature(n.OrderID, n.StatusCode, n.GrossAmount, serverKey)
	got := strings.ToLower(strings.TrimSpace(n.SignatureKey))
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// Sign fills in n.SignatureKey. Used by the demo client and tests.
func Sign(n *Notification, serverKey string) {
	n.SignatureKey = Signature(n.OrderID, n.StatusCode, n.GrossAmount, serverKey)
}
