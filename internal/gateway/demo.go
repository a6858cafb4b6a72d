package gateway

import (
	"context"
	"sync"

	"github.com/salmarket/escrowd/internal/money"
)

// DemoClient replaces Midtrans when no server key is configured in
// development. Sessions redirect back to the app; Status reports every
// known order as still pending until Settle is called.
type DemoClient struct {
	appURL    string
	serverKey string

	mu       sync.Mutex
	sessions map[string]*Notification
}

// DemoServerKey signs notifications produced by the demo client.
const DemoServerKey = "demo-server-key"

// NewDemoClient creates a demo client redirecting to appURL.
func NewDemoClient(appURL string) *DemoClient {
	return &DemoClient{appURL: appURL, serverKey: DemoServerKey, sessions: make(map[string]*Notification)}
}

// CreateSession implements Client.
func (d *DemoClient) CreateSession(_ context.Context, req SessionRequest) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := &Notification{
		OrderID:           req.OrderRef,
		TransactionStatus: "pending",
		StatusCode:        "201",
		GrossAmount:       money.Format(req.GrossAmount) + ".00",
	}
	Sign(n, d.serverKey)
	d.sessions[req.OrderRef] = n
	return &Session{
		Token:       "demo-" + req.OrderRef,
		RedirectURL: d.appURL + "/orders?demo_ref=" + req.OrderRef,
	}, nil
}

// Status implements Client.
func (d *DemoClient) Status(_ context.Context, orderRef string) (*Notification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.sessions[orderRef]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	cp := *n
	return &cp, nil
}

// Settle marks a demo payment as settled and returns the signed
// notification Midtrans would have sent.
func (d *DemoClient) Settle(orderRef string) (*Notification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.sessions[orderRef]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	n.TransactionStatus = "settlement"
	n.FraudStatus = "accept"
	n.StatusCode = "200"
	n.TransactionID = "demo-tx-" + orderRef
	n.PaymentType = "bank_transfer"
	Sign(n, d.serverKey)
	cp := *n
	return &cp, nil
}

var _ Client = (*DemoClient)(nil)
