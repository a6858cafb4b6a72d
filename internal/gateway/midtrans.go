package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/salmarket/escrowd/internal/circuitbreaker"
	"github.com/salmarket/escrowd/internal/metrics"
	"github.com/salmarket/escrowd/internal/money"
	"github.com/salmarket/escrowd/internal/retry"
)

var (
	ErrSessionFailed      = errors.New("gateway: payment session failed")
	ErrStatusFailed       = errors.New("gateway: status lookup failed")
	ErrUnknownTransaction = errors.New("gateway: transaction not known to gateway")
)

// MaxItemNameLength is Midtrans' limit on item_details[].name.
const MaxItemNameLength = 50

const breakerKey = "midtrans"

// Client is what the rest of the system needs from the payment gateway.
type Client interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	Status(ctx context.Context, orderRef string) (*Notification, error)
}

// SessionRequest describes the payment the buyer is about to make.
type SessionRequest struct {
	OrderRef      string
	GrossAmount   decimal.Decimal
	CustomerEmail string
	CustomerName  string
	Items         []SessionItem
	FinishURL     string
}

// SessionItem is one line on the hosted checkout page.
type SessionItem struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Quantity int
}

// Session is the hosted checkout the buyer is redirected to.
type Session struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

type snapRequest struct {
	TransactionDetails snapTransactionDetails `json:"transaction_details"`
	CustomerDetails    snapCustomerDetails    `json:"customer_details"`
	ItemDetails        []snapItem             `json:"item_details"`
	Callbacks          *snapCallbacks         `json:"callbacks,omitempty"`
}

type snapTransactionDetails struct {
	OrderID     string `json:"order_id"`
	GrossAmount int64  `json:"gross_amount"`
}

type snapCustomerDetails struct {
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name"`
}

type snapItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

type snapCallbacks struct {
	Finish string `json:"finish"`
}

type snapError struct {
	ErrorMessages []string `json:"error_messages"`
}

// MidtransClient calls the Snap and Core APIs with the server key.
type MidtransClient struct {
	snap    *resty.Client
	core    *resty.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// MidtransConfig configures NewMidtransClient.
type MidtransConfig struct {
	ServerKey string
	SnapURL   string // e.g. https://app.sandbox.midtrans.com/snap/v1
	APIURL    string // e.g. https://api.sandbox.midtrans.com
	Timeout   time.Duration
}

// NewMidtransClient creates a client. Both APIs authenticate with basic
// auth: the server key as username and an empty password.
func NewMidtransClient(cfg MidtransConfig, breaker *circuitbreaker.Breaker, logger *slog.Logger) *MidtransClient {
	if logger == nil {
		logger = slog.Default()
	}
	newResty := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(strings.TrimRight(base, "/")).
			SetTimeout(cfg.Timeout).
			SetBasicAuth(cfg.ServerKey, "").
			SetHeader("Accept", "application/json").
			SetHeader("Content-Type", "application/json")
	}
	return &MidtransClient{
		snap:    newResty(cfg.SnapURL),
		core:    newResty(cfg.APIURL),
		breaker: breaker,
		logger:  logger,
	}
}

// CreateSession opens a Snap transaction. It is not retried: a second
// POST with the same order_id is rejected by Midtrans, and checkout
// compensates on failure instead.
func (c *MidtransClient) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	body := buildSnapRequest(req)

	var session *Session
	err := c.guard(func() error {
		start := time.Now()
		var out Session
		var apiErr snapError
		resp, err := c.snap.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&out).
			SetError(&apiErr).
			Post("/transactions")
		if err == nil && resp.IsError() {
			err = fmt.Errorf("snap returned %d: %s", resp.StatusCode(), strings.Join(apiErr.ErrorMessages, "; "))
			if resp.StatusCode() < http.StatusInternalServerError {
				err = retry.Permanent(err)
			}
		}
		metrics.ObserveOutbound("midtrans", "create_session", start, err)
		if err != nil {
			return err
		}
		if out.Token == "" || out.RedirectURL == "" {
			return retry.Permanent(errors.New("snap response missing token or redirect_url"))
		}
		session = &out
		return nil
	})
	if err != nil {
		c.logger.Error("midtrans session creation failed", "order_ref", req.OrderRef, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSessionFailed, err)
	}
	return session, nil
}

// Status fetches the gateway's current view of a transaction.
func (c *MidtransClient) Status(ctx context.Context, orderRef string) (*Notification, error) {
	var n *Notification
	err := c.guard(func() error {
		start := time.Now()
		var out Notification
		resp, err := c.core.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/v2/" + url.PathEscape(orderRef) + "/status")
		if err == nil && resp.IsError() {
			err = fmt.Errorf("status API returned %d", resp.StatusCode())
			if resp.StatusCode() == http.StatusNotFound {
				err = retry.Permanent(ErrUnknownTransaction)
			} else if resp.StatusCode() < http.StatusInternalServerError {
				err = retry.Permanent(err)
			}
		}
		metrics.ObserveOutbound("midtrans", "status", start, err)
		if err != nil {
			return err
		}
		// The Core API reports unknown orders with HTTP 200 and a 404 body.
		if out.StatusCode == "404" || out.TransactionStatus == "" {
			return retry.Permanent(ErrUnknownTransaction)
		}
		n = &out
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnknownTransaction) {
			return nil, ErrUnknownTransaction
		}
		return nil, fmt.Errorf("%w: %w", ErrStatusFailed, err)
	}
	return n, nil
}

func (c *MidtransClient) guard(fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Execute(breakerKey, fn)
}

func buildSnapRequest(req SessionRequest) snapRequest {
	name := req.CustomerName
	if name == "" {
		name = "Guest User"
	}
	items := make([]snapItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, snapItem{
			ID:       it.ID,
			Name:     truncateRunes(it.Name, MaxItemNameLength),
			Price:    money.Rupiah(it.Price),
			Quantity: it.Quantity,
		})
	}
	out := snapRequest{
		TransactionDetails: snapTransactionDetails{
			OrderID:     req.OrderRef,
			GrossAmount: money.Rupiah(req.GrossAmount),
		},
		CustomerDetails: snapCustomerDetails{Email: req.CustomerEmail, FirstName: name},
		ItemDetails:     items,
	}
	if req.FinishURL != "" {
		out.Callbacks = &snapCallbacks{Finish: req.FinishURL}
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

var _ Client = (*MidtransClient)(nil)
