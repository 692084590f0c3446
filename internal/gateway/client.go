package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cimillas/donation-hub/services/verify/internal/metrics"
)

// OutcomeStatus is the normalized result of a gateway verification query.
type OutcomeStatus string

const (
	// OutcomeConfirmed: the gateway reports the payment succeeded. Final.
	OutcomeConfirmed OutcomeStatus = "confirmed"
	// OutcomeDeclined: the gateway reports the payment was declined. Final.
	OutcomeDeclined OutcomeStatus = "declined"
	// OutcomeUnknown: unreachable, timed out, or ambiguous after retries.
	// Must be retried later; never conflated with a decline.
	OutcomeUnknown OutcomeStatus = "unknown"
)

// Outcome is what the gateway told us about one transaction.
type Outcome struct {
	Status           OutcomeStatus
	AmountCents      int64
	Currency         string
	GatewayReference string
	ReasonCode       string
}

// Config tunes the client's timeout and bounded retry policy.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	RetryBase   time.Duration
}

// Client queries the payment gateway for the authoritative status of a
// transaction. It makes no decisions about order state; it only observes.
type Client struct {
	http        *resty.Client
	baseURL     string
	breaker     *gobreaker.CircuitBreaker
	maxAttempts int
	retryBase   time.Duration
	log         *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 3,
		Interval:    15 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.GatewayBreakerState.Set(breakerStateValue(to))
			log.Info("gateway breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		http: resty.New().
			SetTimeout(cfg.Timeout).
			SetRetryCount(0), // retries are ours, with backoff and jitter
		baseURL:     cfg.BaseURL,
		breaker:     breaker,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		log:         log,
	}
}

type verifyRequest struct {
	OrderID string `json:"order_id"`
}

type verifyResponse struct {
	Status           string `json:"status"`
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
	GatewayReference string `json:"gateway_reference"`
	ReasonCode       string `json:"reason_code"`
}

// Verify asks the gateway whether transactionID succeeded for orderID.
// Gateway trouble is reported as OutcomeUnknown, never as an error: a
// declined payment is final while an unknown outcome must be retried, and the
// caller needs to tell those apart.
func (c *Client) Verify(ctx context.Context, transactionID, orderID string) Outcome {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		outcome, retryable := c.verifyOnce(ctx, transactionID, orderID)
		if !retryable {
			metrics.GatewayRequestsTotal.WithLabelValues(string(outcome.Status)).Inc()
			return outcome
		}
		metrics.GatewayRequestsTotal.WithLabelValues(string(OutcomeUnknown)).Inc()

		if attempt == c.maxAttempts {
			break
		}
		metrics.GatewayRetriesTotal.Inc()
		if !sleepBackoff(ctx, c.retryBase, attempt) {
			break
		}
	}

	c.log.Warn("gateway outcome unknown after retries",
		zap.String("transaction_id", transactionID),
		zap.String("order_id", orderID),
		zap.Int("attempts", c.maxAttempts),
	)
	return Outcome{Status: OutcomeUnknown}
}

// verifyOnce performs one gateway call through the circuit breaker. The bool
// result reports whether the attempt may be retried.
func (c *Client) verifyOnce(ctx context.Context, transactionID, orderID string) (Outcome, bool) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		var body verifyResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(verifyRequest{OrderID: orderID}).
			SetResult(&body).
			Post(fmt.Sprintf("%s/v1/transactions/%s/verify", c.baseURL, transactionID))
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("gateway status %d", resp.StatusCode())
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Breaker is shedding load; further attempts in this call
			// would also be rejected.
			return Outcome{Status: OutcomeUnknown}, false
		}
		c.log.Debug("gateway call failed",
			zap.String("transaction_id", transactionID),
			zap.Error(err),
		)
		return Outcome{Status: OutcomeUnknown}, true
	}

	body := result.(verifyResponse)
	switch body.Status {
	case "confirmed":
		return Outcome{
			Status:           OutcomeConfirmed,
			AmountCents:      body.AmountCents,
			Currency:         body.Currency,
			GatewayReference: body.GatewayReference,
		}, false
	case "declined":
		return Outcome{
			Status:     OutcomeDeclined,
			ReasonCode: body.ReasonCode,
		}, false
	default:
		// Ambiguous reply counts as not-an-answer.
		return Outcome{Status: OutcomeUnknown}, true
	}
}

// sleepBackoff waits base*2^(attempt-1) plus jitter, honoring ctx. Returns
// false if the context ended first.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) bool {
	if base <= 0 {
		base = time.Millisecond
	}
	delay := base << (attempt - 1)
	delay += time.Duration(rand.Int64N(int64(base)))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
