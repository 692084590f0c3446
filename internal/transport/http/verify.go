package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cimillas/donation-hub/services/verify/internal/app"
)

// missingFieldsMessage is the contract with the calling application; it must
// not be reworded.
const missingFieldsMessage = "Missing required fields: order_id, transaction_id"

// DonationVerifier is the minimal interface needed to verify a donation.
type DonationVerifier interface {
	VerifyDonation(ctx context.Context, in app.VerifyInput) (app.VerifyResult, error)
}

// HandleVerifyDonation returns the ingress handler for payment verification.
// It forwards to the service and relays the outcome verbatim; no business
// logic lives here.
func HandleVerifyDonation(svc DonationVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyDonationRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.OrderID == "" || req.TransactionID == "" {
			writeError(w, http.StatusBadRequest, missingFieldsMessage)
			return
		}

		res, err := svc.VerifyDonation(r.Context(), app.VerifyInput{
			OrderID:       req.OrderID,
			TransactionID: req.TransactionID,
		})
		if err != nil {
			writeKindError(w, err)
			return
		}

		resp := verifyDonationResponse{
			Status:                "success",
			OrderID:               res.Order.ID,
			OrderStatus:           string(res.Order.Status),
			VerifiedTransactionID: res.Order.VerifiedTransactionID,
			FailureCode:           res.Order.FailureCode,
			UpdatedAt:             res.Order.UpdatedAt,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type verifyDonationRequest struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
}

type verifyDonationResponse struct {
	Status                string    `json:"status"`
	OrderID               string    `json:"order_id"`
	OrderStatus           string    `json:"order_status"`
	VerifiedTransactionID string    `json:"verified_transaction_id,omitempty"`
	FailureCode           string    `json:"failure_code,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}
