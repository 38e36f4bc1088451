package invoices

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wownero420/btcpayserver/internal/database"
)

// PaymentService owns payment writes. Inserts are idempotent on the payment
// identifier so re-observed transfers never produce duplicate records.
type PaymentService struct {
	db  *database.DB
	log zerolog.Logger
}

func NewPaymentService(db *database.DB, log zerolog.Logger) *PaymentService {
	return &PaymentService{
		db:  db,
		log: log.With().Str("component", "payment_service").Logger(),
	}
}

// AddPayment records a newly observed payment. When a payment with the same
// identifier already exists for the invoice and currency, it returns
// (nil, nil) and leaves the existing record untouched.
func (s *PaymentService) AddPayment(invoiceID string, receivedAt time.Time, data PaymentData, cryptoCode string, accepted bool) (*Payment, error) {
	payment := &Payment{
		ID:         uuid.NewString(),
		InvoiceID:  invoiceID,
		Currency:   cryptoCode,
		ReceivedAt: receivedAt.UTC(),
		Accepted:   accepted,
		Data:       data,
	}

	blob, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment data: %w", err)
	}

	result, err := s.db.Conn().Exec(
		`INSERT OR IGNORE INTO payments (id, invoice_id, currency, payment_id, received_at, accepted, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		payment.ID, invoiceID, cryptoCode, data.PaymentID(),
		payment.ReceivedAt.Format(time.RFC3339Nano), boolToInt(accepted), string(blob),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert payment: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		s.log.Debug().
			Str("invoice_id", invoiceID).
			Str("payment_id", data.PaymentID()).
			Msg("Payment already recorded, skipping")
		return nil, nil
	}

	return payment, nil
}

// UpdatePayments persists the given payment records in one transaction.
// Used by sweeps to refresh confirmation counts and heights in bulk.
func (s *PaymentService) UpdatePayments(payments []*Payment) error {
	if len(payments) == 0 {
		return nil
	}

	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		for _, payment := range payments {
			blob, err := json.Marshal(payment.Data)
			if err != nil {
				return fmt.Errorf("failed to marshal payment data: %w", err)
			}

			_, err = tx.Exec(
				"UPDATE payments SET accepted = ?, data = ? WHERE id = ?",
				boolToInt(payment.Accepted), string(blob), payment.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to update payment %s: %w", payment.ID, err)
			}
		}
		return nil
	})
}
