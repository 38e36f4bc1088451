package invoices

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wownero420/btcpayserver/internal/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS invoices (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	price      REAL NOT NULL,
	currency   TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS invoice_methods (
	invoice_id      TEXT NOT NULL REFERENCES invoices(id),
	currency        TEXT NOT NULL,
	deposit_address TEXT NOT NULL DEFAULT '',
	activated       INTEGER NOT NULL DEFAULT 0,
	details         TEXT NOT NULL,
	PRIMARY KEY (invoice_id, currency)
);

CREATE INDEX IF NOT EXISTS idx_methods_address
	ON invoice_methods(currency, deposit_address);

CREATE TABLE IF NOT EXISTS payments (
	id          TEXT PRIMARY KEY,
	invoice_id  TEXT NOT NULL REFERENCES invoices(id),
	currency    TEXT NOT NULL,
	payment_id  TEXT NOT NULL,
	received_at TEXT NOT NULL,
	accepted    INTEGER NOT NULL,
	data        TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_payment_id
	ON payments(invoice_id, currency, payment_id);
`

// Repository stores invoices, their per-currency method details, and their
// payments. Method details and payment data persist as JSON columns; the
// deposit address and activation flag are mirrored into plain columns so
// sweeps can filter in SQL.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

func NewRepository(db *database.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Conn().Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create invoice schema: %w", err)
	}

	return &Repository{
		db:  db,
		log: log.With().Str("repo", "invoices").Logger(),
	}, nil
}

// CreateInvoice persists a new pending invoice with its method details.
func (r *Repository) CreateInvoice(invoice *Invoice) error {
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	if invoice.Status == "" {
		invoice.Status = StatusPending
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}

	return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO invoices (id, status, price, currency, created_at) VALUES (?, ?, ?, ?, ?)",
			invoice.ID, string(invoice.Status), invoice.Price, invoice.Currency,
			invoice.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to insert invoice: %w", err)
		}

		for code, details := range invoice.Methods {
			if err := upsertMethod(tx, invoice.ID, code, details); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetInvoice loads one invoice with its methods and payments, or nil when
// it does not exist.
func (r *Repository) GetInvoice(invoiceID string) (*Invoice, error) {
	rows, err := r.db.Conn().Query(
		"SELECT id, status, price, currency, created_at FROM invoices WHERE id = ?",
		invoiceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}

	invoice, err := scanInvoice(rows)
	if err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to close invoice rows: %w", err)
	}

	if err := r.loadChildren([]*Invoice{invoice}); err != nil {
		return nil, err
	}
	return invoice, nil
}

// GetPendingInvoices returns all invoices still awaiting settlement,
// with methods and payments attached.
func (r *Repository) GetPendingInvoices() ([]*Invoice, error) {
	rows, err := r.db.Conn().Query(
		"SELECT id, status, price, currency, created_at FROM invoices WHERE status = ?",
		string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending invoices: %w", err)
	}
	defer rows.Close()

	var result []*Invoice
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, invoice)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending invoices: %w", err)
	}

	if err := r.loadChildren(result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetInvoicesFromAddresses resolves invoices whose current deposit address
// for the given currency is one of addrs.
func (r *Repository) GetInvoicesFromAddresses(cryptoCode string, addrs []string) ([]*Invoice, error) {
	if len(addrs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(addrs)), ",")
	args := make([]any, 0, 2*(len(addrs)+1))
	args = append(args, cryptoCode)
	for _, addr := range addrs {
		args = append(args, addr)
	}
	args = append(args, cryptoCode)
	for _, addr := range addrs {
		args = append(args, addr)
	}

	// A rotated invoice no longer exposes the paid address as its current
	// one, so past payment addresses have to match too.
	query := `SELECT i.id, i.status, i.price, i.currency, i.created_at
		FROM invoices i
		JOIN invoice_methods m ON m.invoice_id = i.id
		WHERE m.currency = ? AND m.deposit_address IN (` + placeholders + `)
		UNION
		SELECT i.id, i.status, i.price, i.currency, i.created_at
		FROM invoices i
		JOIN payments p ON p.invoice_id = i.id
		WHERE p.currency = ? AND json_extract(p.data, '$.address') IN (` + placeholders + `)`

	rows, err := r.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices by address: %w", err)
	}
	defer rows.Close()

	var result []*Invoice
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, invoice)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate invoices by address: %w", err)
	}

	if err := r.loadChildren(result); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateMethodDetails replaces the method details an invoice exposes for a
// currency. Used both at activation and on deposit address rotation.
func (r *Repository) UpdateMethodDetails(invoiceID, cryptoCode string, details MethodDetails) error {
	return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		return upsertMethod(tx, invoiceID, cryptoCode, details)
	})
}

// SetStatus moves an invoice to the given status.
func (r *Repository) SetStatus(invoiceID string, status Status) error {
	result, err := r.db.Conn().Exec(
		"UPDATE invoices SET status = ? WHERE id = ?",
		string(status), invoiceID,
	)
	if err != nil {
		return fmt.Errorf("failed to update invoice status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("invoice %s not found", invoiceID)
	}
	return nil
}

// MarkInvoiceSettled marks an invoice settled.
func (r *Repository) MarkInvoiceSettled(invoiceID string) error {
	return r.SetStatus(invoiceID, StatusSettled)
}

// MarkInvoiceExpired marks an invoice expired.
func (r *Repository) MarkInvoiceExpired(invoiceID string) error {
	return r.SetStatus(invoiceID, StatusExpired)
}

func upsertMethod(tx *sql.Tx, invoiceID, cryptoCode string, details MethodDetails) error {
	blob, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal method details: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO invoice_methods (invoice_id, currency, deposit_address, activated, details)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (invoice_id, currency)
		 DO UPDATE SET deposit_address = excluded.deposit_address,
		               activated = excluded.activated,
		               details = excluded.details`,
		invoiceID, cryptoCode, details.DepositAddress, boolToInt(details.Activated), string(blob),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert method details: %w", err)
	}
	return nil
}

// loadChildren attaches methods and payments to the given invoices.
func (r *Repository) loadChildren(list []*Invoice) error {
	if len(list) == 0 {
		return nil
	}

	byID := make(map[string]*Invoice, len(list))
	ids := make([]any, 0, len(list))
	for _, invoice := range list {
		invoice.Methods = make(map[string]MethodDetails)
		invoice.Payments = nil
		byID[invoice.ID] = invoice
		ids = append(ids, invoice.ID)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	methodRows, err := r.db.Conn().Query(
		"SELECT invoice_id, currency, details FROM invoice_methods WHERE invoice_id IN ("+placeholders+")",
		ids...,
	)
	if err != nil {
		return fmt.Errorf("failed to query invoice methods: %w", err)
	}
	defer methodRows.Close()

	for methodRows.Next() {
		var invoiceID, currency, blob string
		if err := methodRows.Scan(&invoiceID, &currency, &blob); err != nil {
			return fmt.Errorf("failed to scan invoice method: %w", err)
		}

		var details MethodDetails
		if err := json.Unmarshal([]byte(blob), &details); err != nil {
			return fmt.Errorf("failed to unmarshal method details: %w", err)
		}
		byID[invoiceID].Methods[currency] = details
	}
	if err := methodRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate invoice methods: %w", err)
	}

	paymentRows, err := r.db.Conn().Query(
		`SELECT id, invoice_id, currency, received_at, accepted, data
		 FROM payments WHERE invoice_id IN (`+placeholders+`) ORDER BY received_at`,
		ids...,
	)
	if err != nil {
		return fmt.Errorf("failed to query payments: %w", err)
	}
	defer paymentRows.Close()

	for paymentRows.Next() {
		payment, err := scanPayment(paymentRows)
		if err != nil {
			return err
		}
		invoice := byID[payment.InvoiceID]
		invoice.Payments = append(invoice.Payments, payment)
	}
	if err := paymentRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate payments: %w", err)
	}

	return nil
}

func scanInvoice(rows *sql.Rows) (*Invoice, error) {
	var invoice Invoice
	var status, createdAt string
	if err := rows.Scan(&invoice.ID, &status, &invoice.Price, &invoice.Currency, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}

	invoice.Status = Status(status)
	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse invoice timestamp: %w", err)
	}
	invoice.CreatedAt = parsed
	return &invoice, nil
}

func scanPayment(rows *sql.Rows) (*Payment, error) {
	var payment Payment
	var receivedAt, blob string
	var accepted int
	if err := rows.Scan(&payment.ID, &payment.InvoiceID, &payment.Currency, &receivedAt, &accepted, &blob); err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, receivedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payment timestamp: %w", err)
	}
	payment.ReceivedAt = parsed
	payment.Accepted = accepted != 0

	if err := json.Unmarshal([]byte(blob), &payment.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment data: %w", err)
	}
	return &payment, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
