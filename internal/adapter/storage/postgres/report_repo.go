package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const reportColumns = `id, period_start, period_end, status, external_count, ledger_count,
	matched_count, discrepancy_count, external_total::text, ledger_total::text, difference::text,
	error, created_at, completed_at`

const discrepancyColumns = `id, report_id, kind, external_tx_id, ledger_tx_id,
	external_amount::text, ledger_amount::text, difference::text,
	resolved, resolution_notes, resolved_at, created_at`

// ReportRepo implements ports.ReportRepository using PostgreSQL.
type ReportRepo struct {
	pool Pool
}

// NewReportRepo creates a new ReportRepo.
func NewReportRepo(pool Pool) *ReportRepo {
	return &ReportRepo{pool: pool}
}

// Create inserts an in-progress report.
func (r *ReportRepo) Create(ctx context.Context, rep *domain.ReconciliationReport) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO reconciliation_reports (id, period_start, period_end, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rep.ID, rep.Start, rep.End, string(rep.Status), rep.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reconciliation report: %w", err)
	}
	return nil
}

// Finalize stores the terminal state of rep and inserts its discrepancies.
// Only an in-progress report can be finalized.
func (r *ReportRepo) Finalize(ctx context.Context, tx pgx.Tx, rep *domain.ReconciliationReport) error {
	tag, err := tx.Exec(ctx,
		`UPDATE reconciliation_reports
		SET status = $1, external_count = $2, ledger_count = $3, matched_count = $4,
			discrepancy_count = $5, external_total = $6::numeric, ledger_total = $7::numeric,
			difference = $8::numeric, error = $9, completed_at = $10
		WHERE id = $11 AND status = $12`,
		string(rep.Status), rep.ExternalCount, rep.LedgerCount, rep.MatchedCount,
		rep.DiscrepancyCount, rep.ExternalTotal.String(), rep.LedgerTotal.String(),
		rep.Difference.String(), rep.Error, rep.CompletedAt, rep.ID,
		string(domain.ReportStatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("finalize reconciliation report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize reconciliation report %s: %w", rep.ID, ports.ErrReportFinalized)
	}

	for _, d := range rep.Discrepancies {
		_, err := tx.Exec(ctx,
			`INSERT INTO reconciliation_discrepancies (id, report_id, kind, external_tx_id, ledger_tx_id,
				external_amount, ledger_amount, difference, resolved, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10)`,
			d.ID, rep.ID, string(d.Kind), d.ExternalTxID, d.LedgerTxID,
			d.ExternalAmount.String(), d.LedgerAmount.String(), d.Difference.String(),
			d.Resolved, d.CreatedAt,
		)
		if err != nil {
			return wrapWriteErr("insert discrepancy", err)
		}
	}
	return nil
}

// FailStale closes in-progress reports created before olderThan.
func (r *ReportRepo) FailStale(ctx context.Context, olderThan time.Time, reason string, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE reconciliation_reports
		SET status = $1, error = $2, completed_at = $3
		WHERE status = $4 AND created_at < $5`,
		string(domain.ReportStatusFailed), reason, at,
		string(domain.ReportStatusInProgress), olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale reconciliation reports: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetByID returns nil, nil when the report does not exist.
func (r *ReportRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.ReconciliationReport, error) {
	return r.getOne(ctx, "SELECT "+reportColumns+" FROM reconciliation_reports WHERE id = $1", id)
}

// GetLatest returns the most recently started report, or nil, nil.
func (r *ReportRepo) GetLatest(ctx context.Context) (*domain.ReconciliationReport, error) {
	return r.getOne(ctx, "SELECT "+reportColumns+" FROM reconciliation_reports ORDER BY created_at DESC, id DESC LIMIT 1")
}

func (r *ReportRepo) getOne(ctx context.Context, query string, args ...any) (*domain.ReconciliationReport, error) {
	rep, err := scanReport(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reconciliation report: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		"SELECT "+discrepancyColumns+" FROM reconciliation_discrepancies WHERE report_id = $1 ORDER BY created_at, external_tx_id",
		rep.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("load discrepancies: %w", err)
	}
	rep.Discrepancies, err = scanDiscrepancies(rows)
	if err != nil {
		return nil, fmt.Errorf("load discrepancies: %w", err)
	}
	return rep, nil
}

// ListUnresolvedDiscrepancies returns open discrepancies across all runs, oldest first.
func (r *ReportRepo) ListUnresolvedDiscrepancies(ctx context.Context, limit int) ([]domain.Discrepancy, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+discrepancyColumns+" FROM reconciliation_discrepancies WHERE resolved = false ORDER BY created_at, external_tx_id LIMIT $1",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unresolved discrepancies: %w", err)
	}
	out, err := scanDiscrepancies(rows)
	if err != nil {
		return nil, fmt.Errorf("list unresolved discrepancies: %w", err)
	}
	return out, nil
}

func (r *ReportRepo) CountUnresolvedDiscrepancies(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM reconciliation_discrepancies WHERE resolved = false",
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unresolved discrepancies: %w", err)
	}
	return n, nil
}

// ResolveDiscrepancy marks a discrepancy resolved. Returns nil, nil when
// no discrepancy of reportID has discrepancyID.
func (r *ReportRepo) ResolveDiscrepancy(ctx context.Context, reportID, discrepancyID uuid.UUID, notes string, at time.Time) (*domain.Discrepancy, error) {
	d, err := scanDiscrepancy(r.pool.QueryRow(ctx,
		`UPDATE reconciliation_discrepancies
		SET resolved = true, resolution_notes = $1, resolved_at = $2
		WHERE id = $3 AND report_id = $4
		RETURNING `+discrepancyColumns,
		notes, at, discrepancyID, reportID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve discrepancy: %w", err)
	}
	return d, nil
}

func scanReport(row pgx.Row) (*domain.ReconciliationReport, error) {
	var (
		rep                    domain.ReconciliationReport
		status                 string
		extTotal, ledTotal, df string
	)
	if err := row.Scan(
		&rep.ID, &rep.Start, &rep.End, &status, &rep.ExternalCount, &rep.LedgerCount,
		&rep.MatchedCount, &rep.DiscrepancyCount, &extTotal, &ledTotal, &df,
		&rep.Error, &rep.CreatedAt, &rep.CompletedAt,
	); err != nil {
		return nil, err
	}

	rep.Status = domain.ReportStatus(status)
	var err error
	if rep.ExternalTotal, err = decimal.NewFromString(extTotal); err != nil {
		return nil, fmt.Errorf("parse external_total: %w", err)
	}
	if rep.LedgerTotal, err = decimal.NewFromString(ledTotal); err != nil {
		return nil, fmt.Errorf("parse ledger_total: %w", err)
	}
	if rep.Difference, err = decimal.NewFromString(df); err != nil {
		return nil, fmt.Errorf("parse difference: %w", err)
	}
	rep.Discrepancies = []domain.Discrepancy{}
	return &rep, nil
}

func scanDiscrepancies(rows pgx.Rows) ([]domain.Discrepancy, error) {
	defer rows.Close()

	out := []domain.Discrepancy{}
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDiscrepancy(row pgx.Row) (*domain.Discrepancy, error) {
	var (
		d                        domain.Discrepancy
		kind                     string
		extAmount, ledAmount, df string
	)
	if err := row.Scan(
		&d.ID, &d.ReportID, &kind, &d.ExternalTxID, &d.LedgerTxID,
		&extAmount, &ledAmount, &df,
		&d.Resolved, &d.ResolutionNotes, &d.ResolvedAt, &d.CreatedAt,
	); err != nil {
		return nil, err
	}

	d.Kind = domain.DiscrepancyKind(kind)
	var err error
	if d.ExternalAmount, err = decimal.NewFromString(extAmount); err != nil {
		return nil, fmt.Errorf("parse external_amount: %w", err)
	}
	if d.LedgerAmount, err = decimal.NewFromString(ledAmount); err != nil {
		return nil, fmt.Errorf("parse ledger_amount: %w", err)
	}
	if d.Difference, err = decimal.NewFromString(df); err != nil {
		return nil, fmt.Errorf("parse difference: %w", err)
	}
	return &d, nil
}
