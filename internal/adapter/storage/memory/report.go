package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ReportRepo implements ports.ReportRepository on a Store.
type ReportRepo struct {
	store *Store
}

func NewReportRepo(s *Store) *ReportRepo {
	return &ReportRepo{store: s}
}

func (r *ReportRepo) Create(ctx context.Context, rep *domain.ReconciliationReport) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.reports[rep.ID]; ok {
		return fmt.Errorf("insert reconciliation report %s: already exists", rep.ID)
	}
	c := *rep
	c.Discrepancies = nil
	r.store.reports[rep.ID] = &c
	r.store.reportSeq[rep.ID] = len(r.store.reportSeq)
	return nil
}

func (r *ReportRepo) Finalize(ctx context.Context, tx pgx.Tx, rep *domain.ReconciliationReport) error {
	mt, err := asMemTx(tx)
	if err != nil {
		return err
	}

	r.store.mu.RLock()
	current, ok := r.store.reports[rep.ID]
	var status domain.ReportStatus
	if ok {
		status = current.Status
	}
	r.store.mu.RUnlock()
	if !ok {
		return fmt.Errorf("finalize reconciliation report %s: %w", rep.ID, pgx.ErrNoRows)
	}
	if status != domain.ReportStatusInProgress {
		return fmt.Errorf("finalize reconciliation report %s: %w", rep.ID, ports.ErrReportFinalized)
	}

	c := *rep
	c.CompletedAt = cloneTime(rep.CompletedAt)
	c.Error = cloneString(rep.Error)
	c.Discrepancies = nil
	discs := make([]domain.Discrepancy, len(rep.Discrepancies))
	for i, d := range rep.Discrepancies {
		d.ReportID = rep.ID
		discs[i] = d
	}

	mt.stage(func() {
		r.store.reports[c.ID] = &c
		for i := range discs {
			d := discs[i]
			r.store.discrepancies[d.ID] = &d
		}
	})
	return nil
}

// FailStale takes the writer slot so it cannot interleave with a Finalize
// staged in an open transaction.
func (r *ReportRepo) FailStale(ctx context.Context, olderThan time.Time, reason string, at time.Time) (int64, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var n int64
	for _, rep := range r.store.reports {
		if rep.Status != domain.ReportStatusInProgress || !rep.CreatedAt.Before(olderThan) {
			continue
		}
		msg := reason
		done := at
		rep.Status = domain.ReportStatusFailed
		rep.Error = &msg
		rep.CompletedAt = &done
		n++
	}
	return n, nil
}

func (r *ReportRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.ReconciliationReport, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rep, ok := r.store.reports[id]
	if !ok {
		return nil, nil
	}
	return r.withDiscrepancies(rep), nil
}

func (r *ReportRepo) GetLatest(ctx context.Context) (*domain.ReconciliationReport, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var latest *domain.ReconciliationReport
	for _, rep := range r.store.reports {
		if latest == nil ||
			rep.CreatedAt.After(latest.CreatedAt) ||
			(rep.CreatedAt.Equal(latest.CreatedAt) && r.store.reportSeq[rep.ID] > r.store.reportSeq[latest.ID]) {
			latest = rep
		}
	}
	if latest == nil {
		return nil, nil
	}
	return r.withDiscrepancies(latest), nil
}

func (r *ReportRepo) ListUnresolvedDiscrepancies(ctx context.Context, limit int) ([]domain.Discrepancy, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := []domain.Discrepancy{}
	for _, d := range r.store.discrepancies {
		if !d.Resolved {
			out = append(out, cloneDiscrepancy(d))
		}
	}
	sortDiscrepancies(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ReportRepo) CountUnresolvedDiscrepancies(ctx context.Context) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var n int64
	for _, d := range r.store.discrepancies {
		if !d.Resolved {
			n++
		}
	}
	return n, nil
}

func (r *ReportRepo) ResolveDiscrepancy(ctx context.Context, reportID, discrepancyID uuid.UUID, notes string, at time.Time) (*domain.Discrepancy, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	d, ok := r.store.discrepancies[discrepancyID]
	if !ok || d.ReportID != reportID {
		return nil, nil
	}
	d.Resolved = true
	d.ResolutionNotes = &notes
	ts := at
	d.ResolvedAt = &ts

	c := cloneDiscrepancy(d)
	return &c, nil
}

// withDiscrepancies copies rep and attaches its discrepancies; callers hold the read lock.
func (r *ReportRepo) withDiscrepancies(rep *domain.ReconciliationReport) *domain.ReconciliationReport {
	c := *rep
	c.CompletedAt = cloneTime(rep.CompletedAt)
	c.Error = cloneString(rep.Error)
	c.Discrepancies = []domain.Discrepancy{}
	for _, d := range r.store.discrepancies {
		if d.ReportID == rep.ID {
			c.Discrepancies = append(c.Discrepancies, cloneDiscrepancy(d))
		}
	}
	sortDiscrepancies(c.Discrepancies)
	return &c
}

func sortDiscrepancies(ds []domain.Discrepancy) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].ExternalTxID < ds[j].ExternalTxID
	})
}

func cloneDiscrepancy(d *domain.Discrepancy) domain.Discrepancy {
	c := *d
	if d.LedgerTxID != nil {
		id := *d.LedgerTxID
		c.LedgerTxID = &id
	}
	c.ResolutionNotes = cloneString(d.ResolutionNotes)
	c.ResolvedAt = cloneTime(d.ResolvedAt)
	return c
}
