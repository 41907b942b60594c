package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/audit"
	"github.com/nusalink/ispbill/internal/clock"
	ledgerdomain "github.com/nusalink/ispbill/internal/ledger/domain"
	obsmetrics "github.com/nusalink/ispbill/internal/observability/metrics"
	"github.com/nusalink/ispbill/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	AuditSvc *audit.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	auditSvc *audit.Service
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("ledger.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) Post(ctx context.Context, req ledgerdomain.PostRequest) (ledgerdomain.Transaction, error) {
	var posted ledgerdomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		posted, err = s.PostTx(ctx, tx, req)
		return err
	})
	return posted, err
}

func (s *Service) PostTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.PostRequest) (ledgerdomain.Transaction, error) {
	if err := validatePost(req); err != nil {
		return ledgerdomain.Transaction{}, err
	}

	// The cached balance update doubles as the per-owner write lock: every
	// poster serializes on the owner row before the append becomes visible.
	delta := req.Amount
	if req.Direction == ledgerdomain.DirectionDebit {
		delta = delta.Neg()
	}
	now := s.clock.Now()
	result := tx.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET balance = balance + ?, updated_at = ? WHERE id = ? AND frozen = ?`, ownerTable(req.Owner.Type)),
		delta,
		now,
		req.Owner.ID,
		false,
	)
	if result.Error != nil {
		return ledgerdomain.Transaction{}, result.Error
	}
	if result.RowsAffected == 0 {
		frozen, err := s.ownerFrozen(ctx, tx, req.Owner)
		if err != nil {
			return ledgerdomain.Transaction{}, err
		}
		if frozen {
			return ledgerdomain.Transaction{}, ledgerdomain.ErrOwnerFrozen
		}
		return ledgerdomain.Transaction{}, ledgerdomain.ErrInvalidOwner
	}

	txn := ledgerdomain.Transaction{
		ID:        s.genID.Generate(),
		OwnerType: req.Owner.Type,
		OwnerID:   req.Owner.ID,
		Direction: req.Direction,
		Amount:    req.Amount,
		Category:  req.Category,
		Note:      strings.TrimSpace(req.Note),
		CreatedAt: now,
	}
	if !req.Reference.IsZero() {
		kind := req.Reference.Kind
		id := req.Reference.ID
		txn.RefKind = &kind
		txn.RefID = &id
	}

	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_transactions (
			id, owner_type, owner_id, direction, amount, category, ref_kind, ref_id, note, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.OwnerType,
		txn.OwnerID,
		txn.Direction,
		txn.Amount,
		txn.Category,
		txn.RefKind,
		txn.RefID,
		txn.Note,
		txn.CreatedAt,
	).Error; err != nil {
		return ledgerdomain.Transaction{}, err
	}

	s.auditSvc.RecordTx(ctx, tx, "ledger.posted", "ledger_transaction", txn.ID.String(), map[string]any{
		"owner_type": string(txn.OwnerType),
		"owner_id":   txn.OwnerID.String(),
		"direction":  string(txn.Direction),
		"amount":     txn.Amount.String(),
		"category":   txn.Category,
	})
	obsmetrics.Billing().IncLedgerPosting(txn.Category)
	return txn, nil
}

func (s *Service) BalanceOf(ctx context.Context, owner ledgerdomain.Owner) (decimal.Decimal, error) {
	if owner.ID == 0 {
		return decimal.Zero, ledgerdomain.ErrInvalidOwner
	}
	var row struct {
		Total decimal.Decimal
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE WHEN direction = ? THEN amount ELSE -amount END), 0) AS total
		 FROM ledger_transactions
		 WHERE owner_type = ? AND owner_id = ?`,
		ledgerdomain.DirectionCredit,
		owner.Type,
		owner.ID,
	).Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.Total, nil
}

func (s *Service) PayWithBalance(ctx context.Context, owner ledgerdomain.Owner, amount decimal.Decimal, invoiceRef ledgerdomain.Reference) (ledgerdomain.PayWithBalanceResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ledgerdomain.PayWithBalanceResult{}, ledgerdomain.ErrInvalidAmount
	}
	var out ledgerdomain.PayWithBalanceResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the owner row so the balance check and the debit see one
		// serialized view.
		var cached struct {
			Balance decimal.Decimal
			Frozen  bool
		}
		query := fmt.Sprintf(`SELECT balance, frozen FROM %s WHERE id = ?%s`, ownerTable(owner.Type), db.LockSuffix(tx))
		if err := tx.WithContext(ctx).Raw(query, owner.ID).Scan(&cached).Error; err != nil {
			return err
		}
		if cached.Frozen {
			return ledgerdomain.ErrOwnerFrozen
		}
		if cached.Balance.LessThan(amount) {
			out = ledgerdomain.PayWithBalanceResult{Success: false}
			return nil
		}
		txn, err := s.PostTx(ctx, tx, ledgerdomain.PostRequest{
			Owner:     owner,
			Direction: ledgerdomain.DirectionDebit,
			Amount:    amount,
			Category:  ledgerdomain.CategoryBalancePayment,
			Reference: invoiceRef,
		})
		if err != nil {
			return err
		}
		out = ledgerdomain.PayWithBalanceResult{Success: true, Transaction: &txn}
		return nil
	})
	if err != nil {
		return ledgerdomain.PayWithBalanceResult{}, err
	}
	return out, nil
}

func (s *Service) CheckConsistency(ctx context.Context, owner ledgerdomain.Owner) (ledgerdomain.ConsistencyReport, error) {
	if owner.ID == 0 {
		return ledgerdomain.ConsistencyReport{}, ledgerdomain.ErrInvalidOwner
	}

	report := ledgerdomain.ConsistencyReport{Owner: owner}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cached struct {
			Balance decimal.Decimal
		}
		query := fmt.Sprintf(`SELECT balance FROM %s WHERE id = ?%s`, ownerTable(owner.Type), db.LockSuffix(tx))
		if err := tx.WithContext(ctx).Raw(query, owner.ID).Scan(&cached).Error; err != nil {
			return err
		}

		var row struct {
			Total decimal.Decimal
		}
		if err := tx.WithContext(ctx).Raw(
			`SELECT COALESCE(SUM(CASE WHEN direction = ? THEN amount ELSE -amount END), 0) AS total
			 FROM ledger_transactions
			 WHERE owner_type = ? AND owner_id = ?`,
			ledgerdomain.DirectionCredit,
			owner.Type,
			owner.ID,
		).Scan(&row).Error; err != nil {
			return err
		}

		report.Cached = cached.Balance
		report.Computed = row.Total
		report.Consistent = cached.Balance.Equal(row.Total)
		if report.Consistent {
			return nil
		}

		// Drift is fatal for this owner: freeze it rather than silently
		// repairing the number.
		if err := tx.WithContext(ctx).Exec(
			fmt.Sprintf(`UPDATE %s SET frozen = ?, updated_at = ? WHERE id = ?`, ownerTable(owner.Type)),
			true,
			s.clock.Now(),
			owner.ID,
		).Error; err != nil {
			return err
		}
		s.auditSvc.RecordTx(ctx, tx, "ledger.balance_drift", string(owner.Type), owner.ID.String(), map[string]any{
			"cached":   report.Cached.String(),
			"computed": report.Computed.String(),
		})
		return nil
	})
	if err != nil {
		return ledgerdomain.ConsistencyReport{}, err
	}
	if !report.Consistent {
		obsmetrics.Billing().IncBalanceDrift()
		s.log.Error("ledger balance drift detected, owner frozen",
			zap.String("owner_type", string(owner.Type)),
			zap.String("owner_id", owner.ID.String()),
			zap.String("cached", report.Cached.String()),
			zap.String("computed", report.Computed.String()),
		)
	}
	return report, nil
}

func (s *Service) ownerFrozen(ctx context.Context, tx *gorm.DB, owner ledgerdomain.Owner) (bool, error) {
	var row struct {
		ID     snowflake.ID
		Frozen bool
	}
	err := tx.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT id, frozen FROM %s WHERE id = ?`, ownerTable(owner.Type)),
		owner.ID,
	).Scan(&row).Error
	if err != nil {
		return false, err
	}
	if row.ID == 0 {
		return false, nil
	}
	return row.Frozen, nil
}

func validatePost(req ledgerdomain.PostRequest) error {
	if req.Owner.ID == 0 {
		return ledgerdomain.ErrInvalidOwner
	}
	switch req.Owner.Type {
	case ledgerdomain.OwnerTypeCustomer, ledgerdomain.OwnerTypePartner:
	default:
		return ledgerdomain.ErrInvalidOwner
	}
	switch req.Direction {
	case ledgerdomain.DirectionCredit, ledgerdomain.DirectionDebit:
	default:
		return ledgerdomain.ErrInvalidDirection
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return ledgerdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.Category) == "" {
		return ledgerdomain.ErrInvalidCategory
	}
	return nil
}

func ownerTable(t ledgerdomain.OwnerType) string {
	if t == ledgerdomain.OwnerTypePartner {
		return "partners"
	}
	return "customers"
}
