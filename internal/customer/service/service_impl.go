package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/clock"
	"github.com/nusalink/ispbill/internal/customer/domain"
	plandomain "github.com/nusalink/ispbill/internal/plan/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	PlanRepo plandomain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	planRepo plandomain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("customer.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		planRepo: p.PlanRepo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateCustomerRequest) (domain.Customer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Customer{}, domain.ErrInvalidName
	}

	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return domain.Customer{}, domain.ErrInvalidEmail
	}

	planID, err := snowflake.ParseString(strings.TrimSpace(req.PlanID))
	if err != nil || planID == 0 {
		return domain.Customer{}, domain.ErrInvalidPlan
	}
	plan, err := s.planRepo.FindByID(ctx, s.db, planID)
	if err != nil {
		return domain.Customer{}, err
	}
	if plan == nil {
		return domain.Customer{}, domain.ErrInvalidPlan
	}

	cycleDay := req.BillingCycleDay
	if cycleDay == 0 {
		cycleDay = 1
	}
	if cycleDay < 1 || cycleDay > 31 {
		return domain.Customer{}, domain.ErrInvalidCycleDay
	}

	var partnerID *snowflake.ID
	if trimmed := strings.TrimSpace(req.PartnerID); trimmed != "" {
		id, err := snowflake.ParseString(trimmed)
		if err != nil || id == 0 {
			return domain.Customer{}, domain.ErrInvalidID
		}
		partnerID = &id
	}

	now := s.clock.Now()
	customer := domain.Customer{
		ID:              s.genID.Generate(),
		Name:            name,
		Email:           email,
		Phone:           strings.TrimSpace(req.Phone),
		PlanID:          planID,
		PartnerID:       partnerID,
		Status:          domain.StatusActive,
		IsTaxed:         req.IsTaxed,
		UsageResetAt:    nextCycleStart(now, cycleDay),
		BillingCycleDay: cycleDay,
		Balance:         decimal.Zero,
		Metadata:        datatypes.JSONMap{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Insert(ctx, s.db, &customer); err != nil {
		return domain.Customer{}, err
	}

	s.log.Info("customer created",
		zap.String("customer_id", customer.ID.String()),
		zap.String("plan_id", planID.String()),
	)
	return customer, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.Customer, error) {
	parsed, err := s.parseID(id)
	if err != nil {
		return domain.Customer{}, err
	}
	item, err := s.repo.FindByID(ctx, s.db, parsed)
	if err != nil {
		return domain.Customer{}, err
	}
	if item == nil {
		return domain.Customer{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) List(ctx context.Context, filter domain.ListCustomerFilter) ([]domain.Customer, error) {
	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}
	customers := make([]domain.Customer, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		customers = append(customers, *item)
	}
	return customers, nil
}

func (s *Service) Retire(ctx context.Context, id string) error {
	parsed, err := s.parseID(id)
	if err != nil {
		return err
	}
	item, err := s.repo.FindByID(ctx, s.db, parsed)
	if err != nil {
		return err
	}
	if item == nil {
		return domain.ErrNotFound
	}
	return s.repo.Retire(ctx, s.db, parsed, s.clock.Now())
}

// Metadata keys the invoice generator settles a pending plan change from.
const (
	metaPlanChangeOldPrice = "plan_change_old_price"
	metaPlanChangeNewPrice = "plan_change_new_price"
	metaPlanChangeAt       = "plan_change_at"
)

func (s *Service) ChangePlan(ctx context.Context, id string, planID string) (domain.Customer, error) {
	customerID, err := s.parseID(id)
	if err != nil {
		return domain.Customer{}, err
	}
	newPlanID, err := snowflake.ParseString(strings.TrimSpace(planID))
	if err != nil || newPlanID == 0 {
		return domain.Customer{}, domain.ErrInvalidPlan
	}

	var out domain.Customer
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		customer, err := s.repo.FindByID(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if customer == nil || customer.RetiredAt != nil {
			return domain.ErrNotFound
		}
		if customer.Status == domain.StatusCancelled {
			return domain.ErrCancelled
		}
		if customer.PlanID == newPlanID {
			out = *customer
			return nil
		}

		newPlan, err := s.planRepo.FindByID(ctx, tx, newPlanID)
		if err != nil {
			return err
		}
		if newPlan == nil {
			return domain.ErrInvalidPlan
		}
		oldPlan, err := s.planRepo.FindByID(ctx, tx, customer.PlanID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if customer.Metadata == nil {
			customer.Metadata = datatypes.JSONMap{}
		}
		// A second change in the same cycle keeps the price the cycle
		// started on, so the adjustment settles against the original plan.
		if _, pending := customer.Metadata[metaPlanChangeOldPrice]; !pending && oldPlan != nil {
			customer.Metadata[metaPlanChangeOldPrice] = oldPlan.Price.String()
		}
		customer.Metadata[metaPlanChangeNewPrice] = newPlan.Price.String()
		customer.Metadata[metaPlanChangeAt] = now.UTC().Format(time.RFC3339)

		if err := s.repo.UpdatePlan(ctx, tx, customerID, newPlanID, customer.Metadata, now); err != nil {
			return err
		}
		customer.PlanID = newPlanID
		customer.UpdatedAt = now
		out = *customer
		return nil
	})
	if err != nil {
		return domain.Customer{}, err
	}

	s.log.Info("customer plan changed",
		zap.String("customer_id", customerID.String()),
		zap.String("plan_id", newPlanID.String()),
	)
	return out, nil
}

func (s *Service) parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

// nextCycleStart returns the first instant of the customer's next billing
// cycle. Cycle days past the month's length clamp to the last day.
func nextCycleStart(now time.Time, cycleDay int) time.Time {
	year, month, _ := now.Date()
	candidate := cycleStartFor(year, month, cycleDay, now.Location())
	if !candidate.After(now) {
		candidate = cycleStartFor(year, month+1, cycleDay, now.Location())
	}
	return candidate
}

func cycleStartFor(year int, month time.Month, cycleDay int, loc *time.Location) time.Time {
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	lastDay := firstOfMonth.AddDate(0, 1, -1).Day()
	if cycleDay > lastDay {
		cycleDay = lastDay
	}
	return time.Date(firstOfMonth.Year(), firstOfMonth.Month(), cycleDay, 0, 0, 0, 0, loc)
}
