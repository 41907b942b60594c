package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingConfig carries billing policy knobs. It replaces the stringly-typed
// settings table the admin UI exposes: resolved once per run, hot-reloadable
// through the holder below.
type BillingConfig struct {
	// Tax rates applied independently to the discounted subtotal when the
	// customer is flagged taxable. Each is a fraction, e.g. 0.11 for 11%.
	VATRate              float64 `mapstructure:"vatRate"`
	RegulatoryLevyRate   float64 `mapstructure:"regulatoryLevyRate"`
	UniversalServiceRate float64 `mapstructure:"universalServiceRate"`

	// DueDays is added to the generation date to produce the invoice due date.
	DueDays int `mapstructure:"dueDays"`

	// UniqueCodeMax bounds the random bank-transfer disambiguation surcharge.
	// The surcharge is drawn from [1, UniqueCodeMax]; 0 disables it.
	UniqueCodeMax int `mapstructure:"uniqueCodeMax"`

	// ReminderMinDays/ReminderMaxDays bound the overdue window (in days past
	// due) that still receives a reminder instead of a suspension.
	ReminderMinDays int `mapstructure:"reminderMinDays"`
	ReminderMaxDays int `mapstructure:"reminderMaxDays"`

	// SuspendGraceDays delays suspension past the due date.
	SuspendGraceDays int `mapstructure:"suspendGraceDays"`

	// PartnerCommissionRate is the fraction of a settled invoice credited to
	// the referring partner's ledger. 0 disables commissions.
	PartnerCommissionRate float64 `mapstructure:"partnerCommissionRate"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		VATRate:               0.11,
		RegulatoryLevyRate:    0.005,
		UniversalServiceRate:  0.0125,
		DueDays:               5,
		UniqueCodeMax:         999,
		ReminderMinDays:       1,
		ReminderMaxDays:       3,
		SuspendGraceDays:      0,
		PartnerCommissionRate: 0.05,
	}
}

// BillingConfigHolder serves the current BillingConfig and hot-reloads it
// when the backing file changes.
type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder(appCfg Config, logger *zap.Logger) (*BillingConfigHolder, error) {
	log := logger.Named("config.billing")
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	if appCfg.BillingConfigPath != "" {
		v.AddConfigPath(appCfg.BillingConfigPath)
	}
	v.AddConfigPath("/etc/ispbill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ISPBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.vatRate", defaults.VATRate)
	v.SetDefault("billing.regulatoryLevyRate", defaults.RegulatoryLevyRate)
	v.SetDefault("billing.universalServiceRate", defaults.UniversalServiceRate)
	v.SetDefault("billing.dueDays", defaults.DueDays)
	v.SetDefault("billing.uniqueCodeMax", defaults.UniqueCodeMax)
	v.SetDefault("billing.reminderMinDays", defaults.ReminderMinDays)
	v.SetDefault("billing.reminderMaxDays", defaults.ReminderMaxDays)
	v.SetDefault("billing.suspendGraceDays", defaults.SuspendGraceDays)
	v.SetDefault("billing.partnerCommissionRate", defaults.PartnerCommissionRate)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated BillingConfig
			if err := v.UnmarshalKey("billing", &updated); err != nil {
				log.Error("billing config reload failed", zap.Error(err))
				return
			}
			if err := validateBillingConfig(updated); err != nil {
				log.Warn("invalid billing config ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("billing config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.VATRate < 0 || cfg.RegulatoryLevyRate < 0 || cfg.UniversalServiceRate < 0 {
		return errors.New("billing tax rates cannot be negative")
	}
	if cfg.DueDays < 0 {
		return errors.New("billing.dueDays cannot be negative")
	}
	if cfg.UniqueCodeMax < 0 {
		return errors.New("billing.uniqueCodeMax cannot be negative")
	}
	if cfg.ReminderMinDays < 0 || cfg.ReminderMaxDays < cfg.ReminderMinDays {
		return errors.New("billing reminder window is invalid")
	}
	if cfg.PartnerCommissionRate < 0 || cfg.PartnerCommissionRate >= 1 {
		return errors.New("billing.partnerCommissionRate must be in [0, 1)")
	}
	return nil
}
