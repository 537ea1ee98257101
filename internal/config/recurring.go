package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/recurbill/internal/invoice/format"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RecurringConfig tunes invoice generation. It is read from recurring.yml
// and reloaded when the file changes.
type RecurringConfig struct {
	DefaultTaxRate      float64       `mapstructure:"defaultTaxRate"`
	PaymentTermsDays    int           `mapstructure:"paymentTermsDays"`
	ScanBatchSize       int           `mapstructure:"scanBatchSize"`
	PreviewDefaultCount int           `mapstructure:"previewDefaultCount"`
	PreviewMaxCount     int           `mapstructure:"previewMaxCount"`
	HistoryMaxLimit     int           `mapstructure:"historyMaxLimit"`
	RunLockTTL          time.Duration `mapstructure:"runLockTTL"`
	RunTimeout          time.Duration `mapstructure:"runTimeout"`
	InvoiceNumberFormat string        `mapstructure:"invoiceNumberFormat"`
}

func DefaultRecurringConfig() RecurringConfig {
	return RecurringConfig{
		DefaultTaxRate:      18,
		PaymentTermsDays:    30,
		ScanBatchSize:       100,
		PreviewDefaultCount: 5,
		PreviewMaxCount:     20,
		HistoryMaxLimit:     100,
		RunLockTTL:          10 * time.Minute,
		RunTimeout:          5 * time.Minute,
		InvoiceNumberFormat: format.DefaultInvoiceNumberLayout,
	}
}

// TaxRate returns the default tax rate as a percentage.
func (c RecurringConfig) TaxRate() decimal.Decimal {
	return decimal.NewFromFloat(c.DefaultTaxRate)
}

type RecurringConfigHolder struct {
	current atomic.Value // holds RecurringConfig
}

// NewStaticRecurringConfigHolder returns a holder that never reloads.
func NewStaticRecurringConfigHolder(cfg RecurringConfig) *RecurringConfigHolder {
	holder := &RecurringConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewRecurringConfigHolder(cfg Config, log *zap.Logger) (*RecurringConfigHolder, error) {
	log = log.Named("config.recurring")
	v := viper.New()

	v.SetConfigName("recurring")
	v.SetConfigType("yml")
	if cfg.RecurringConfigDir != "" {
		v.AddConfigPath(cfg.RecurringConfigDir)
	}
	v.AddConfigPath("/etc/recurbill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RECURBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRecurringConfig()
	v.SetDefault("recurring.defaultTaxRate", defaults.DefaultTaxRate)
	v.SetDefault("recurring.paymentTermsDays", defaults.PaymentTermsDays)
	v.SetDefault("recurring.scanBatchSize", defaults.ScanBatchSize)
	v.SetDefault("recurring.previewDefaultCount", defaults.PreviewDefaultCount)
	v.SetDefault("recurring.previewMaxCount", defaults.PreviewMaxCount)
	v.SetDefault("recurring.historyMaxLimit", defaults.HistoryMaxLimit)
	v.SetDefault("recurring.runLockTTL", defaults.RunLockTTL)
	v.SetDefault("recurring.runTimeout", defaults.RunTimeout)
	v.SetDefault("recurring.invoiceNumberFormat", defaults.InvoiceNumberFormat)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	current, err := decodeRecurringConfig(v)
	if err != nil {
		return nil, err
	}
	if err := ValidateRecurringConfig(current); err != nil {
		return nil, err
	}

	holder := NewStaticRecurringConfigHolder(current)
	if !fileFound {
		log.Info("recurring config file not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeRecurringConfig(v)
		if err != nil {
			log.Warn("recurring config reload failed", zap.Error(err))
			return
		}
		if err := ValidateRecurringConfig(updated); err != nil {
			log.Warn("invalid recurring config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("recurring config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// decodeRecurringConfig goes through AllSettings so defaults fill keys the
// file leaves out.
func decodeRecurringConfig(v *viper.Viper) (RecurringConfig, error) {
	var wrapper struct {
		Recurring RecurringConfig `mapstructure:"recurring"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return RecurringConfig{}, err
	}
	return wrapper.Recurring, nil
}

func (h *RecurringConfigHolder) Get() RecurringConfig {
	return h.current.Load().(RecurringConfig)
}

func ValidateRecurringConfig(cfg RecurringConfig) error {
	var errs []error
	if cfg.DefaultTaxRate < 0 {
		errs = append(errs, errors.New("recurring.defaultTaxRate cannot be negative"))
	}
	if cfg.PaymentTermsDays < 0 {
		errs = append(errs, errors.New("recurring.paymentTermsDays cannot be negative"))
	}
	if cfg.ScanBatchSize <= 0 {
		errs = append(errs, errors.New("recurring.scanBatchSize must be positive"))
	}
	if cfg.PreviewMaxCount <= 0 {
		errs = append(errs, errors.New("recurring.previewMaxCount must be positive"))
	}
	if cfg.PreviewDefaultCount <= 0 || cfg.PreviewDefaultCount > cfg.PreviewMaxCount {
		errs = append(errs, errors.New("recurring.previewDefaultCount must be within 1 and previewMaxCount"))
	}
	if cfg.HistoryMaxLimit <= 0 {
		errs = append(errs, errors.New("recurring.historyMaxLimit must be positive"))
	}
	if err := format.ValidateLayout(cfg.InvoiceNumberFormat); err != nil {
		errs = append(errs, fmt.Errorf("recurring.invoiceNumberFormat: %w", err))
	}
	return errors.Join(errs...)
}
