package config

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
)

// DiscountConfigHolder hot-reloads the provider discount table from
// discounts.yml. Export cycles read an immutable snapshot so a reload
// never changes discounts mid-window.
type DiscountConfigHolder struct {
	current atomic.Value // holds exportdomain.DiscountConfig
}

func NewDiscountConfigHolder() (*DiscountConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("discounts")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/meterline/config") // Volume-mounted config
	v.AddConfigPath("/etc/meterline")            // System config
	v.AddConfigPath(".")                         // Current directory (dev mode)

	v.SetEnvPrefix("METERLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No discount file: every provider exports at raw cost.
	}

	cfg, err := parseDiscounts(v.GetStringMapString("discounts.providers"))
	if err != nil {
		return nil, err
	}

	holder := &DiscountConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := parseDiscounts(v.GetStringMapString("discounts.providers"))
		if err != nil {
			log.Printf("[discount-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[discount-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// Snapshot returns the current immutable discount table.
func (h *DiscountConfigHolder) Snapshot() exportdomain.DiscountConfig {
	return h.current.Load().(exportdomain.DiscountConfig)
}

func parseDiscounts(raw map[string]string) (exportdomain.DiscountConfig, error) {
	fractions := make(map[string]decimal.Decimal, len(raw))
	for provider, value := range raw {
		fraction, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return exportdomain.DiscountConfig{}, fmt.Errorf("discounts.providers.%s: %w", provider, err)
		}
		if fraction.IsNegative() || fraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return exportdomain.DiscountConfig{}, fmt.Errorf("discounts.providers.%s: fraction %s outside [0,1)", provider, fraction)
		}
		fractions[strings.ToLower(provider)] = fraction
	}
	return exportdomain.NewDiscountConfig(fractions), nil
}
