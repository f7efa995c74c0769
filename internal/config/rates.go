package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"rewards/internal/models"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// MaxCommissionLevels bounds the referral walk.
const MaxCommissionLevels = 20

var ErrInvalidRates = errors.New("invalid rates configuration")

type BoostPackage struct {
	ID           int             `json:"id"`
	Name         string          `json:"name"`
	Rate         decimal.Decimal `json:"rate"`
	MinAmount    decimal.Decimal `json:"min_amount"`
	DurationDays int             `json:"duration_days"`
}

// Rates is the business rate policy. It is built once at startup and passed to
// the accrual and commission services; nothing reads it from package state.
type Rates struct {
	Commission    map[int]decimal.Decimal
	FarmingRate   decimal.Decimal
	BoostPackages map[int]BoostPackage
	Dust          map[models.Currency]decimal.Decimal
}

func DefaultRates() Rates {
	commission := make(map[int]decimal.Decimal, MaxCommissionLevels)
	commission[1] = decimal.NewFromInt(1)
	for level := 2; level <= MaxCommissionLevels; level++ {
		commission[level] = decimal.New(int64(level), -2)
	}
	return Rates{
		Commission:  commission,
		FarmingRate: decimal.RequireFromString("0.01"),
		BoostPackages: map[int]BoostPackage{
			1: {ID: 1, Name: "Starter", Rate: decimal.RequireFromString("0.01"), MinAmount: decimal.NewFromInt(1), DurationDays: 365},
			2: {ID: 2, Name: "Standard", Rate: decimal.RequireFromString("0.015"), MinAmount: decimal.NewFromInt(10), DurationDays: 365},
			3: {ID: 3, Name: "Advanced", Rate: decimal.RequireFromString("0.02"), MinAmount: decimal.NewFromInt(100), DurationDays: 365},
			4: {ID: 4, Name: "Premium", Rate: decimal.RequireFromString("0.025"), MinAmount: decimal.NewFromInt(500), DurationDays: 365},
			5: {ID: 5, Name: "Elite", Rate: decimal.RequireFromString("0.03"), MinAmount: decimal.NewFromInt(1000), DurationDays: 365},
		},
		Dust: map[models.Currency]decimal.Decimal{
			models.CurrencyUNI: decimal.RequireFromString("0.000001"),
			models.CurrencyTON: decimal.RequireFromString("0.0001"),
		},
	}
}

// CommissionRate reports the rate for level and whether the table defines it.
func (r Rates) CommissionRate(level int) (decimal.Decimal, bool) {
	rate, ok := r.Commission[level]
	return rate, ok
}

func (r Rates) DustThreshold(currency models.Currency) decimal.Decimal {
	return r.Dust[currency]
}

func (r Rates) Package(id int) (BoostPackage, bool) {
	pkg, ok := r.BoostPackages[id]
	return pkg, ok
}

// PackageIDs returns the configured package ids in ascending order.
func (r Rates) PackageIDs() []int {
	ids := make([]int, 0, len(r.BoostPackages))
	for id := range r.BoostPackages {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

type rawPackage struct {
	ID           int    `mapstructure:"id"`
	Name         string `mapstructure:"name"`
	Rate         string `mapstructure:"rate"`
	MinAmount    string `mapstructure:"min_amount"`
	DurationDays int    `mapstructure:"duration_days"`
}

// LoadRates reads a YAML or JSON rates file over the defaults. An empty path
// returns DefaultRates. Sections missing from the file keep their defaults.
func LoadRates(path string) (Rates, error) {
	rates := DefaultRates()
	if path == "" {
		return rates, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Rates{}, fmt.Errorf("read rates file: %w", err)
	}

	if v.IsSet("commission") {
		commission := map[int]decimal.Decimal{}
		for key, value := range v.GetStringMapString("commission") {
			level, err := strconv.Atoi(key)
			if err != nil || level < 1 || level > MaxCommissionLevels {
				return Rates{}, fmt.Errorf("%w: commission level %q", ErrInvalidRates, key)
			}
			rate, err := parseRate(value)
			if err != nil {
				return Rates{}, fmt.Errorf("%w: commission level %d: %v", ErrInvalidRates, level, err)
			}
			commission[level] = rate
		}
		rates.Commission = commission
	}

	if v.IsSet("farming_rate") {
		rate, err := parseRate(v.GetString("farming_rate"))
		if err != nil || rate.IsZero() {
			return Rates{}, fmt.Errorf("%w: farming_rate %q", ErrInvalidRates, v.GetString("farming_rate"))
		}
		rates.FarmingRate = rate
	}

	if v.IsSet("boost_packages") {
		var raw []rawPackage
		if err := v.UnmarshalKey("boost_packages", &raw); err != nil {
			return Rates{}, fmt.Errorf("%w: boost_packages: %v", ErrInvalidRates, err)
		}
		packages := make(map[int]BoostPackage, len(raw))
		for _, item := range raw {
			rate, err := parseRate(item.Rate)
			if err != nil || item.ID <= 0 || rate.IsZero() {
				return Rates{}, fmt.Errorf("%w: boost package %d", ErrInvalidRates, item.ID)
			}
			minAmount := decimal.Zero
			if item.MinAmount != "" {
				minAmount, err = decimal.NewFromString(item.MinAmount)
				if err != nil || minAmount.IsNegative() {
					return Rates{}, fmt.Errorf("%w: boost package %d min_amount", ErrInvalidRates, item.ID)
				}
			}
			if _, dup := packages[item.ID]; dup {
				return Rates{}, fmt.Errorf("%w: duplicate boost package %d", ErrInvalidRates, item.ID)
			}
			packages[item.ID] = BoostPackage{
				ID:           item.ID,
				Name:         item.Name,
				Rate:         rate,
				MinAmount:    minAmount,
				DurationDays: item.DurationDays,
			}
		}
		rates.BoostPackages = packages
	}

	if v.IsSet("dust") {
		for key, value := range v.GetStringMapString("dust") {
			currency := models.Currency(strings.ToUpper(key))
			if !currency.Valid() {
				return Rates{}, fmt.Errorf("%w: dust currency %q", ErrInvalidRates, key)
			}
			threshold, err := decimal.NewFromString(value)
			if err != nil || threshold.IsNegative() {
				return Rates{}, fmt.Errorf("%w: dust %s", ErrInvalidRates, currency)
			}
			rates.Dust[currency] = threshold
		}
	}
	return rates, nil
}

func parseRate(value string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, err
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("rate %s outside [0,1]", rate)
	}
	return rate, nil
}
