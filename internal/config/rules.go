package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Rules are the visit billing rules. They can be changed at runtime through
// billing.yml without restarting the process.
type Rules struct {
	// UnitMinutes is the length of one billable unit.
	UnitMinutes int
	// MissingCheckInMinutes is the assumed visit length when Time_In is absent.
	MissingCheckInMinutes int
	// CompletionLockSeconds bounds how long one completion may hold a visit.
	CompletionLockSeconds int
}

func DefaultRules() Rules {
	return Rules{
		UnitMinutes:           15,
		MissingCheckInMinutes: 60,
		CompletionLockSeconds: 30,
	}
}

func (r Rules) UnitDuration() time.Duration {
	return time.Duration(r.UnitMinutes) * time.Minute
}

func (r Rules) MissingCheckInFallback() time.Duration {
	return time.Duration(r.MissingCheckInMinutes) * time.Minute
}

func (r Rules) CompletionLockTTL() time.Duration {
	return time.Duration(r.CompletionLockSeconds) * time.Second
}

type RulesHolder struct {
	current atomic.Value // holds Rules
}

// NewRulesHolder reads billing.yml from the standard locations and watches
// it for changes. A missing file yields DefaultRules.
func NewRulesHolder(log *zap.Logger) (*RulesHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/carehub/config")
	v.AddConfigPath("/etc/carehub")
	v.AddConfigPath(".")

	return newRulesHolder(v, log)
}

// LoadRulesFile builds a holder from an explicit file path.
func LoadRulesFile(path string, log *zap.Logger) (*RulesHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return newRulesHolder(v, log)
}

// StaticRules returns a holder that never reloads.
func StaticRules(r Rules) *RulesHolder {
	holder := &RulesHolder{}
	holder.current.Store(r)
	return holder
}

func newRulesHolder(v *viper.Viper, log *zap.Logger) (*RulesHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.rules")

	v.SetEnvPrefix("CAREHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRules()
	v.SetDefault(keyUnitMinutes, defaults.UnitMinutes)
	v.SetDefault(keyMissingCheckInMinutes, defaults.MissingCheckInMinutes)
	v.SetDefault(keyCompletionLockSeconds, defaults.CompletionLockSeconds)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	cfg := readRules(v)
	if err := validateRules(cfg); err != nil {
		return nil, err
	}

	holder := StaticRules(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := readRules(v)
		if err := validateRules(updated); err != nil {
			log.Warn("invalid billing rules ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("billing rules reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

const (
	keyUnitMinutes           = "billing.unitMinutes"
	keyMissingCheckInMinutes = "billing.missingCheckInMinutes"
	keyCompletionLockSeconds = "billing.completionLockSeconds"
)

// readRules reads key by key so a file that sets only some of the billing
// keys still falls back to the defaults for the rest.
func readRules(v *viper.Viper) Rules {
	return Rules{
		UnitMinutes:           v.GetInt(keyUnitMinutes),
		MissingCheckInMinutes: v.GetInt(keyMissingCheckInMinutes),
		CompletionLockSeconds: v.GetInt(keyCompletionLockSeconds),
	}
}

func (h *RulesHolder) Get() Rules {
	if h == nil {
		return DefaultRules()
	}
	return h.current.Load().(Rules)
}

func validateRules(r Rules) error {
	if r.UnitMinutes <= 0 {
		return errors.New("billing.unitMinutes must be positive")
	}
	if r.MissingCheckInMinutes < 0 {
		return errors.New("billing.missingCheckInMinutes cannot be negative")
	}
	if r.CompletionLockSeconds <= 0 {
		return errors.New("billing.completionLockSeconds must be positive")
	}
	return nil
}
