package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Patch is a partial runtime update. Nil fields are left unchanged.
type Patch struct {
	Enabled           *bool          `mapstructure:"enabled"`
	ValidationTimeout *time.Duration `mapstructure:"validation_timeout"`
	BlockOnTimeout    *bool          `mapstructure:"block_on_timeout"`
	EnforceBlocking   *bool          `mapstructure:"enforce_blocking"`
	LowRiskBypass     *bool          `mapstructure:"low_risk_bypass"`
	CacheEnabled      *bool          `mapstructure:"cache_enabled"`
	CacheOpTimeout    *time.Duration `mapstructure:"cache_op_timeout"`

	StrictThreshold   *float64 `mapstructure:"strict_threshold"`
	BlockingThreshold *float64 `mapstructure:"blocking_threshold"`
	AsyncThreshold    *float64 `mapstructure:"async_threshold"`

	CacheTTL        *time.Duration `mapstructure:"cache_ttl"`
	CacheMaxEntries *int           `mapstructure:"cache_max_entries"`
	CacheMaxBytes   *int64         `mapstructure:"cache_max_bytes"`
	CacheEviction   *string        `mapstructure:"cache_eviction"`

	// EmergencyBypass toggles the time-boxed bypass. When true,
	// EmergencyBypassFor bounds how long it stays active.
	EmergencyBypass    *bool          `mapstructure:"emergency_bypass"`
	EmergencyBypassFor *time.Duration `mapstructure:"emergency_bypass_for"`
}

// DecodePatch converts a loosely-typed update (e.g. from a JSON or protobuf
// Struct payload) into a Patch. Unknown keys are rejected.
func DecodePatch(raw map[string]any) (Patch, error) {
	var p Patch
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return p, fmt.Errorf("DecodePatch: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return p, fmt.Errorf("DecodePatch: %w", err)
	}
	return p, nil
}

// Fields returns the keys of the fields set in p, in declaration order.
func (p Patch) Fields() []string {
	var out []string
	v := reflect.ValueOf(p)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if !v.Field(i).IsNil() {
			out = append(out, t.Field(i).Tag.Get("mapstructure"))
		}
	}
	return out
}

// Apply returns a copy of c with p applied, validated as a whole.
func (c Config) Apply(p Patch) (Config, error) {
	next := c
	m := &next.Middleware
	setBool(&m.Enabled, p.Enabled)
	setDuration(&m.ValidationTimeout, p.ValidationTimeout)
	setBool(&m.BlockOnTimeout, p.BlockOnTimeout)
	setBool(&m.EnforceBlocking, p.EnforceBlocking)
	setBool(&m.LowRiskBypass, p.LowRiskBypass)
	setBool(&m.CacheEnabled, p.CacheEnabled)
	setDuration(&m.CacheOpTimeout, p.CacheOpTimeout)

	if p.StrictThreshold != nil {
		next.Risk.StrictThreshold = *p.StrictThreshold
	}
	if p.BlockingThreshold != nil {
		next.Risk.BlockingThreshold = *p.BlockingThreshold
	}
	if p.AsyncThreshold != nil {
		next.Risk.AsyncThreshold = *p.AsyncThreshold
	}

	setDuration(&next.Cache.TTL, p.CacheTTL)
	if p.CacheMaxEntries != nil {
		next.Cache.MaxEntries = *p.CacheMaxEntries
	}
	if p.CacheMaxBytes != nil {
		next.Cache.MaxBytes = *p.CacheMaxBytes
	}
	if p.CacheEviction != nil {
		next.Cache.Eviction = *p.CacheEviction
	}

	if err := next.Validate(); err != nil {
		return c, fmt.Errorf("Apply: %w", err)
	}
	return next, nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}
