package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EntitlementPolicy holds the product-policy switches that decide how
// billing states map onto course access.
type EntitlementPolicy struct {
	// DeletedSubscriptionRetainsAccess keeps an ended subscription's
	// entitlement active with payment_status canceled.
	DeletedSubscriptionRetainsAccess bool
	// PastDueRetainsAccess lets past_due entitlements keep access while the
	// processor retries payment.
	PastDueRetainsAccess bool
	// RestoreActiveStatuses lists subscription statuses treated as paid
	// during restoration.
	RestoreActiveStatuses []string
}

func DefaultEntitlementPolicy() EntitlementPolicy {
	return EntitlementPolicy{
		DeletedSubscriptionRetainsAccess: true,
		PastDueRetainsAccess:             true,
		RestoreActiveStatuses:            []string{"active", "trialing", "past_due", "unpaid"},
	}
}

// IsRestoreActive reports whether a processor subscription status counts as paid.
func (p EntitlementPolicy) IsRestoreActive(status string) bool {
	status = strings.ToLower(strings.TrimSpace(status))
	for _, s := range p.RestoreActiveStatuses {
		if strings.EqualFold(strings.TrimSpace(s), status) {
			return true
		}
	}
	return false
}

type PolicyHolder struct {
	current atomic.Value // holds EntitlementPolicy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(p EntitlementPolicy) *PolicyHolder {
	h := &PolicyHolder{}
	h.current.Store(p)
	return h
}

// NewPolicyHolder loads entitlement.yml (or ENTITLEMENT_POLICY_FILE) and
// reloads it whenever the file changes.
func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("entitlement.policy")

	v := viper.New()
	if cfg.PolicyFile != "" {
		v.SetConfigFile(cfg.PolicyFile)
	} else {
		v.SetConfigName("entitlement")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/coursepay")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("COURSEPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEntitlementPolicy()
	v.SetDefault("entitlement.deletedSubscriptionRetainsAccess", defaults.DeletedSubscriptionRetainsAccess)
	v.SetDefault("entitlement.pastDueRetainsAccess", defaults.PastDueRetainsAccess)
	v.SetDefault("entitlement.restoreActiveStatuses", defaults.RestoreActiveStatuses)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	policy, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(policy)
	if !fileLoaded {
		log.Info("no policy file found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePolicy(v)
		if err != nil {
			log.Warn("policy reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PolicyHolder) Get() EntitlementPolicy {
	if h == nil {
		return DefaultEntitlementPolicy()
	}
	return h.current.Load().(EntitlementPolicy)
}

func decodePolicy(v *viper.Viper) (EntitlementPolicy, error) {
	// Leaf lookups so keys missing from the file fall back to defaults.
	p := EntitlementPolicy{
		DeletedSubscriptionRetainsAccess: v.GetBool("entitlement.deletedSubscriptionRetainsAccess"),
		PastDueRetainsAccess:             v.GetBool("entitlement.pastDueRetainsAccess"),
		RestoreActiveStatuses:            v.GetStringSlice("entitlement.restoreActiveStatuses"),
	}
	if err := validatePolicy(p); err != nil {
		return EntitlementPolicy{}, err
	}
	return p, nil
}

func validatePolicy(p EntitlementPolicy) error {
	if len(p.RestoreActiveStatuses) == 0 {
		return errors.New("entitlement.restoreActiveStatuses cannot be empty")
	}
	for _, s := range p.RestoreActiveStatuses {
		if strings.EqualFold(strings.TrimSpace(s), "canceled") {
			return errors.New("entitlement.restoreActiveStatuses cannot include canceled")
		}
	}
	return nil
}
