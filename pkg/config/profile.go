package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/clearhold-labs/clearhold/core/pkg/policy"
	"github.com/clearhold-labs/clearhold/core/pkg/settle"
	"github.com/clearhold-labs/clearhold/core/pkg/verify"
)

// TenantProfile is the per-tenant kernel configuration: the resolved
// policy, the evidence trust requirements, and the release split terms.
type TenantProfile struct {
	Tenant string             `yaml:"tenant" json:"tenant"`
	Policy policy.Policy      `yaml:"policy" json:"policy"`
	Trust  verify.TrustConfig `yaml:"trust" json:"trust"`
	Split  settle.SplitConfig `yaml:"split" json:"split"`

	// Default gate terms applied when a request leaves them unset.
	HoldbackBps     int64 `yaml:"holdback_bps" json:"holdback_bps"`
	DisputeWindowMs int64 `yaml:"dispute_window_ms" json:"dispute_window_ms"`
}

// LoadProfile loads a tenant profile from profilesDir/profile_<tenant>.yaml.
func LoadProfile(profilesDir, tenant string) (*TenantProfile, error) {
	tenant = strings.ToLower(tenant)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", tenant))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", tenant, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", tenant, err)
	}
	if profile.Tenant == "" {
		profile.Tenant = tenant
	}
	if profile.Split.RevenueShareBps == 0 && profile.Split.PayoutShareBps == 0 {
		profile.Split = settle.DefaultSplit()
	}
	return &profile, nil
}

// Profiles resolves tenant profiles with a shared default, caching loads.
type Profiles struct {
	mu       sync.Mutex
	dir      string
	fallback TenantProfile
	cache    map[string]*TenantProfile
}

// NewProfiles creates a resolver over a profile directory. Tenants without
// a profile file get the fallback.
func NewProfiles(dir string, fallback TenantProfile) *Profiles {
	return &Profiles{dir: dir, fallback: fallback, cache: make(map[string]*TenantProfile)}
}

// For returns the profile for a tenant.
func (p *Profiles) For(tenant string) *TenantProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.cache[tenant]; ok {
		return cached
	}
	profile, err := LoadProfile(p.dir, tenant)
	if err != nil {
		copied := p.fallback
		copied.Tenant = tenant
		profile = &copied
	}
	p.cache[tenant] = profile
	return profile
}

// PolicyProvider adapts the resolver to the gate service's policy hook.
func (p *Profiles) PolicyProvider() func(tenantID string) *policy.Policy {
	return func(tenantID string) *policy.Policy {
		return &p.For(tenantID).Policy
	}
}

// TrustProvider adapts the resolver to the gate service's trust hook.
func (p *Profiles) TrustProvider() func(tenantID string) verify.TrustConfig {
	return func(tenantID string) verify.TrustConfig {
		return p.For(tenantID).Trust
	}
}
