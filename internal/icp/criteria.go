// Package icp scores canonical company records against ideal customer
// profiles and derives temperature and a routing decision. Scoring is pure
// and deterministic: same record, same criteria, same output.
package icp

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Weights distribute the 100 available points across the six dimensions.
type Weights struct {
	CNAE          int `yaml:"cnae"`
	CapitalSocial int `yaml:"capital_social"`
	Porte         int `yaml:"porte"`
	Localizacao   int `yaml:"localizacao"`
	Situacao      int `yaml:"situacao"`
	Setor         int `yaml:"setor"`
}

// Thresholds control temperature breakpoints and automatic routing.
// AutoApprove is tri-state so criteria files that omit it get the
// default: hot leads flow straight into the funnel unless a tenant
// opts into manual review with an explicit auto_approve: false.
type Thresholds struct {
	HotMin      int   `yaml:"hot_min"`
	WarmMin     int   `yaml:"warm_min"`
	AutoApprove *bool `yaml:"auto_approve"`
	AutoDiscard bool  `yaml:"auto_discard"`
}

// AutoApproveHot reports whether hot leads skip manual review.
func (t Thresholds) AutoApproveHot() bool {
	return t.AutoApprove == nil || *t.AutoApprove
}

// Profile is one ideal customer profile. Target lists are inclusive
// filters (empty means "any"); excluded lists always zero the dimension.
type Profile struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	IsMain bool   `yaml:"is_main"`

	TargetCNAEs   []string `yaml:"target_cnaes"`
	TargetSectors []string `yaml:"target_sectors"`
	TargetNiches  []string `yaml:"target_niches"`
	TargetStates  []string `yaml:"target_states"`
	TargetCities  []string `yaml:"target_cities"`

	CapitalSocialMin float64 `yaml:"capital_social_min"`
	CapitalSocialMax float64 `yaml:"capital_social_max"`
	EmployeesMin     int     `yaml:"employees_min"`
	EmployeesMax     int     `yaml:"employees_max"`

	ExcludedCNAEs      []string `yaml:"excluded_cnaes"`
	ExcludedStates     []string `yaml:"excluded_states"`
	ExcludedSituations []string `yaml:"excluded_situations"`
}

// Criteria is the full qualification configuration for a tenant.
type Criteria struct {
	Weights    Weights    `yaml:"weights"`
	Thresholds Thresholds `yaml:"thresholds"`
	Profiles   []Profile  `yaml:"profiles"`
}

// DefaultWeights mirrors the standard point distribution.
var DefaultWeights = Weights{
	CNAE:          25,
	CapitalSocial: 20,
	Porte:         20,
	Localizacao:   15,
	Situacao:      10,
	Setor:         10,
}

// DefaultThresholds: hot at 70, warm at 40, hot leads auto-approved,
// cold leads kept for nurturing.
var DefaultThresholds = Thresholds{
	HotMin:      70,
	WarmMin:     40,
	AutoDiscard: false,
}

// DefaultExcludedSituations are registry statuses that disqualify the
// situacao dimension outright.
var DefaultExcludedSituations = []string{"BAIXADA", "INAPTA", "SUSPENSA", "NULA"}

// Normalize fills zero-valued weights and thresholds with defaults and
// applies the default situation exclusions to profiles that define none.
func (c *Criteria) Normalize() {
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights
	}
	if c.Thresholds.HotMin == 0 {
		c.Thresholds.HotMin = DefaultThresholds.HotMin
	}
	if c.Thresholds.WarmMin == 0 {
		c.Thresholds.WarmMin = DefaultThresholds.WarmMin
	}
	if c.Thresholds.AutoApprove == nil {
		approve := true
		c.Thresholds.AutoApprove = &approve
	}
	for i := range c.Profiles {
		if c.Profiles[i].ExcludedSituations == nil {
			c.Profiles[i].ExcludedSituations = DefaultExcludedSituations
		}
	}
}

// LoadCriteria reads a YAML criteria file and applies defaults.
func LoadCriteria(path string) (*Criteria, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "icp: read criteria file")
	}
	var c Criteria
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, eris.Wrap(err, "icp: parse criteria file")
	}
	if len(c.Profiles) == 0 {
		return nil, eris.New("icp: criteria file defines no profiles")
	}
	c.Normalize()
	return &c, nil
}
