package icp

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/vendalabs/leadpipe/internal/model"
	"github.com/vendalabs/leadpipe/internal/normalize"
)

// Routing decisions derived from the best profile match.
const (
	DecisionApprove    = "approve"
	DecisionQuarantine = "quarantine"
	DecisionNurturing  = "nurturing"
	DecisionDiscard    = "discard"
)

// TempOut marks a company with no profile match at all.
const TempOut = "out"

// Breakdown holds the points earned per dimension.
type Breakdown struct {
	CNAE          int `json:"cnae"`
	CapitalSocial int `json:"capital_social"`
	Porte         int `json:"porte"`
	Localizacao   int `json:"localizacao"`
	Situacao      int `json:"situacao"`
	Setor         int `json:"setor"`
}

// Match is the score of one company against one profile.
type Match struct {
	ProfileID   string    `json:"profile_id"`
	ProfileName string    `json:"profile_name"`
	IsMain      bool      `json:"is_main"`
	Score       int       `json:"score"`
	Temperature string    `json:"temperature"`
	Breakdown   Breakdown `json:"breakdown"`
	Reasons     []string  `json:"reasons"`
}

// Result is the full qualification outcome for one company.
type Result struct {
	CompanyID string `json:"company_id"`
	CNPJ      string `json:"cnpj,omitempty"`

	Matches []Match `json:"matches"`

	BestProfileID   string `json:"best_profile_id,omitempty"`
	BestProfileName string `json:"best_profile_name,omitempty"`
	Score           int    `json:"score"`
	Temperature     string `json:"temperature"`

	Decision       string    `json:"decision"`
	DecisionReason string    `json:"decision_reason"`
	QualifiedAt    time.Time `json:"qualified_at"`
}

// Engine evaluates companies against a criteria set.
type Engine struct {
	criteria *Criteria
	now      func() time.Time
}

// NewEngine creates a scoring engine. The criteria set is normalized on
// the way in so callers can hand over raw config.
func NewEngine(c *Criteria) *Engine {
	c.Normalize()
	return &Engine{criteria: c, now: time.Now}
}

// WithNow fixes the clock for testing.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Criteria returns the normalized criteria in use.
func (e *Engine) Criteria() *Criteria { return e.criteria }

// Qualify scores the company against every profile and derives the best
// match, temperature and routing decision.
func (e *Engine) Qualify(c *model.Company) Result {
	matches := make([]Match, 0, len(e.criteria.Profiles))
	for i := range e.criteria.Profiles {
		matches = append(matches, e.match(c, &e.criteria.Profiles[i]))
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].IsMain != matches[j].IsMain {
			return matches[i].IsMain
		}
		return matches[i].ProfileID < matches[j].ProfileID
	})

	res := Result{
		CompanyID:   c.ID,
		CNPJ:        c.CNPJ,
		Matches:     matches,
		Temperature: TempOut,
		QualifiedAt: e.now().UTC(),
	}

	var best *Match
	if len(matches) > 0 && matches[0].Score > 0 {
		best = &matches[0]
		res.BestProfileID = best.ProfileID
		res.BestProfileName = best.ProfileName
		res.Score = best.Score
		res.Temperature = best.Temperature
	}

	res.Decision, res.DecisionReason = e.decide(best)
	return res
}

// match scores one company against one profile. Each dimension earns
// full, partial or zero credit; unknown inputs earn a reduced stake
// rather than a hard zero so thin records are not discarded outright.
func (e *Engine) match(c *model.Company, p *Profile) Match {
	w := e.criteria.Weights
	var b Breakdown
	var reasons []string
	add := func(format string, args ...any) {
		reasons = append(reasons, fmt.Sprintf(format, args...))
	}

	// CNAE
	cnae := normalize.Digits(c.CNAEPrincipal)
	switch {
	case cnae == "":
		add("cnae unknown (+0)")
	case cnaeExcluded(cnae, p.ExcludedCNAEs):
		add("cnae %s is excluded (+0)", cnae)
	case cnaeTargeted(cnae, p.TargetCNAEs):
		b.CNAE = w.CNAE
		add("cnae %s matches a target activity (+%d)", cnae, b.CNAE)
	case cnaeSameGroup(cnae, p.TargetCNAEs):
		b.CNAE = round(float64(w.CNAE) * 0.5)
		add("cnae %s shares a target group (+%d)", cnae, b.CNAE)
	default:
		b.CNAE = round(float64(w.CNAE) * 0.2)
		add("cnae %s is neutral (+%d)", cnae, b.CNAE)
	}

	// Capital social
	if c.CapitalSocial != nil && *c.CapitalSocial > 0 {
		capital := *c.CapitalSocial
		min, max := p.CapitalSocialMin, p.CapitalSocialMax
		if max <= 0 {
			max = math.Inf(1)
		}
		switch {
		case capital >= min && capital <= max:
			b.CapitalSocial = w.CapitalSocial
			add("capital %.0f within target range (+%d)", capital, b.CapitalSocial)
		case capital >= min*0.5 && capital <= max*1.5:
			b.CapitalSocial = round(float64(w.CapitalSocial) * 0.5)
			add("capital %.0f near target range (+%d)", capital, b.CapitalSocial)
		default:
			add("capital %.0f outside target range (+0)", capital)
		}
	} else {
		b.CapitalSocial = round(float64(w.CapitalSocial) * 0.3)
		add("capital unknown (+%d)", b.CapitalSocial)
	}

	// Headcount, estimated from the registry size bucket when absent.
	employees := 0
	if c.EmployeeCount != nil {
		employees = *c.EmployeeCount
	}
	if employees == 0 {
		employees = EstimateEmployees(c.Porte)
	}
	if employees > 0 {
		min, max := p.EmployeesMin, p.EmployeesMax
		effMax := float64(max)
		if max <= 0 {
			effMax = math.Inf(1)
		}
		switch {
		case float64(employees) >= float64(min) && float64(employees) <= effMax:
			b.Porte = w.Porte
			add("%d employees within target range (+%d)", employees, b.Porte)
		case float64(employees) >= float64(min)*0.5 && float64(employees) <= effMax*2:
			b.Porte = round(float64(w.Porte) * 0.6)
			add("%d employees near target range (+%d)", employees, b.Porte)
		default:
			b.Porte = round(float64(w.Porte) * 0.2)
			add("%d employees outside target range (+%d)", employees, b.Porte)
		}
	} else {
		b.Porte = round(float64(w.Porte) * 0.3)
		add("headcount unknown (+%d)", b.Porte)
	}

	// Location
	if c.UF != "" {
		uf := strings.ToUpper(c.UF)
		switch {
		case containsFold(p.ExcludedStates, uf):
			add("state %s is excluded (+0)", uf)
		case len(p.TargetStates) == 0 || containsFold(p.TargetStates, uf):
			b.Localizacao = w.Localizacao
			add("state %s is a target region (+%d)", uf, b.Localizacao)
			if c.City != "" && containsFold(p.TargetCities, strings.ToUpper(c.City)) {
				// City bonus never pushes the dimension past its weight.
				b.Localizacao = minInt(round(float64(b.Localizacao)*1.2), w.Localizacao)
				add("city %s is a target city", c.City)
			}
		default:
			b.Localizacao = round(float64(w.Localizacao) * 0.4)
			add("state %s is not prioritized (+%d)", uf, b.Localizacao)
		}
	} else {
		b.Localizacao = round(float64(w.Localizacao) * 0.2)
		add("state unknown (+%d)", b.Localizacao)
	}

	// Registry status
	if c.Situacao != "" {
		situacao := strings.ToUpper(c.Situacao)
		switch {
		case containsSubstring(p.ExcludedSituations, situacao):
			add("registry status %s disqualifies (+0)", situacao)
		case strings.Contains(situacao, "ATIVA") || strings.Contains(situacao, "REGULAR"):
			b.Situacao = w.Situacao
			add("registry status %s (+%d)", situacao, b.Situacao)
		default:
			b.Situacao = round(float64(w.Situacao) * 0.5)
			add("registry status %s (+%d)", situacao, b.Situacao)
		}
	} else {
		b.Situacao = round(float64(w.Situacao) * 0.5)
		add("registry status unknown (+%d)", b.Situacao)
	}

	// Sector / niche
	switch {
	case c.Sector != "":
		if matchesAnyFold(c.Sector, p.TargetSectors) {
			b.Setor = w.Setor
			add("sector %q matches a target (+%d)", c.Sector, b.Setor)
		} else {
			b.Setor = round(float64(w.Setor) * 0.3)
			add("sector %q is neutral (+%d)", c.Sector, b.Setor)
		}
	case c.Niche != "":
		if matchesAnyFold(c.Niche, p.TargetNiches) {
			b.Setor = w.Setor
			add("niche %q matches a target (+%d)", c.Niche, b.Setor)
		}
	default:
		b.Setor = round(float64(w.Setor) * 0.3)
		add("sector unknown (+%d)", b.Setor)
	}

	score := b.CNAE + b.CapitalSocial + b.Porte + b.Localizacao + b.Situacao + b.Setor
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return Match{
		ProfileID:   p.ID,
		ProfileName: p.Name,
		IsMain:      p.IsMain,
		Score:       score,
		Temperature: e.temperature(score),
		Breakdown:   b,
		Reasons:     reasons,
	}
}

func (e *Engine) temperature(score int) string {
	switch {
	case score >= e.criteria.Thresholds.HotMin:
		return model.TempHot
	case score >= e.criteria.Thresholds.WarmMin:
		return model.TempWarm
	default:
		return model.TempCold
	}
}

func (e *Engine) decide(best *Match) (string, string) {
	if best == nil || best.Score == 0 {
		return DecisionDiscard, "no compatible profile found"
	}

	switch best.Temperature {
	case model.TempHot:
		if e.criteria.Thresholds.AutoApproveHot() {
			return DecisionApprove, fmt.Sprintf("hot lead, score %d/100 on profile %q, auto-approved", best.Score, best.ProfileName)
		}
		return DecisionQuarantine, fmt.Sprintf("hot lead, score %d/100, awaiting manual approval", best.Score)
	case model.TempWarm:
		return DecisionQuarantine, fmt.Sprintf("warm lead, score %d/100 on profile %q, manual review required", best.Score, best.ProfileName)
	}

	if e.criteria.Thresholds.AutoDiscard {
		return DecisionDiscard, fmt.Sprintf("cold lead, score %d/100, auto-discarded", best.Score)
	}
	return DecisionNurturing, fmt.Sprintf("cold lead, score %d/100, routed to nurturing", best.Score)
}

// EstimateEmployees maps a registry size bucket to an approximate
// headcount when no provider reported one.
func EstimateEmployees(porte string) int {
	p := strings.ToUpper(porte)
	switch {
	case p == "":
		return 0
	case strings.Contains(p, "MEI") || strings.Contains(p, "MICRO"):
		return 5
	case strings.Contains(p, "PEQUENO") || strings.Contains(p, "EPP"):
		return 30
	case strings.Contains(p, "MÉDIO") || strings.Contains(p, "MEDIO"):
		return 150
	case strings.Contains(p, "GRANDE"):
		return 500
	}
	return 0
}

func cnaeExcluded(code string, excluded []string) bool {
	for _, exc := range excluded {
		if e := normalize.Digits(exc); e != "" && strings.HasPrefix(code, e) {
			return true
		}
	}
	return false
}

func cnaeTargeted(code string, targets []string) bool {
	for _, t := range targets {
		tc := normalize.Digits(t)
		if tc == "" {
			continue
		}
		if code == tc {
			return true
		}
		if len(tc) >= 4 && strings.HasPrefix(code, tc[:4]) {
			return true
		}
	}
	return false
}

func cnaeSameGroup(code string, targets []string) bool {
	if len(code) < 2 {
		return false
	}
	for _, t := range targets {
		tc := normalize.Digits(t)
		if len(tc) >= 2 && code[:2] == tc[:2] {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func containsSubstring(list []string, v string) bool {
	for _, s := range list {
		if s != "" && strings.Contains(v, strings.ToUpper(s)) {
			return true
		}
	}
	return false
}

func matchesAnyFold(v string, list []string) bool {
	lv := strings.ToLower(v)
	for _, s := range list {
		if s != "" && strings.Contains(lv, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func round(f float64) int { return int(math.Round(f)) }

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
