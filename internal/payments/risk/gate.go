package risk

import (
	"context"
	"math"
	"strings"
	"time"

	"pesabridge/internal/models"
)

// Logger is a minimal logger interface required by the gate.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Profile is a merchant's rolling transaction pattern.
type Profile struct {
	TxCount        int
	AvgAmount      float64
	BTCShare       float64
	AvgRiskScore   float64
	KnownLocations []string
	KnownDevices   []string
	ActiveHours    []int
}

// PatternStore provides the hot counters and rolling statistics behind the
// gate. Updating it after an assessment is the gate's only persistent side
// effect.
type PatternStore interface {
	MerchantTxCount(ctx context.Context, merchantID int64, window time.Duration) (int, error)
	IPTxCount(ctx context.Context, ip string, window time.Duration) (int, error)
	MerchantProfile(ctx context.Context, merchantID int64) (Profile, error)
	IsDeniedIP(ctx context.Context, ip string) (bool, error)
	IsDeniedLocation(ctx context.Context, location string) (bool, error)
	IsDisposableDomain(ctx context.Context, domain string) (bool, error)
	RecordAssessment(ctx context.Context, merchantID int64, rec AssessmentRecord) error
}

// AssessmentRecord is what the gate writes back into the pattern store.
type AssessmentRecord struct {
	Amount        float64
	IP            string
	Location      string
	DeviceID      string
	PaymentMethod string
	Hour          int
	Score         int
}

// Request carries everything the gate scores.
type Request struct {
	MerchantID    int64
	Amount        float64
	Currency      string
	CustomerEmail string
	IP            string
	UserAgent     string
	Location      string
	DeviceID      string
	PaymentMethod string
	Timestamp     time.Time
}

// Risk levels.
const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

// Decision thresholds on the weighted overall score.
const (
	reviewThreshold = 70
	blockThreshold  = 85
)

// Factor weights.
const (
	weightVelocity   = 0.25
	weightAmount     = 0.20
	weightLocation   = 0.15
	weightBehavior   = 0.25
	weightReputation = 0.15
)

const velocityWindow = 24 * time.Hour

// Gate scores a prospective invoice for fraud risk before creation.
type Gate struct {
	store  PatternStore
	logger Logger
}

// NewGate constructs a risk gate.
func NewGate(store PatternStore, logger Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// Assess computes the five factor scores, the weighted overall score and the
// decision flags, then updates the merchant's rolling pattern statistics.
func (g *Gate) Assess(ctx context.Context, req Request) (models.RiskAssessment, error) {
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	profile, err := g.store.MerchantProfile(ctx, req.MerchantID)
	if err != nil {
		return models.RiskAssessment{}, err
	}

	var reasons []string

	velocity, velReasons, err := g.velocityFactor(ctx, req)
	if err != nil {
		return models.RiskAssessment{}, err
	}
	reasons = append(reasons, velReasons...)

	amount, amtReasons := amountFactor(req.Amount, profile)
	reasons = append(reasons, amtReasons...)

	location, locReasons, err := g.locationFactor(ctx, req.Location, profile)
	if err != nil {
		return models.RiskAssessment{}, err
	}
	reasons = append(reasons, locReasons...)

	behavior, behReasons := behaviorFactor(req, profile)
	reasons = append(reasons, behReasons...)

	reputation, repReasons, err := g.reputationFactor(ctx, req, profile)
	if err != nil {
		return models.RiskAssessment{}, err
	}
	reasons = append(reasons, repReasons...)

	overall := int(math.Round(
		float64(velocity)*weightVelocity +
			float64(amount)*weightAmount +
			float64(location)*weightLocation +
			float64(behavior)*weightBehavior +
			float64(reputation)*weightReputation))

	assessment := models.RiskAssessment{
		Score: overall,
		Level: level(overall),
		Factors: models.RiskFactors{
			Velocity:   velocity,
			Amount:     amount,
			Location:   location,
			Behavior:   behavior,
			Reputation: reputation,
		},
		Reasons:              reasons,
		RequiresManualReview: overall > reviewThreshold,
		BlockTransaction:     overall > blockThreshold,
	}

	rec := AssessmentRecord{
		Amount:        req.Amount,
		IP:            req.IP,
		Location:      req.Location,
		DeviceID:      req.DeviceID,
		PaymentMethod: req.PaymentMethod,
		Hour:          req.Timestamp.Hour(),
		Score:         overall,
	}
	if err := g.store.RecordAssessment(ctx, req.MerchantID, rec); err != nil {
		// Pattern bookkeeping must not fail the assessment itself.
		g.logger.Errorf("risk: record assessment for merchant %d: %v", req.MerchantID, err)
	}

	return assessment, nil
}

func (g *Gate) velocityFactor(ctx context.Context, req Request) (int, []string, error) {
	count, err := g.store.MerchantTxCount(ctx, req.MerchantID, velocityWindow)
	if err != nil {
		return 0, nil, err
	}

	score := 10
	var reasons []string
	switch {
	case count > 50:
		score = 90
		reasons = append(reasons, "extreme transaction velocity")
	case count > 20:
		score = 70
		reasons = append(reasons, "high transaction velocity")
	case count > 10:
		score = 40
		reasons = append(reasons, "elevated transaction velocity")
	}

	if req.IP != "" {
		ipCount, err := g.store.IPTxCount(ctx, req.IP, velocityWindow)
		if err != nil {
			return 0, nil, err
		}
		if ipCount > 5 {
			score += 50
			reasons = append(reasons, "rapid-fire transactions from same origin")
		}
	}
	return cap100(score), reasons, nil
}

func amountFactor(amount float64, profile Profile) (int, []string) {
	if profile.TxCount == 0 {
		return 30, []string{"no transaction history for merchant"}
	}

	score := 10
	var reasons []string
	if profile.AvgAmount > 0 {
		ratio := amount / profile.AvgAmount
		switch {
		case ratio > 10:
			score = 80
			reasons = append(reasons, "amount far above merchant average")
		case ratio > 5:
			score = 60
			reasons = append(reasons, "amount well above merchant average")
		case ratio > 3:
			score = 40
			reasons = append(reasons, "amount above merchant average")
		}
	}
	// Sub-unit amounts are a common card/crypto testing pattern.
	if amount < 1 && score < 50 {
		score = 50
		reasons = append(reasons, "micro amount testing pattern")
	}
	return cap100(score), reasons
}

func (g *Gate) locationFactor(ctx context.Context, location string, profile Profile) (int, []string, error) {
	if location == "" {
		return 25, []string{"location unknown"}, nil
	}
	denied, err := g.store.IsDeniedLocation(ctx, location)
	if err != nil {
		return 0, nil, err
	}
	if denied {
		return 70, []string{"anonymizing or disallowed location"}, nil
	}
	if profile.TxCount > 0 && len(profile.KnownLocations) == 0 {
		return 30, nil, nil
	}
	for _, known := range profile.KnownLocations {
		if strings.EqualFold(known, location) {
			return 10, nil, nil
		}
	}
	return 45, []string{"new location for merchant"}, nil
}

func behaviorFactor(req Request, profile Profile) (int, []string) {
	score := 10
	var reasons []string

	if len(profile.ActiveHours) > 0 && !containsInt(profile.ActiveHours, req.Timestamp.Hour()) {
		score += 30
		reasons = append(reasons, "outside typical operating hours")
	}
	if req.DeviceID != "" && !containsFold(profile.KnownDevices, req.DeviceID) {
		score += 20
		reasons = append(reasons, "unseen device fingerprint")
	}
	if strings.EqualFold(req.PaymentMethod, "BTC") && profile.TxCount > 0 && profile.BTCShare < 0.2 {
		score += 15
		reasons = append(reasons, "unusual payment method for merchant")
	}
	return cap100(score), reasons
}

func (g *Gate) reputationFactor(ctx context.Context, req Request, profile Profile) (int, []string, error) {
	score := 0
	var reasons []string

	if domain := emailDomain(req.CustomerEmail); domain != "" {
		disposable, err := g.store.IsDisposableDomain(ctx, domain)
		if err != nil {
			return 0, nil, err
		}
		if disposable {
			score += 40
			reasons = append(reasons, "disposable email domain")
		}
	}
	if req.IP != "" {
		denied, err := g.store.IsDeniedIP(ctx, req.IP)
		if err != nil {
			return 0, nil, err
		}
		if denied {
			score += 50
			reasons = append(reasons, "IP on denylist")
		}
	}
	if profile.AvgRiskScore > 60 {
		score += 25
		reasons = append(reasons, "merchant trailing risk average is high")
	}
	return cap100(score), reasons, nil
}

func level(score int) string {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 35:
		return LevelMedium
	}
	return LevelLow
}

func cap100(v int) int {
	if v > 100 {
		return 100
	}
	return v
}

func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func containsFold(values []string, v string) bool {
	for _, x := range values {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}
