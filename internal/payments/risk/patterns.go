package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPatternStore keeps the gate's hot data in Redis: velocity counters as
// sorted sets of timestamps, merchant rolling stats as a hash, and denylists
// as plain sets.
type RedisPatternStore struct {
	rdb *redis.Client
}

// NewRedisPatternStore creates the store.
func NewRedisPatternStore(rdb *redis.Client) *RedisPatternStore {
	return &RedisPatternStore{rdb: rdb}
}

func merchantTxKey(merchantID int64) string {
	return fmt.Sprintf("risk:velocity:merchant:%d", merchantID)
}

func ipTxKey(ip string) string {
	return "risk:velocity:ip:" + ip
}

func profileKey(merchantID int64) string {
	return fmt.Sprintf("risk:profile:%d", merchantID)
}

func profileSetKey(merchantID int64, kind string) string {
	return fmt.Sprintf("risk:profile:%d:%s", merchantID, kind)
}

// Denylist set keys. Populated out-of-band by operators.
const (
	deniedIPKey       = "risk:denylist:ip"
	deniedLocationKey = "risk:denylist:location"
	disposableKey     = "risk:denylist:email_domain"
	deniedAddressKey  = "risk:denylist:address"
)

// MerchantTxCount counts merchant transactions in the trailing window.
func (s *RedisPatternStore) MerchantTxCount(ctx context.Context, merchantID int64, window time.Duration) (int, error) {
	return s.windowCount(ctx, merchantTxKey(merchantID), window)
}

// IPTxCount counts transactions from one origin IP in the trailing window.
func (s *RedisPatternStore) IPTxCount(ctx context.Context, ip string, window time.Duration) (int, error) {
	return s.windowCount(ctx, ipTxKey(ip), window)
}

func (s *RedisPatternStore) windowCount(ctx context.Context, key string, window time.Duration) (int, error) {
	now := time.Now()
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	if err := s.rdb.ZRemRangeByScore(ctx, key, "0", cutoff).Err(); err != nil {
		return 0, err
	}
	n, err := s.rdb.ZCount(ctx, key, cutoff, "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// MerchantProfile loads the rolling profile; an empty profile (TxCount 0) is
// returned for unknown merchants.
func (s *RedisPatternStore) MerchantProfile(ctx context.Context, merchantID int64) (Profile, error) {
	fields, err := s.rdb.HGetAll(ctx, profileKey(merchantID)).Result()
	if err != nil {
		return Profile{}, err
	}
	profile := Profile{}
	profile.TxCount = atoi(fields["tx_count"])
	if profile.TxCount > 0 {
		total := atof(fields["amount_total"])
		profile.AvgAmount = total / float64(profile.TxCount)
		profile.BTCShare = float64(atoi(fields["btc_count"])) / float64(profile.TxCount)
	}
	if riskCount := atoi(fields["risk_count"]); riskCount > 0 {
		profile.AvgRiskScore = atof(fields["risk_total"]) / float64(riskCount)
	}

	locations, err := s.rdb.SMembers(ctx, profileSetKey(merchantID, "locations")).Result()
	if err != nil {
		return Profile{}, err
	}
	profile.KnownLocations = locations

	devices, err := s.rdb.SMembers(ctx, profileSetKey(merchantID, "devices")).Result()
	if err != nil {
		return Profile{}, err
	}
	profile.KnownDevices = devices

	hours, err := s.rdb.SMembers(ctx, profileSetKey(merchantID, "hours")).Result()
	if err != nil {
		return Profile{}, err
	}
	for _, h := range hours {
		profile.ActiveHours = append(profile.ActiveHours, atoi(h))
	}
	return profile, nil
}

// IsDeniedIP checks the operator-managed IP denylist.
func (s *RedisPatternStore) IsDeniedIP(ctx context.Context, ip string) (bool, error) {
	return s.rdb.SIsMember(ctx, deniedIPKey, ip).Result()
}

// IsDeniedLocation checks the anonymizing/disallowed location class list.
func (s *RedisPatternStore) IsDeniedLocation(ctx context.Context, location string) (bool, error) {
	return s.rdb.SIsMember(ctx, deniedLocationKey, location).Result()
}

// IsDisposableDomain checks the disposable email domain list.
func (s *RedisPatternStore) IsDisposableDomain(ctx context.Context, domain string) (bool, error) {
	return s.rdb.SIsMember(ctx, disposableKey, domain).Result()
}

// IsDeniedAddress checks the source-address denylist used by the double-spend gate.
func (s *RedisPatternStore) IsDeniedAddress(ctx context.Context, address string) (bool, error) {
	return s.rdb.SIsMember(ctx, deniedAddressKey, address).Result()
}

// RecordAssessment folds one assessed transaction into the rolling profile.
func (s *RedisPatternStore) RecordAssessment(ctx context.Context, merchantID int64, rec AssessmentRecord) error {
	now := time.Now()
	member := redis.Z{Score: float64(now.UnixMilli()), Member: fmt.Sprintf("%d", now.UnixNano())}

	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, merchantTxKey(merchantID), member)
	pipe.Expire(ctx, merchantTxKey(merchantID), velocityWindow+time.Hour)
	if rec.IP != "" {
		pipe.ZAdd(ctx, ipTxKey(rec.IP), member)
		pipe.Expire(ctx, ipTxKey(rec.IP), velocityWindow+time.Hour)
	}

	key := profileKey(merchantID)
	pipe.HIncrBy(ctx, key, "tx_count", 1)
	pipe.HIncrByFloat(ctx, key, "amount_total", rec.Amount)
	if rec.PaymentMethod == "BTC" {
		pipe.HIncrBy(ctx, key, "btc_count", 1)
	}
	pipe.HIncrBy(ctx, key, "risk_count", 1)
	pipe.HIncrByFloat(ctx, key, "risk_total", float64(rec.Score))

	if rec.Location != "" {
		pipe.SAdd(ctx, profileSetKey(merchantID, "locations"), rec.Location)
	}
	if rec.DeviceID != "" {
		pipe.SAdd(ctx, profileSetKey(merchantID, "devices"), rec.DeviceID)
	}
	pipe.SAdd(ctx, profileSetKey(merchantID, "hours"), strconv.Itoa(rec.Hour))

	_, err := pipe.Exec(ctx)
	return err
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func atof(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
