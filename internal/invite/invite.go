package invite

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Invite is a redeemable code admitting users to one channel. Exhausted and
// expired are derived from the row on read; neither is stored.
type Invite struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	Code      string     `json:"code" gorm:"uniqueIndex;size:64;not null"`
	ChannelID uint       `json:"channel_id" gorm:"index;not null"`
	CreatedBy string     `json:"created_by" gorm:"not null"`
	ExpiresAt *time.Time `json:"expires_at"`
	MaxUses   *int       `json:"max_uses"`
	UseCount  int        `json:"use_count" gorm:"not null;default:0"`
	CreatedAt time.Time  `json:"created_at"`
}

func (i Invite) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

func (i Invite) Exhausted() bool {
	return i.MaxUses != nil && i.UseCount >= *i.MaxUses
}

// ExpiryFromOption turns a client expiry option into an absolute deadline.
// "24h" is a day from now; a day count (7, "7", "7d" or {"days": 7}) is that
// many days. Anything else never expires.
func ExpiryFromOption(option interface{}, now time.Time) *time.Time {
	if s, ok := option.(string); ok && strings.EqualFold(strings.TrimSpace(s), "24h") {
		t := now.Add(24 * time.Hour)
		return &t
	}
	if m, ok := option.(map[string]interface{}); ok {
		return ExpiryFromOption(m["days"], now)
	}
	if s, ok := option.(string); ok {
		option = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "d")
	}

	days, ok := positiveInt(option)
	if !ok {
		if option != nil {
			logrus.WithField("expiry", option).Debug("Unrecognised expiry option, invite never expires")
		}
		return nil
	}
	t := now.AddDate(0, 0, days)
	return &t
}

// MaxUsesFromOption turns a client max-uses option into a cap. "once" and 1
// are single use; a positive integer or {"count": n} is that many uses.
// Anything else is unlimited, including 0, negative and fractional values.
func MaxUsesFromOption(option interface{}) *int {
	if s, ok := option.(string); ok && strings.EqualFold(strings.TrimSpace(s), "once") {
		n := 1
		return &n
	}
	if m, ok := option.(map[string]interface{}); ok {
		if v, found := m["count"]; found {
			return MaxUsesFromOption(v)
		}
		return MaxUsesFromOption(m["max_uses"])
	}

	n, ok := positiveInt(option)
	if !ok {
		if option != nil {
			logrus.WithField("max_uses", option).Debug("Unrecognised max uses option, invite is unlimited")
		}
		return nil
	}
	return &n
}

func positiveInt(v interface{}) (int, bool) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int64:
		n = x
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt32 || x < 0 {
			return 0, false
		}
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, false
		}
		n = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 32)
		if err != nil {
			return 0, false
		}
		n = i
	default:
		return 0, false
	}
	if n <= 0 || n > math.MaxInt32 {
		return 0, false
	}
	return int(n), true
}
