package types

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultSlugPattern is the room slug format used when none is configured.
const DefaultSlugPattern = `^[A-Za-z0-9_-]{3,50}$`

var (
	slugRegex    = regexp.MustCompile(DefaultSlugPattern)
	pairKeyRegex = regexp.MustCompile(`^[0-9]+:[0-9]+$`)
)

// SlugValidator checks room slugs against a compiled pattern.
type SlugValidator struct {
	re *regexp.Regexp
}

// NewSlugValidator compiles pattern; an empty pattern selects the default.
func NewSlugValidator(pattern string) (*SlugValidator, error) {
	if pattern == "" {
		return &SlugValidator{re: slugRegex}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile slug pattern: %w", err)
	}
	return &SlugValidator{re: re}, nil
}

// Valid reports whether slug matches the pattern.
func (v *SlugValidator) Valid(slug string) bool {
	if v == nil || v.re == nil {
		return IsValidSlug(slug)
	}
	return v.re.MatchString(slug)
}

// IsValidSlug checks slug against DefaultSlugPattern.
func IsValidSlug(slug string) bool {
	return slugRegex.MatchString(slug)
}

// PairKey builds the canonical "low:high" key for two user ids.
func PairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

// ParsePairKey splits a direct pair key. Anything other than exactly two
// unsigned base-10 integers separated by a colon is rejected.
func ParsePairKey(key string) (int64, int64, error) {
	if !pairKeyRegex.MatchString(key) {
		return 0, 0, ErrInvalidPairKey
	}
	left, right, _ := strings.Cut(key, ":")
	low, err := strconv.ParseInt(left, 10, 64)
	if err != nil {
		return 0, 0, ErrInvalidPairKey
	}
	high, err := strconv.ParseInt(right, 10, 64)
	if err != nil {
		return 0, 0, ErrInvalidPairKey
	}
	return low, high, nil
}

// PairContains reports whether userID is one side of key. Malformed keys
// never contain anyone.
func PairContains(key string, userID int64) bool {
	low, high, err := ParsePairKey(key)
	if err != nil {
		return false
	}
	return userID == low || userID == high
}

// DirectSlug derives the stable slug of a direct room from its pair key.
func DirectSlug(salt, pairKey string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(pairKey))
	return "dm_" + hex.EncodeToString(mac.Sum(nil))[:24]
}

// NormalizeUsername trims whitespace and a leading '@'.
func NormalizeUsername(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "@")
	return strings.TrimSpace(name)
}
