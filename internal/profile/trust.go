package profile

import (
	"math"
	"strings"
	"time"
	"unicode"
)

const (
	signatureFreshFor = 30 * 24 * time.Hour
	maxCountedSigs    = 3
)

// TrustScore is a pure function of the visible state and now, in [0,1].
// Completeness counts for up to 0.7, attestations for the rest.
func (p Profile) TrustScore(now time.Time) float64 {
	score := 0.0
	if strings.TrimSpace(p.Name) != "" {
		score += 0.1
	}
	if p.Age >= minAge && p.Age <= maxAge {
		score += 0.1
	}
	if len(strings.TrimSpace(p.Bio)) >= 20 {
		score += 0.1
	}
	score += 0.2 * math.Min(float64(len(p.Photos)), 3) / 3
	score += 0.1 * math.Min(float64(len(p.Interests)), 5) / 5
	if p.Location != nil {
		score += 0.1
	}

	n := len(p.Signatures)
	score += 0.2 * math.Min(float64(n), maxCountedSigs) / maxCountedSigs
	if n > 0 {
		var newest int64
		for _, s := range p.Signatures {
			if s.SignedAt > newest {
				newest = s.SignedAt
			}
		}
		age := now.Sub(time.UnixMicro(newest))
		if age < 0 {
			age = 0
		}
		// full credit while fresh, then halves every further freshness window
		fresh := 1.0
		if age > signatureFreshFor {
			fresh = math.Pow(0.5, float64(age-signatureFreshFor)/float64(signatureFreshFor))
		}
		score += 0.1 * fresh
	}
	return math.Max(0, math.Min(1, score))
}

// IsSpamLikely flags profiles showing at least two spam indicators.
func (p Profile) IsSpamLikely() bool {
	indicators := 0
	if len(p.Photos) == 0 {
		indicators++
	}
	if len(p.Signatures) == 0 {
		indicators++
	}
	bio := strings.ToLower(p.Bio)
	for _, marker := range []string{"http://", "https://", "www.", "t.me/", "whatsapp"} {
		if strings.Contains(bio, marker) {
			indicators++
			break
		}
	}
	if len(p.Interests) > 30 {
		indicators++
	}
	if countDigits(p.Name) > 4 {
		indicators++
	}
	if isShouting(p.Bio) {
		indicators++
	}
	return indicators >= 2
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

func isShouting(s string) bool {
	letters, upper := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 10 && upper*10 >= letters*8
}
