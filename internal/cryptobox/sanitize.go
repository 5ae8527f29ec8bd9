package cryptobox

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode"

	"lime_farm/internal/domain"
)

// Sanitize drops markup delimiters and control characters and trims spaces.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '<' || r == '>':
			return -1
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// Unambiguous uppercase alphabet: no 0/O or 1/I.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewReferralCode returns a random domain.ReferralCodeLength character code.
func NewReferralCode() (string, error) {
	var sb strings.Builder
	limit := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < domain.ReferralCodeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// NormalizeReferralCode canonicalizes user input before lookup.
func NormalizeReferralCode(code string) string {
	return strings.ToUpper(Sanitize(code))
}
