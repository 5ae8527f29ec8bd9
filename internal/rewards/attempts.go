package rewards

import (
	"math"

	"lime_farm/internal/domain"
)

// ValidateAttempts accepts integers in [0, domain.MaxAttempts].
func ValidateAttempts(v int) error {
	if v < 0 || v > domain.MaxAttempts {
		return domain.InvalidAttempts(v)
	}
	return nil
}

// AttemptsFromNumber converts a decoded JSON number, rejecting fractions.
func AttemptsFromNumber(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, domain.InvalidAttempts(f)
	}
	if f < 0 || f > domain.MaxAttempts {
		return 0, domain.InvalidAttempts(f)
	}
	return int(f), nil
}
