package utils

import "golang.org/x/crypto/bcrypt"

// HashSecret returns the bcrypt hash of a service secret.  A cost below
// bcrypt.MinCost uses bcrypt.DefaultCost.
func HashSecret(plain string, cost int) (string, error) {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifySecret safely compares a bcrypt hash and a plain secret.
func VerifySecret(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
