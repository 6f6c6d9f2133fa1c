package utils

import "golang.org/x/crypto/bcrypt"

// HashSecret hashes a one-time verification code before it is stored.
func HashSecret(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
}

func CompareSecret(hashed string, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
}
