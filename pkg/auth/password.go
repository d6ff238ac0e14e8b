package auth

import "golang.org/x/crypto/bcrypt"

// CheckPassword reports whether password matches the stored bcrypt hash.
// The admin login path uses this when ADMIN_PASSWORD_HASH is configured
// instead of a plain text password.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
