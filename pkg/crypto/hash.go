package crypto

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Ошибки проверки токена
var (
	ErrEmptyToken    = errors.New("token cannot be empty")
	ErrTokenMismatch = errors.New("token does not match hash")
	ErrInvalidHash   = errors.New("invalid token hash format")
	ErrTokenTooLong  = errors.New("token exceeds maximum length of 72 bytes")
)

// DefaultCost - стоимость bcrypt для токенов API
const DefaultCost = 12

// MaxTokenLength - ограничение bcrypt (72 байта)
const MaxTokenLength = 72

// HashToken хеширует bearer-токен API.
// В конфигурации хранится только хеш (API_TOKEN_HASH), сам токен знает оператор.
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	if len(token) > MaxTokenLength {
		return "", ErrTokenTooLong
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyToken сравнивает токен с bcrypt-хешем (constant-time)
func VerifyToken(token, hash string) error {
	if token == "" {
		return ErrEmptyToken
	}
	if !IsBcryptHash(hash) {
		return ErrInvalidHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrTokenMismatch
	}
	return err
}

// IsBcryptHash - строка похожа на bcrypt-хеш ($2a$, $2b$, $2y$)
func IsBcryptHash(hash string) bool {
	if len(hash) != 60 {
		return false
	}
	return strings.HasPrefix(hash, "$2a$") ||
		strings.HasPrefix(hash, "$2b$") ||
		strings.HasPrefix(hash, "$2y$")
}
