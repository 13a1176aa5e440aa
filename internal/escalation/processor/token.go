package processor

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const maxTokenAttempts = 5

// TokenGenerator returns a string of length decimal digits.
type TokenGenerator func(length int) (string, error)

var ten = big.NewInt(10)

// RandomDigits draws each digit from crypto/rand.
func RandomDigits(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("token length must be positive, got %d", length)
	}
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to read random digit: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}

// ToneDigits is the DTMF string sent on the contact center leg: a two second
// pause, the token, then the terminator.
func ToneDigits(token string) string {
	return "wwww" + token + "#"
}
