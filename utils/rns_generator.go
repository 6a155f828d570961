package utils

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
)

const accessKeyCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateAccessKey returns a random alphanumeric key for the credentials
// store.
func GenerateAccessKey(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("access key length must be positive")
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range buf {
		b.WriteByte(accessKeyCharset[int(c)%len(accessKeyCharset)])
	}
	return b.String(), nil
}

func GenerateRandomHex(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
