package auth

import (
	"github.com/goback/crudkit/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength 密码最小长度
const MinPasswordLength = 8

// ValidatePassword 校验密码强度
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return errors.Validation("Password must be at least 8 characters long")
	}
	return nil
}

// HashPassword bcrypt 哈希
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword 校验明文与哈希是否匹配
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
