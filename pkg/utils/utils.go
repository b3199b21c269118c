package utils

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// MD5 计算MD5
func MD5(str string) string {
	sum := md5.Sum([]byte(str))
	return hex.EncodeToString(sum[:])
}

// SHA256 计算SHA-256十六进制摘要
func SHA256(str string) string {
	sum := sha256.Sum256([]byte(str))
	return hex.EncodeToString(sum[:])
}

// TokenURLSafe 生成 n 字节随机数的 URL 安全 base64 字符串（无填充）
func TokenURLSafe(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("utils: read random: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Mask 保留前 n 个字符，其余以 ***** 代替
func Mask(s string, n int) string {
	if len(s) <= n {
		return s + "*****"
	}
	return s[:n] + "*****"
}

// Contains 检查切片是否包含元素
func Contains[T comparable](slice []T, item T) bool {
	for _, v := range slice {
		if v == item {
			return true
		}
	}
	return false
}

// Unique 切片去重，保持顺序
func Unique[T comparable](slice []T) []T {
	seen := make(map[T]struct{})
	result := make([]T, 0, len(slice))
	for _, v := range slice {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			result = append(result, v)
		}
	}
	return result
}
