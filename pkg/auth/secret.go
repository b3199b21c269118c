package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	stderrors "errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

var errSealedSecret = stderrors.New("auth: invalid sealed secret")

// SecretBox 对称加密 2FA 密钥，密文交给客户端或落库
type SecretBox struct {
	key [32]byte
}

// NewSecretBox 32 字节的 key 直接使用，否则取其 sha256
func NewSecretBox(key string) *SecretBox {
	sb := &SecretBox{}
	if len(key) == 32 {
		copy(sb.key[:], key)
	} else {
		sb.key = sha256.Sum256([]byte(key))
	}
	return sb
}

// Seal 加密，输出 base64url(nonce||box)
func (s *SecretBox) Seal(plain string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open 解密
func (s *SecretBox) Open(sealed string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil || len(raw) < 24+secretbox.Overhead {
		return "", errSealedSecret
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return "", errSealedSecret
	}
	return string(plain), nil
}
