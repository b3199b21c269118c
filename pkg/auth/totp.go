package auth

import (
	"bytes"
	"encoding/hex"
	"image/png"
	"time"

	"github.com/pquerna/otp/totp"
)

// TOTPSetup 2FA 初始化结果，Secret 为明文，交给客户端前需加密
type TOTPSetup struct {
	Secret string
	URL    string
	// QRCode PNG 的十六进制编码
	QRCode string
}

// GenerateTOTP 生成 TOTP 密钥与二维码
func GenerateTOTP(issuer, account string) (*TOTPSetup, error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: account})
	if err != nil {
		return nil, err
	}
	img, err := key.Image(200, 200)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return &TOTPSetup{Secret: key.Secret(), URL: key.URL(), QRCode: hex.EncodeToString(buf.Bytes())}, nil
}

// ValidateTOTP 校验一次性密码
func ValidateTOTP(code, secret string) bool {
	return totp.Validate(code, secret)
}

// TOTPCode 当前时刻的一次性密码
func TOTPCode(secret string) (string, error) {
	return totp.GenerateCode(secret, time.Now())
}
