package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"strings"

	"github.com/goback/crudkit/pkg/storage"
	"github.com/goback/crudkit/pkg/utils"
)

const (
	avatarCells = 6
	avatarScale = 32
)

// AvatarKey 头像在对象存储中的键
func AvatarKey(email string) string {
	return "profiles/" + utils.MD5(email) + ".png"
}

// RenderAvatar 按邮箱生成确定性的对称像素头像
func RenderAvatar(email string) *image.RGBA {
	sum := md5.Sum([]byte(email))
	rng := rand.New(rand.NewPCG(binary.BigEndian.Uint64(sum[:8]), binary.BigEndian.Uint64(sum[8:])))

	fg := color.RGBA{
		R: uint8(50 + rng.IntN(151)),
		G: uint8(50 + rng.IntN(151)),
		B: uint8(50 + rng.IntN(151)),
		A: 0xff,
	}

	var cells [avatarCells][avatarCells]bool
	for y := 0; y < avatarCells; y++ {
		for x := 0; x < avatarCells/2; x++ {
			on := rng.IntN(2) == 1
			cells[y][x] = on
			cells[y][avatarCells-1-x] = on
		}
	}

	size := avatarCells * avatarScale
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for py := 0; py < size; py++ {
		for px := 0; px < size; px++ {
			c := color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
			if cells[py/avatarScale][px/avatarScale] {
				c = fg
			}
			img.SetRGBA(px, py, c)
		}
	}
	return img
}

// GenerateAvatar 生成头像并写入存储，返回访问路径
func GenerateAvatar(ctx context.Context, store storage.Store, email string) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, RenderAvatar(strings.ToLower(email))); err != nil {
		return "", err
	}
	key := AvatarKey(strings.ToLower(email))
	if err := store.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/png"); err != nil {
		return "", err
	}
	return PublicURL(key), nil
}
