package telegram

import (
	"bytes"
	"fmt"
	"strconv"

	"context"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawlite/internal/outbound"
)

// photoMaxDimension bounds uploads so they stay inside Telegram's photo
// size limits.
const photoMaxDimension = 2048

// preparePhoto loads an image from disk, downscales it when either side
// exceeds photoMaxDimension and re-encodes as JPEG.
func preparePhoto(path string) ([]byte, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() > photoMaxDimension || bounds.Dy() > photoMaxDimension {
		img = imaging.Fit(img, photoMaxDimension, photoMaxDimension, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// SendPhoto uploads a local image to a chat with an optional caption.
func (a *Adapter) SendPhoto(ctx context.Context, target, path, caption string) outbound.SendResult {
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return a.Delivery().Unavailable("telegram", target, path, "invalid chat id: "+target, "none")
	}
	data, err := preparePhoto(path)
	if err != nil {
		return a.Delivery().Unavailable("telegram", target, path, err.Error(), "none")
	}
	return a.Delivery().Deliver(ctx, "telegram", target, "photo:"+path, "none", func(opCtx context.Context) error {
		params := &telego.SendPhotoParams{
			ChatID:  tu.ID(id),
			Photo:   tu.File(tu.NameReader(bytes.NewReader(data), "photo.jpg")),
			Caption: caption,
		}
		_, err := a.bot.SendPhoto(opCtx, params)
		return err
	})
}
