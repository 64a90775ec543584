package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

// CheckoutQRService renders hosted-checkout URLs as QR images so a payer on
// another device can scan into the card flow. Rendered images are cached in
// Redis for the checkout window; rendering is pure so a cache miss just
// re-renders.
type CheckoutQRService struct {
	redis *redis.Client
}

func NewCheckoutQRService(redisClient *redis.Client) *CheckoutQRService {
	return &CheckoutQRService{redis: redisClient}
}

// RenderCheckoutQR returns a base64 PNG of the checkout URL.
func (s *CheckoutQRService) RenderCheckoutQR(ctx context.Context, referenceID, checkoutURL string) (string, error) {
	key := fmt.Sprintf("checkout_qr:%s", referenceID)

	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, key).Result(); err == nil {
			return cached, nil
		}
	}

	qr, err := qrcode.New(checkoutURL, qrcode.Medium)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", err
	}

	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	if s.redis != nil {
		if err := s.redis.Set(ctx, key, qrImage, 15*time.Minute).Err(); err != nil {
			// Cache only; the rendered image still goes out.
			return qrImage, nil
		}
	}

	return qrImage, nil
}
