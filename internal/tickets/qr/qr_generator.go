package qr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

const (
	DefaultSize   = 256
	DefaultMargin = 4
	minSize       = 64
	maxSize       = 2048
)

var ErrEmptyPayload = errors.New("qr: payload is empty")

// Options mirrors the knobs the ticket UI asks for. go-qrcode draws a fixed
// four-module quiet zone, so any Margin > 0 keeps the border and 0 removes it.
type Options struct {
	ErrorCorrection string
	Size            int
	Margin          int
}

func DefaultOptions() Options {
	return Options{ErrorCorrection: "medium", Size: DefaultSize, Margin: DefaultMargin}
}

// QRGenerator renders ticket payloads as PNG images. It holds no secrets and
// performs no verification; the payload is rendered verbatim.
type QRGenerator struct {
	opts Options
}

func NewQRGenerator(opts Options) (*QRGenerator, error) {
	if _, err := recoveryLevel(opts.ErrorCorrection); err != nil {
		return nil, err
	}
	if opts.Size == 0 {
		opts.Size = DefaultSize
	}
	if opts.Size < minSize || opts.Size > maxSize {
		return nil, fmt.Errorf("qr: size %d out of range [%d, %d]", opts.Size, minSize, maxSize)
	}
	if opts.Margin < 0 {
		return nil, fmt.Errorf("qr: margin must not be negative")
	}
	return &QRGenerator{opts: opts}, nil
}

// Render encodes payload with the generator's default options.
func (q *QRGenerator) Render(payload string) ([]byte, error) {
	return q.RenderWith(payload, q.opts)
}

func (q *QRGenerator) RenderWith(payload string, opts Options) ([]byte, error) {
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	level, err := recoveryLevel(opts.ErrorCorrection)
	if err != nil {
		return nil, err
	}
	size := opts.Size
	if size == 0 {
		size = q.opts.Size
	}

	code, err := qrcode.New(payload, level)
	if err != nil {
		return nil, fmt.Errorf("qr: encode payload: %w", err)
	}
	code.DisableBorder = opts.Margin == 0

	png, err := code.PNG(size)
	if err != nil {
		return nil, fmt.Errorf("qr: render png: %w", err)
	}
	return png, nil
}

func recoveryLevel(name string) (qrcode.RecoveryLevel, error) {
	switch strings.ToLower(name) {
	case "low", "l":
		return qrcode.Low, nil
	case "", "medium", "m":
		return qrcode.Medium, nil
	case "high", "q":
		return qrcode.High, nil
	case "highest", "h":
		return qrcode.Highest, nil
	default:
		return 0, fmt.Errorf("qr: unknown error correction level %q", name)
	}
}
