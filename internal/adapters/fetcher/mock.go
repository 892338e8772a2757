package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image/color"
	"strings"
	"time"

	"github.com/Amund211/contentloader/internal/domain"
	"github.com/disintegration/imaging"
)

const (
	mockWidth  = 64
	mockHeight = 48
)

// Mock returns a solid PNG whose colour is derived from the key. Keys
// containing "missing" are not found.
type Mock struct {
	delay     time.Duration
	afterFunc func(time.Duration) <-chan time.Time
}

func NewMock(delay time.Duration, afterFunc func(time.Duration) <-chan time.Time) *Mock {
	return &Mock{
		delay:     delay,
		afterFunc: afterFunc,
	}
}

func (f *Mock) Fetch(ctx context.Context, request domain.Request, attempt int) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.afterFunc(f.delay):
		}
	}

	if strings.Contains(request.Key, "missing") {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, request.Key)
	}

	h := fnv.New32a()
	h.Write([]byte(request.Key))
	sum := h.Sum32()
	fill := color.NRGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 255}

	var buf bytes.Buffer
	err := imaging.Encode(&buf, imaging.New(mockWidth, mockHeight, fill), imaging.PNG)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mock image: %w", err)
	}
	return buf.Bytes(), nil
}
