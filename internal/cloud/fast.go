package cloud

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Sky-blue mask in HSV space.
const (
	skyHueMin = 180.0
	skyHueMax = 250.0
	skySatMin = 0.15
	skyValMin = 0.25

	// roughly this many pixels are sampled regardless of resolution
	targetSamples  = 40000
	fastConfidence = 0.7
)

// DecodeImage decodes a JPEG or PNG snapshot.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return img, nil
}

// Segment runs the fast colour-segmentation path on an image.
func Segment(img image.Image, now time.Time) FastEstimate {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return FastEstimate{result: Analysis{Timestamp: now, Method: MethodFast, Note: "empty image"}}
	}

	stride := int(math.Sqrt(float64(w*h) / targetSamples))
	if stride < 1 {
		stride = 1
	}

	values := make([]float64, 0, (w/stride+1)*(h/stride+1))
	sky := 0
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			hue, sat, val := hsv(img.At(x, y).RGBA())
			values = append(values, val)
			if hue >= skyHueMin && hue <= skyHueMax && sat >= skySatMin && val >= skyValMin {
				sky++
			}
		}
	}

	cover := (1 - float64(sky)/float64(len(values))) * 100
	brightness := stat.Mean(values, nil)
	t := classify(cover, brightness)

	return FastEstimate{
		result: Analysis{
			Timestamp:       now,
			CoverPct:        cover,
			Type:            t,
			Brightness:      brightness,
			RainProbability: t.RainProbability(),
			Confidence:      fastConfidence,
			Method:          MethodFast,
			Valid:           true,
		},
		SampledPixels: len(values),
		SkyPixels:     sky,
	}
}

// classify infers the cloud type from cover percentage and mean brightness (0-1). Dark,
// heavy cover reads as storm cloud; bright broken cover as cumulus.
func classify(cover, brightness float64) Type {
	switch {
	case cover < 10:
		return Clear
	case cover < 30:
		return Cirrus
	case cover < 60:
		if brightness > 0.6 {
			return Cumulus
		}
		return Stratus
	case cover < 85:
		switch {
		case brightness > 0.5:
			return Cumulus
		case brightness > 0.3:
			return Stratus
		default:
			return Nimbostratus
		}
	default:
		switch {
		case brightness < 0.35:
			return Cumulonimbus
		case brightness < 0.6:
			return Nimbostratus
		default:
			return Stratus
		}
	}
}

// hsv converts 16-bit RGBA components to hue (degrees), saturation and value (0-1).
func hsv(r, g, b, _ uint32) (h, s, v float64) {
	rf, gf, bf := float64(r)/0xffff, float64(g)/0xffff, float64(b)/0xffff
	hi := math.Max(rf, math.Max(gf, bf))
	lo := math.Min(rf, math.Min(gf, bf))
	v = hi
	delta := hi - lo
	if hi > 0 {
		s = delta / hi
	}
	if delta == 0 {
		return 0, s, v
	}

	switch hi {
	case rf:
		h = 60 * math.Mod((gf-bf)/delta, 6)
	case gf:
		h = 60 * ((bf-rf)/delta + 2)
	default:
		h = 60 * ((rf-gf)/delta + 4)
	}
	if h < 0 {
		h += 360
	}
	return h, s, v
}
