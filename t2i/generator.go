// Package t2i implements the text_to_image job type: parameter parsing, the
// GPU critical section, per-step progress reporting and PNG artifact output.
package t2i

import (
	"hash/fnv"
	"image"
	"image/color"
	"math"
	"math/rand"
	"time"
)

// GenerateRequest carries the full parameter set for one image generation.
type GenerateRequest struct {
	Prompt        string
	Width         int
	Height        int
	Steps         int
	GuidanceScale float64
	Seed          int64
	ModelType     string
}

// StepFunc is invoked after each inference step. Returning a non-nil error
// aborts generation — the cancellation probe surfaces through here.
type StepFunc func(step, total int) error

// Generator is the opaque blocking inference worker. The handler treats it as
// a black box: parameters in, image out, progress ticks through the callback.
// Real deployments plug a model-backed implementation in; Placeholder ships as
// the default so the server runs end-to-end without a GPU.
type Generator interface {
	Generate(req GenerateRequest, onStep StepFunc) (image.Image, error)
}

// Placeholder renders a deterministic gradient derived from the prompt and
// seed. It walks the same step loop a diffusion pipeline would, honoring the
// step callback, so progress and cancellation behave exactly as with a real
// model.
type Placeholder struct {
	// StepDelay simulates per-step inference time; zero runs flat out.
	StepDelay time.Duration
}

func (p *Placeholder) Generate(req GenerateRequest, onStep StepFunc) (image.Image, error) {
	for step := 1; step <= req.Steps; step++ {
		if p.StepDelay > 0 {
			time.Sleep(p.StepDelay)
		}
		if onStep != nil {
			if err := onStep(step, req.Steps); err != nil {
				return nil, err
			}
		}
	}

	rng := rand.New(rand.NewSource(req.Seed ^ int64(hashPrompt(req.Prompt))))
	base := color.NRGBA{
		R: uint8(rng.Intn(256)),
		G: uint8(rng.Intn(256)),
		B: uint8(rng.Intn(256)),
		A: 255,
	}
	angle := rng.Float64() * 2 * math.Pi

	img := image.NewNRGBA(image.Rect(0, 0, req.Width, req.Height))
	diag := math.Hypot(float64(req.Width), float64(req.Height))
	for y := 0; y < req.Height; y++ {
		for x := 0; x < req.Width; x++ {
			t := (float64(x)*math.Cos(angle) + float64(y)*math.Sin(angle)) / diag
			t = math.Abs(t)
			img.SetNRGBA(x, y, color.NRGBA{
				R: scale(base.R, t),
				G: scale(base.G, t),
				B: scale(base.B, t),
				A: 255,
			})
		}
	}
	return img, nil
}

func scale(c uint8, t float64) uint8 {
	return uint8(float64(c) * (0.35 + 0.65*t))
}

func hashPrompt(prompt string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(prompt))
	return h.Sum64()
}
