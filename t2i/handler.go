package t2i

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/renderq/renderq/errors"
	"github.com/renderq/renderq/jobs"
)

// TaskType is the registry tag for this handler.
const TaskType = "text_to_image"

// Parameter defaults matching the wire contract.
const (
	defaultWidth         = 1024
	defaultHeight        = 1024
	defaultSteps         = 9
	defaultGuidanceScale = 0.0
	defaultSeed          = 42
	defaultModelType     = "uint4"
)

// Handler generates images from text prompts.
//
// The GPU is a single exclusive resource: generation and artifact save happen
// inside a weight-1 semaphore acquired with the job context. The registry's
// concurrency bound stays above 1 so cache adoption and parameter work on
// other jobs overlap with a generation in flight, while the GPU itself stays
// serialized.
type Handler struct {
	gen       Generator
	gpu       *semaphore.Weighted
	outputDir string
	cacheDir  string
	logger    *zap.SugaredLogger
}

// NewHandler creates the text_to_image handler.
func NewHandler(gen Generator, outputDir, cacheDir string, log *zap.SugaredLogger) *Handler {
	return &Handler{
		gen:       gen,
		gpu:       semaphore.NewWeighted(1),
		outputDir: outputDir,
		cacheDir:  cacheDir,
		logger:    log.Named("t2i"),
	}
}

// DeriveID hashes the canonical parameter encoding.
func (h *Handler) DeriveID(params map[string]interface{}) (string, error) {
	return jobs.DeriveParamsID(params)
}

// CachePolicy caches the result mapping as JSON under the default suffix.
// The PNG itself lives in the output directory; only the pointer to it is
// cached, which is all a replay needs.
func (h *Handler) CachePolicy() jobs.CachePolicy {
	return jobs.DefaultCachePolicy(h.cacheDir)
}

// Execute runs one generation and returns {filename, path}.
func (h *Handler) Execute(ctx context.Context, params map[string]interface{}, sink jobs.EventSink) (map[string]interface{}, error) {
	req, err := parseParams(params)
	if err != nil {
		return nil, err
	}

	jobID, err := h.DeriveID(params)
	if err != nil {
		return nil, err
	}

	h.logger.Infow("Generating image",
		"job_id", jobID,
		"prompt_length", len(req.Prompt),
		"size", fmt.Sprintf("%dx%d", req.Width, req.Height),
		"steps", req.Steps,
		"model_type", req.ModelType,
	)

	// GPU critical section: generation and artifact save.
	if err := h.gpu.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "failed to acquire gpu")
	}
	filename, outputPath, err := h.renderLocked(ctx, jobID, req, sink)
	h.gpu.Release(1)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"filename": filename,
		"path":     outputPath,
	}, nil
}

// renderLocked runs with the GPU held.
func (h *Handler) renderLocked(ctx context.Context, jobID string, req GenerateRequest, sink jobs.EventSink) (string, string, error) {
	sink.Progress(map[string]interface{}{"stage": "generating", "percent": 0})

	start := time.Now()
	img, err := h.gen.Generate(req, func(step, total int) error {
		if sink.Cancelled() {
			return errors.New("job cancelled by user")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		sink.Progress(progressPayload(step, total, start))
		return nil
	})
	if err != nil {
		return "", "", err
	}

	filename := outputFilename(req.Prompt, jobID)
	outputPath := filepath.Join(h.outputDir, filename)
	if err := writePNG(outputPath, img); err != nil {
		return "", "", err
	}

	h.logger.Infow("Image saved",
		"job_id", jobID,
		"path", outputPath,
		"duration", time.Since(start),
	)
	return filename, outputPath, nil
}

// outputFilename builds "YYYYMMDD-<slug32>-<id8>.png".
func outputFilename(prompt, jobID string) string {
	name := slug.Make(prompt)
	if len(name) > 32 {
		name = name[:32]
	}
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s-%s.png", time.Now().Format("20060102"), name, short)
}

func writePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create output directory for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create output file %s", path)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return errors.Wrapf(err, "failed to encode png %s", path)
	}
	return nil
}

// progressPayload formats a per-step progress tick the way clients render it:
// tqdm-style elapsed/remaining as MM:SS and speed as seconds per iteration.
func progressPayload(step, total int, start time.Time) map[string]interface{} {
	elapsed := time.Since(start)
	percentage := step * 100 / total
	if percentage > 100 {
		percentage = 100
	}
	speed := elapsed.Seconds() / float64(step)
	remaining := time.Duration(speed*float64(total-step)) * time.Second

	return map[string]interface{}{
		"type":         "progress",
		"percentage":   percentage,
		"current_step": step,
		"total_steps":  total,
		"elapsed":      formatClock(elapsed),
		"remaining":    formatClock(remaining),
		"speed":        fmt.Sprintf("%.2fs/it", speed),
	}
}

// formatClock renders a duration as MM:SS.
func formatClock(d time.Duration) string {
	secs := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// parseParams validates and defaults the wire parameter map.
func parseParams(params map[string]interface{}) (GenerateRequest, error) {
	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		return GenerateRequest{}, errors.New("missing 'prompt' in parameters")
	}

	req := GenerateRequest{
		Prompt:        prompt,
		Width:         intParam(params, "width", defaultWidth),
		Height:        intParam(params, "height", defaultHeight),
		Steps:         intParam(params, "steps", defaultSteps),
		GuidanceScale: floatParam(params, "guidance_scale", defaultGuidanceScale),
		Seed:          int64(intParam(params, "seed", defaultSeed)),
		ModelType:     stringParam(params, "model_type", defaultModelType),
	}
	if req.Width <= 0 || req.Height <= 0 {
		return GenerateRequest{}, errors.Newf("invalid image size %dx%d", req.Width, req.Height)
	}
	if req.Steps <= 0 {
		return GenerateRequest{}, errors.Newf("invalid step count %d", req.Steps)
	}
	return req, nil
}

// JSON numbers decode as float64; accept ints from in-process callers too.
func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return def
	}
}

func floatParam(params map[string]interface{}, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

func stringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
