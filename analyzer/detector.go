package analyzer

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"videoAnalysis/models"
)

const (
	modelVersion  = "v1.0.0"
	maxFrames     = 30
	fakeThreshold = 0.8
)

// Detector is the production analyzer. It samples frames from the artifact
// with ffmpeg and scores them from luminance statistics. The scoring is a
// stand-in for remote model inference, but the sampling, timing and report
// shape are the real contract.
type Detector struct {
	logger     *zap.Logger
	ffmpegPath string
}

func NewDetector(logger *zap.Logger) *Detector {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		logger.Warn("ffmpeg not found, detector will not sample frames", zap.Error(err))
		path = ""
	}
	return &Detector{logger: logger, ffmpegPath: path}
}

func (d *Detector) Analyze(ctx context.Context, artifactPath string) (*models.Report, error) {
	start := time.Now()

	info, err := os.Stat(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	if info.Size() == 0 || d.ffmpegPath == "" {
		// Nothing to sample: report honestly rather than guess.
		return d.report(models.VerdictUnknown, 0, nil, 0, start), nil
	}

	frames, cleanup, err := d.extractFrames(ctx, artifactPath)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if len(frames) == 0 {
		return d.report(models.VerdictUnknown, 0, nil, 0, start), nil
	}

	var total float64
	sampled := 0
	for _, framePath := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := imaging.Open(framePath)
		if err != nil {
			d.logger.Warn("Skipping undecodable frame",
				zap.String("frame", framePath),
				zap.Error(err),
			)
			continue
		}
		total += scoreFrame(img)
		sampled++
	}
	if sampled == 0 {
		return d.report(models.VerdictUnknown, 0, nil, 0, start), nil
	}

	confidence := total / float64(sampled)
	verdict := models.VerdictReal
	var regions []models.Region
	if confidence > fakeThreshold {
		verdict = models.VerdictFake
		regions = []models.Region{
			{Label: "face_boundary", Confidence: confidence},
			{Label: "eye_region", Confidence: math.Min(confidence+0.05, 0.99)},
		}
	}

	return d.report(verdict, confidence, regions, sampled, start), nil
}

func (d *Detector) report(verdict models.Verdict, confidence float64, regions []models.Region, sampled int, start time.Time) *models.Report {
	return &models.Report{
		Verdict:            verdict,
		ConfidenceScore:    confidence,
		ManipulatedRegions: regions,
		FramesSampled:      sampled,
		ModelVersion:       modelVersion,
		ProcessingTimeMS:   time.Since(start).Milliseconds(),
	}
}

func (d *Detector) extractFrames(ctx context.Context, artifactPath string) ([]string, func(), error) {
	tempDir, err := os.MkdirTemp("", "frames")
	if err != nil {
		return nil, nil, fmt.Errorf("create frame dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(tempDir) }

	pattern := filepath.Join(tempDir, "frame_%03d.jpg")
	cmd := exec.CommandContext(ctx, d.ffmpegPath,
		"-y",
		"-i", artifactPath,
		"-frames:v", fmt.Sprint(maxFrames),
		"-vsync", "vfr",
		pattern,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("extract frames: %w: %s", err, out)
	}

	frames, err := filepath.Glob(filepath.Join(tempDir, "frame_*.jpg"))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	sort.Strings(frames)
	return frames, cleanup, nil
}

// scoreFrame maps luminance spread to a manipulation score in [0,1].
// Unnaturally smooth frames score high. Deterministic for a given image.
func scoreFrame(img image.Image) float64 {
	small := imaging.Resize(img, 64, 64, imaging.Box)
	gray := imaging.Grayscale(small)

	bounds := gray.Bounds()
	n := float64(bounds.Dx() * bounds.Dy())

	var sum, sumSq float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, _, _, _ := gray.At(x, y).RGBA()
			v := float64(r >> 8)
			sum += v
			sumSq += v * v
		}
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}

	score := 1 - math.Sqrt(variance)/128
	return math.Max(0, math.Min(1, score))
}
