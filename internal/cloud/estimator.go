package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/chrissnell/remoteflood/pkg/config"
	"github.com/chrissnell/remoteflood/pkg/solar"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	maxSnapshotBytes = 16 << 20
	// rain probability floor when the classifier reports rain as likely
	rainLikelyFloor = 70.0
	// confidence multiplier applied when the classifier fell back to the fast path
	degradedFactor = 0.8
)

// Camera produces sky snapshots.
type Camera interface {
	Capture(ctx context.Context) ([]byte, error)
}

// ClassifierResult is the external classifier's answer.
type ClassifierResult struct {
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	RainLikely bool     `json:"rain_likely"`
	CoverPct   *float64 `json:"cover_pct,omitempty"`
}

// Classifier is the external image-understanding capability.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (ClassifierResult, error)
}

// HTTPCamera fetches a JPEG snapshot from an IP camera.
type HTTPCamera struct {
	url      string
	username string
	password string
	client   *http.Client
}

func NewHTTPCamera(cfg config.CameraData) *HTTPCamera {
	return &HTTPCamera{
		url:      cfg.SnapshotURL,
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: cfg.Timeout.D()},
	}
}

func (c *HTTPCamera) Capture(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating snapshot request: %v", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching snapshot: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("camera responded with status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("error reading snapshot: %v", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("camera returned an empty snapshot")
	}
	return data, nil
}

// HTTPClassifier posts the snapshot to an inference endpoint and expects a JSON
// ClassifierResult back.
type HTTPClassifier struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPClassifier(cfg config.CameraData) *HTTPClassifier {
	return &HTTPClassifier{
		url:    cfg.ClassifierURL,
		apiKey: cfg.ClassifierAPIKey,
		client: &http.Client{Timeout: cfg.ClassifierTimeout.D()},
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, image []byte) (ClassifierResult, error) {
	var result ClassifierResult

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(image))
	if err != nil {
		return result, fmt.Errorf("error creating classifier request: %v", err)
	}
	req.Header.Set("Content-Type", http.DetectContentType(image))
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("error calling classifier: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("classifier responded with status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("unable to decode classifier response: %v", err)
	}
	if result.Label == "" {
		return result, fmt.Errorf("classifier response has no label")
	}
	return result, nil
}

type Option func(*Estimator)

func WithClock(c clockwork.Clock) Option {
	return func(e *Estimator) { e.clock = c }
}

// WithLocation enables the night-time capture skip.
func WithLocation(lat, lon float64) Option {
	return func(e *Estimator) {
		e.lat, e.lon = lat, lon
		e.hasLocation = true
	}
}

// Estimator ties a camera to the two analysis paths.
type Estimator struct {
	config     config.CameraData
	camera     Camera
	classifier Classifier
	logger     *zap.SugaredLogger
	clock      clockwork.Clock

	lat, lon    float64
	hasLocation bool
}

// NewEstimator creates an estimator. classifier may be nil, in which case only the fast
// path is available.
func NewEstimator(cfg config.CameraData, camera Camera, classifier Classifier, logger *zap.SugaredLogger, opts ...Option) *Estimator {
	e := &Estimator{
		config:     cfg,
		camera:     camera,
		classifier: classifier,
		logger:     logger,
		clock:      clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Daylight reports whether the sky is lit enough for colour segmentation. Without a
// configured location it always returns true.
func (e *Estimator) Daylight() bool {
	if !e.config.SkipAtNight || !e.hasLocation {
		return true
	}
	return solar.IsDaylight(e.clock.Now(), e.lat, e.lon)
}

// Capture takes one snapshot. Failures are logged and reported as false.
func (e *Estimator) Capture(ctx context.Context) ([]byte, bool) {
	ctx, cancel := withTimeout(ctx, e.config.Timeout.D())
	defer cancel()

	img, err := e.camera.Capture(ctx)
	if err != nil {
		e.logger.Warnf("sky camera capture failed: %v", err)
		return nil, false
	}
	return img, true
}

// AnalyzeFast runs local colour segmentation. An undecodable image gives an invalid
// analysis.
func (e *Estimator) AnalyzeFast(data []byte) FastEstimate {
	now := e.clock.Now()
	img, err := DecodeImage(data)
	if err != nil {
		e.logger.Warnf("fast cloud analysis: %v", err)
		return FastEstimate{result: Analysis{Timestamp: now, Method: MethodFast, Note: err.Error()}}
	}

	est := Segment(img, now)
	a := est.result
	e.logger.Debugf("fast cloud analysis: cover=%.1f%% type=%s brightness=%.2f (%d/%d sky pixels)",
		a.CoverPct, a.Type, a.Brightness, est.SkyPixels, est.SampledPixels)
	return est
}

// AnalyzeAssisted asks the classifier and uses the fast path as its floor. A classifier
// failure never makes the analysis invalid: the fast numbers are reused with a note.
func (e *Estimator) AnalyzeAssisted(ctx context.Context, data []byte) AssistedEstimate {
	floor := e.AnalyzeFast(data)
	if !floor.result.Valid {
		return AssistedEstimate{result: floor.result, Floor: floor}
	}
	if e.classifier == nil {
		return e.degrade(floor, fmt.Errorf("no classifier configured"))
	}

	ctx, cancel := withTimeout(ctx, e.config.ClassifierTimeout.D())
	defer cancel()

	res, err := e.classifier.Classify(ctx, data)
	if err != nil {
		return e.degrade(floor, err)
	}

	a := floor.result
	a.Method = MethodAssisted
	a.Confidence = clamp(res.Confidence, 0, 1)
	if t, ok := ParseType(res.Label); ok {
		a.Type = t
	} else {
		a.Note = fmt.Sprintf("unrecognised label %q, keeping %s", res.Label, floor.result.Type)
	}
	if res.CoverPct != nil {
		a.CoverPct = clamp(*res.CoverPct, 0, 100)
	}
	a.RainProbability = a.Type.RainProbability()
	if res.RainLikely {
		a.RainProbability = math.Max(a.RainProbability, rainLikelyFloor)
	}

	e.logger.Debugf("assisted cloud analysis: label=%q type=%s cover=%.1f%% rain=%.0f%% confidence=%.2f",
		res.Label, a.Type, a.CoverPct, a.RainProbability, a.Confidence)
	return AssistedEstimate{result: a, Floor: floor, Label: res.Label}
}

func (e *Estimator) degrade(floor FastEstimate, err error) AssistedEstimate {
	e.logger.Warnf("assisted cloud analysis unavailable, using fast estimate: %v", err)
	a := floor.result
	a.Confidence *= degradedFactor
	a.Note = fmt.Sprintf("degraded: classifier unavailable (%v), fast estimate reused", err)
	return AssistedEstimate{result: a, Floor: floor, Degraded: true, Err: err}
}

// Sample captures a snapshot and analyses it, assisted when configured. It returns false
// when no image could be captured.
func (e *Estimator) Sample(ctx context.Context) (Estimate, bool) {
	data, ok := e.Capture(ctx)
	if !ok {
		return nil, false
	}
	if e.config.Assisted {
		return e.AnalyzeAssisted(ctx, data), true
	}
	return e.AnalyzeFast(data), true
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
