// Package forecast fetches the short-range precipitation forecast for a station from the
// Aeris Weather (Xweather) API and keeps the most recent result for the sensor loop.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/chrissnell/remoteflood/pkg/config"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const maxBody = 1 << 20

// Forecast is the precipitation expected over the next hours.
type Forecast struct {
	Timestamp time.Time `json:"timestamp"`
	PrecipMM  float64   `json:"precip_mm"`
	Hours     int       `json:"hours"`
	MaxPOP    int16     `json:"max_pop"`
}

type forecastResponse struct {
	Success bool           `json:"success"`
	Error   *responseError `json:"error"`
	Data    []forecastData `json:"response"`
}

type responseError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type forecastData struct {
	Periods []period `json:"periods"`
}

type period struct {
	Start             time.Time `json:"dateTimeISO"`
	PrecipProbability int16     `json:"pop"`
	PrecipMM          *float64  `json:"precipMM"`
	Weather           string    `json:"weather"`
}

type Option func(*Client)

func WithClock(c clockwork.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

func WithHTTPClient(h *http.Client) Option {
	return func(cl *Client) { cl.http = h }
}

// Client polls the forecast endpoint and caches the latest result.
type Client struct {
	config   config.ForecastData
	location string
	http     *http.Client
	logger   *zap.SugaredLogger
	clock    clockwork.Clock

	mu     sync.Mutex
	latest Forecast
	have   bool
}

// New creates a client. The configured location wins; otherwise the station's
// coordinates are used.
func New(cfg config.ForecastData, point config.PointData, logger *zap.SugaredLogger, opts ...Option) *Client {
	c := &Client{
		config:   cfg,
		location: cfg.Location,
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		clock:    clockwork.NewRealClock(),
	}
	if c.location == "" {
		c.location = fmt.Sprintf("%.6f,%.6f", point.Lat, point.Lon)
	}
	if c.config.RefreshInterval <= 0 {
		c.config.RefreshInterval = config.Duration(15 * time.Minute)
	}
	if c.config.Hours <= 0 {
		c.config.Hours = 6
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch requests hourly periods for the configured horizon and sums their precipitation.
func (c *Client) Fetch(ctx context.Context) (Forecast, error) {
	v := url.Values{}
	v.Set("client_id", c.config.APIClientID)
	v.Set("client_secret", c.config.APIClientSecret)
	v.Set("filter", "1h")
	v.Set("limit", strconv.Itoa(c.config.Hours))
	v.Set("fields", "periods.dateTimeISO,periods.pop,periods.precipMM,periods.weather")

	u := c.config.APIEndpoint + "/forecasts/" + url.PathEscape(c.location) + "?" + v.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Forecast{}, fmt.Errorf("error creating forecast request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Forecast{}, fmt.Errorf("error making request to Aeris Weather: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Forecast{}, fmt.Errorf("error reading forecast response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Forecast{}, fmt.Errorf("Aeris Weather responded %s", resp.Status)
	}

	var fr forecastResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return Forecast{}, fmt.Errorf("unable to decode Aeris Weather response: %w", err)
	}
	if !fr.Success {
		if fr.Error != nil {
			return Forecast{}, fmt.Errorf("bad response from Aeris Weather: %s: %s", fr.Error.Code, fr.Error.Description)
		}
		return Forecast{}, fmt.Errorf("bad response from Aeris Weather")
	}
	if len(fr.Data) == 0 || len(fr.Data[0].Periods) == 0 {
		return Forecast{}, fmt.Errorf("Aeris Weather returned no forecast periods")
	}

	f := Forecast{Timestamp: c.clock.Now()}
	for i, p := range fr.Data[0].Periods {
		if i >= c.config.Hours {
			break
		}
		if p.PrecipMM != nil {
			f.PrecipMM += *p.PrecipMM
		}
		if p.PrecipProbability > f.MaxPOP {
			f.MaxPOP = p.PrecipProbability
		}
		f.Hours++
	}
	return f, nil
}

// Refresh fetches a new forecast and caches it. A failed fetch keeps the previous one.
func (c *Client) Refresh(ctx context.Context) error {
	f, err := c.Fetch(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.latest = f
	c.have = true
	c.mu.Unlock()
	c.logger.Debugf("forecast: %.1f mm over %d h (max pop %d%%)", f.PrecipMM, f.Hours, f.MaxPOP)
	return nil
}

// Latest returns the cached forecast. It is reported stale once it is older than three
// refresh intervals.
func (c *Client) Latest() (Forecast, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.have {
		return Forecast{}, false
	}
	if c.clock.Since(c.latest.Timestamp) > 3*c.config.RefreshInterval.D() {
		return c.latest, false
	}
	return c.latest, true
}

// Run refreshes immediately and then on every refresh interval until ctx is done.
func (c *Client) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Errorf("error fetching forecast from Aeris Weather: %v", err)
	}

	ticker := c.clock.NewTicker(c.config.RefreshInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := c.Refresh(ctx); err != nil {
				c.logger.Errorf("error fetching forecast from Aeris Weather: %v", err)
			}
		}
	}
}
