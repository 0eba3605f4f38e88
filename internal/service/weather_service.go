package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/smartcity/crowdnav/internal/domain"
)

// WeatherConfig configures the OpenWeather poller.
type WeatherConfig struct {
	APIKey   string        `env:"OPENWEATHER_API_KEY"`
	BaseURL  string        `env:"OPENWEATHER_URL" envDefault:"https://api.openweathermap.org/data/2.5/weather"`
	Lat      float64       `env:"VENUE_LAT" envDefault:"23.1765"`
	Lon      float64       `env:"VENUE_LON" envDefault:"75.7885"`
	Interval time.Duration `env:"WEATHER_INTERVAL" envDefault:"10m"`
	// MaxElapsed bounds retries of one poll
	MaxElapsed time.Duration `env:"WEATHER_RETRY_MAX" envDefault:"2m"`
}

// WeatherService handles weather data fetching
type WeatherService struct {
	cfg        WeatherConfig
	httpClient *http.Client
	now        func() time.Time
}

// NewWeatherService creates a new weather service
func NewWeatherService(cfg WeatherConfig) *WeatherService {
	if cfg.Lat == 0 && cfg.Lon == 0 {
		cfg.Lat, cfg.Lon = domain.UjjainCenterLat, domain.UjjainCenterLon
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 2 * time.Minute
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	return &WeatherService{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

// OpenWeatherResponse represents the OpenWeatherMap API response
type OpenWeatherResponse struct {
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"` // m/s
	} `json:"wind"`
	Visibility int   `json:"visibility"` // m
	Dt         int64 `json:"dt"`
}

// GetCurrentWeather fetches current weather over the venue. Without an API
// key it returns seasonal mock data.
func (s *WeatherService) GetCurrentWeather(ctx context.Context) (domain.WeatherSnapshot, error) {
	if s.cfg.APIKey == "" {
		return s.getMockWeather(), nil
	}

	url := fmt.Sprintf("%s?lat=%f&lon=%f&appid=%s&units=metric", s.cfg.BaseURL, s.cfg.Lat, s.cfg.Lon, s.cfg.APIKey)
	operation := func() (domain.WeatherSnapshot, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return domain.WeatherSnapshot{}, backoff.Permanent(fmt.Errorf("weather: failed to create request: %w", err))
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return domain.WeatherSnapshot{}, fmt.Errorf("weather: request failed: %w", err)
		}
		defer resp.Body.Close()

		if err := statusError("weather", resp); err != nil {
			return domain.WeatherSnapshot{}, err
		}

		var owResp OpenWeatherResponse
		if err := json.NewDecoder(resp.Body).Decode(&owResp); err != nil {
			return domain.WeatherSnapshot{}, backoff.Permanent(fmt.Errorf("weather: failed to decode response: %w", err))
		}
		return s.convert(owResp), nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(s.cfg.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("weather: %v, retrying in %s", err, next.Round(time.Millisecond))
		}),
	)
}

// statusError classifies a non-200 response: client errors are permanent,
// throttling and server errors are retried.
func statusError(component string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%s: upstream returned status %d", component, resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("%s: upstream returned status %d", component, resp.StatusCode))
	}
}

func (s *WeatherService) convert(ow OpenWeatherResponse) domain.WeatherSnapshot {
	w := domain.WeatherSnapshot{
		Temperature: ow.Main.Temp,
		Humidity:    ow.Main.Humidity,
		WindSpeed:   ow.Wind.Speed * 3.6,
		Visibility:  float64(ow.Visibility) / 1000,
		Timestamp:   s.now(),
	}
	if ow.Dt > 0 {
		w.Timestamp = time.Unix(ow.Dt, 0).UTC()
	}
	if len(ow.Weather) > 0 {
		w.Description = ow.Weather[0].Description
		w.Conditions = domain.ConditionsFromDescription(ow.Weather[0].Main + " " + ow.Weather[0].Description)
	} else {
		w.Conditions = domain.ConditionsClear
	}
	return w
}

// getMockWeather returns simulated seasonal weather for central India
func (s *WeatherService) getMockWeather() domain.WeatherSnapshot {
	now := s.now()
	w := domain.WeatherSnapshot{
		Humidity:   55,
		WindSpeed:  12,
		Visibility: 8,
		Timestamp:  now,
		IsMock:     true,
	}

	switch month := now.Month(); {
	case month >= 3 && month <= 6: // Summer
		w.Temperature = 38
		w.Humidity = 30
		w.Description = "clear sky"
	case month >= 7 && month <= 9: // Monsoon
		w.Temperature = 27
		w.Humidity = 85
		w.Visibility = 4
		w.Description = "moderate rain"
	case month == 10: // Post-monsoon
		w.Temperature = 30
		w.Description = "scattered clouds"
	default: // Winter
		w.Temperature = 16
		w.Humidity = 60
		w.Description = "haze"
	}
	w.Conditions = domain.ConditionsFromDescription(w.Description)
	return w
}

// Run polls on the configured interval and hands each reading to sink
// until ctx is done. Poll failures are logged and never stop the loop.
func (s *WeatherService) Run(ctx context.Context, sink func(domain.WeatherSnapshot) error) error {
	log.Printf("weather: polling every %s (mock=%t)", s.cfg.Interval, s.cfg.APIKey == "")
	poll := func() {
		w, err := s.GetCurrentWeather(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("weather: poll failed: %v", err)
			}
			return
		}
		if err := sink(w); err != nil {
			log.Printf("weather: reading rejected: %v", err)
		}
	}

	poll()
	tick := time.NewTicker(s.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("weather: poller stopped")
			return nil
		case <-tick.C:
			poll()
		}
	}
}
