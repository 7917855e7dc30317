// Package weather implements the ambient weather collaborator: the
// forecast-service client a home's weather poller uses to populate nowcast and
// forecast variables (cloud cover feeds resource.SolarPanel.AvailablePower
// directly).
package weather

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/devskill-org/microgrid-coordinator/protocol"
)

// Location is a forecast query point.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Client fetches location forecasts from a MET Norway-compatible
// locationforecast API and adapts them into the bus's weather messages.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
}

// NewClient returns a client against the default MET Norway endpoint.
func NewClient(userAgent string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "https://api.met.no/weatherapi/locationforecast/2.0",
		userAgent:  userAgent,
	}
}

// NewClientWithHTTPClient returns a client using a caller-supplied HTTP
// client, for tests to point at an httptest.Server.
func NewClientWithHTTPClient(httpClient *http.Client, userAgent string) *Client {
	return &Client{httpClient: httpClient, baseURL: "https://api.met.no/weatherapi/locationforecast/2.0", userAgent: userAgent}
}

// SetBaseURL overrides the API base, for tests.
func (c *Client) SetBaseURL(baseURL string) { c.baseURL = baseURL }

type metTimeseriesEntry struct {
	Time time.Time `json:"time"`
	Data struct {
		Instant struct {
			Details struct {
				AirTemperature    float64 `json:"air_temperature"`
				CloudAreaFraction float64 `json:"cloud_area_fraction"`
				WindSpeed         float64 `json:"wind_speed"`
			} `json:"details"`
		} `json:"instant"`
	} `json:"data"`
}

type metResponse struct {
	Properties struct {
		Timeseries []metTimeseriesEntry `json:"timeseries"`
	} `json:"properties"`
}

func (e metTimeseriesEntry) variables() []protocol.WeatherVariable {
	return []protocol.WeatherVariable{
		{Name: "temperature_c", Value: e.Data.Instant.Details.AirTemperature},
		{Name: "cloud_cover", Value: e.Data.Instant.Details.CloudAreaFraction},
		{Name: "wind_speed_ms", Value: e.Data.Instant.Details.WindSpeed},
	}
}

// FetchNowcast retrieves current conditions at loc.
func (c *Client) FetchNowcast(loc Location) (*protocol.WeatherNowcast, error) {
	resp, err := c.fetch(loc)
	if err != nil {
		return nil, err
	}
	if len(resp.Properties.Timeseries) == 0 {
		return nil, fmt.Errorf("weather: empty forecast response")
	}
	return &protocol.WeatherNowcast{Variables: resp.Properties.Timeseries[0].variables()}, nil
}

// FetchForecast retrieves the forecastPeriod'th timeseries entry (0-based,
// roughly hourly) at loc.
func (c *Client) FetchForecast(loc Location, forecastPeriod int) (*protocol.WeatherForecast, error) {
	resp, err := c.fetch(loc)
	if err != nil {
		return nil, err
	}
	if forecastPeriod < 0 || forecastPeriod >= len(resp.Properties.Timeseries) {
		return nil, fmt.Errorf("weather: forecast period %d out of range (have %d entries)", forecastPeriod, len(resp.Properties.Timeseries))
	}
	entry := resp.Properties.Timeseries[forecastPeriod]
	return &protocol.WeatherForecast{Variables: entry.variables(), ForecastPeriod: forecastPeriod}, nil
}

func (c *Client) fetch(loc Location) (*metResponse, error) {
	reqURL, err := c.buildURL(loc)
	if err != nil {
		return nil, fmt.Errorf("weather: failed to build url: %w", err)
	}

	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("weather: failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("weather: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("weather: failed to read response: %w", err)
	}

	var out metResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("weather: failed to decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) buildURL(loc Location) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	u.Path = u.Path + "/compact"

	q := u.Query()
	q.Set("lat", strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CloudCover extracts the cloud_cover variable from a nowcast or forecast
// variable list, returning ok=false if absent.
func CloudCover(vars []protocol.WeatherVariable) (float64, bool) {
	for _, v := range vars {
		if v.Name == "cloud_cover" {
			return v.Value, true
		}
	}
	return 0, false
}
