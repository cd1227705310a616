package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/samsaffron/toolrelay/internal/llm"
)

const (
	WeatherToolName = "get_current_weather"

	defaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
	defaultForecastURL  = "https://api.open-meteo.com/v1/forecast"
)

// WeatherTool looks up current conditions through the open-meteo APIs.
type WeatherTool struct {
	Client       *http.Client
	GeocodingURL string
	ForecastURL  string
}

func NewWeatherTool() *WeatherTool {
	return &WeatherTool{
		Client:       &http.Client{Timeout: 8 * time.Second},
		GeocodingURL: defaultGeocodingURL,
		ForecastURL:  defaultForecastURL,
	}
}

func (w *WeatherTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        WeatherToolName,
		Description: "Get the current weather",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"location": map[string]interface{}{
					"type":        "string",
					"description": "The location to get the weather for",
				},
				"unit": map[string]interface{}{
					"type":        "string",
					"enum":        []interface{}{"celsius", "fahrenheit"},
					"description": "The unit to use for the temperature",
				},
			},
			"required": []interface{}{"location", "unit"},
		},
	}
}

type weatherArgs struct {
	Location string `json:"location"`
	Unit     string `json:"unit"`
}

// WeatherReport is the tool result.
type WeatherReport struct {
	Location    string    `json:"location"`
	Country     string    `json:"country,omitempty"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Unit        string    `json:"unit"`
	Temperature float64   `json:"temperature"`
	Time        string    `json:"time,omitempty"`
	Hourly      []float64 `json:"hourly_temperature,omitempty"`
}

type geocodingResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastResponse struct {
	Current struct {
		Time        string  `json:"time"`
		Temperature float64 `json:"temperature_2m"`
	} `json:"current"`
	Hourly struct {
		Temperature []float64 `json:"temperature_2m"`
	} `json:"hourly"`
}

func (w *WeatherTool) Execute(ctx context.Context, raw json.RawMessage) (any, error) {
	var args weatherArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	args.Location = strings.TrimSpace(args.Location)
	if args.Location == "" {
		return nil, fmt.Errorf("location is required")
	}
	switch args.Unit {
	case "":
		args.Unit = "celsius"
	case "celsius", "fahrenheit":
	default:
		return nil, fmt.Errorf("unit must be celsius or fahrenheit, got %q", args.Unit)
	}

	geoQuery := url.Values{
		"name":     {args.Location},
		"count":    {"2"},
		"language": {"en"},
		"format":   {"json"},
	}
	var geo geocodingResponse
	if err := w.getJSON(ctx, w.GeocodingURL, geoQuery, &geo); err != nil {
		return nil, fmt.Errorf("geocode %q: %w", args.Location, err)
	}
	if len(geo.Results) == 0 {
		return nil, fmt.Errorf("location %q not found", args.Location)
	}
	place := geo.Results[0]

	forecastQuery := url.Values{
		"latitude":         {strconv.FormatFloat(place.Latitude, 'f', -1, 64)},
		"longitude":        {strconv.FormatFloat(place.Longitude, 'f', -1, 64)},
		"current":          {"temperature_2m"},
		"hourly":           {"temperature_2m"},
		"forecast_days":    {"1"},
		"temperature_unit": {args.Unit},
	}
	var forecast forecastResponse
	if err := w.getJSON(ctx, w.ForecastURL, forecastQuery, &forecast); err != nil {
		return nil, fmt.Errorf("forecast for %q: %w", place.Name, err)
	}

	return WeatherReport{
		Location:    place.Name,
		Country:     place.Country,
		Latitude:    place.Latitude,
		Longitude:   place.Longitude,
		Unit:        args.Unit,
		Temperature: forecast.Current.Temperature,
		Time:        forecast.Current.Time,
		Hourly:      forecast.Hourly.Temperature,
	}, nil
}

func (w *WeatherTool) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
