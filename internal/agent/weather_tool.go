package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	weatherToolName = "get_weather"
	weatherToolDesc = "查询指定城市的当前天气和未来几天的天气预报。当用户询问天气时使用此工具。"

	wttrBaseURL    = "https://wttr.in"
	weatherTimeout = 10 * time.Second
	maxForecast    = 3
)

// WeatherTool queries wttr.in for live weather data. All failure modes
// (timeout, HTTP error, malformed payload) degrade to a localized
// apology string returned as the tool result, never as an error, so
// the turn continues with a usable message.
type WeatherTool struct {
	client  *http.Client
	baseURL string
}

// NewWeatherTool creates the tool with its own HTTP client.
func NewWeatherTool() *WeatherTool {
	return &WeatherTool{
		client:  &http.Client{Timeout: weatherTimeout},
		baseURL: wttrBaseURL,
	}
}

// Name implements Tool.
func (t *WeatherTool) Name() string { return weatherToolName }

// Description implements Tool.
func (t *WeatherTool) Description() string { return weatherToolDesc }

// Parameters implements Tool.
func (t *WeatherTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{
				"type":        "string",
				"description": "要查询天气的城市名称，例如：北京",
			},
			"days": map[string]any{
				"type":        "integer",
				"description": "预报天数，1 到 3 之间",
			},
		},
		"required": []string{"city"},
	}
}

// wttr.in format=j1 payload, reduced to the fields we render.
type wttrResponse struct {
	CurrentCondition []struct {
		TempC          string `json:"temp_C"`
		FeelsLikeC     string `json:"FeelsLikeC"`
		Humidity       string `json:"humidity"`
		WindspeedKmph  string `json:"windspeedKmph"`
		Winddir16Point string `json:"winddir16Point"`
		LangZh         []struct {
			Value string `json:"value"`
		} `json:"lang_zh"`
		WeatherDesc []struct {
			Value string `json:"value"`
		} `json:"weatherDesc"`
	} `json:"current_condition"`
	Weather []struct {
		Date     string `json:"date"`
		MaxtempC string `json:"maxtempC"`
		MintempC string `json:"mintempC"`
	} `json:"weather"`
}

// Call implements Tool.
func (t *WeatherTool) Call(ctx context.Context, args map[string]any) (string, error) {
	city := stringArg(args, "city")
	if city == "" {
		return "请告诉我您想查询哪个城市的天气。", nil
	}
	days := intArg(args, "days", 1)
	if days < 1 {
		days = 1
	}
	if days > maxForecast {
		days = maxForecast
	}

	endpoint := fmt.Sprintf("%s/%s?format=j1&lang=zh", t.baseURL, url.PathEscape(city))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Sprintf("抱歉，查询%s的天气时出现了问题，请稍后再试。", city), nil
	}

	resp, err := t.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Sprintf("抱歉，查询%s的天气信息超时了，请稍后再试。", city), nil
		}
		return fmt.Sprintf("抱歉，查询%s的天气时出现了问题，请稍后再试。", city), nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("抱歉，无法获取%s的天气信息（服务返回 %d），请稍后再试。", city, resp.StatusCode), nil
	}

	var data wttrResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return fmt.Sprintf("抱歉，查询%s的天气时出现了问题，请稍后再试。", city), nil
	}
	if len(data.CurrentCondition) == 0 {
		return fmt.Sprintf("抱歉，没有找到%s的天气信息。", city), nil
	}

	return formatWeather(city, days, &data), nil
}

func formatWeather(city string, days int, data *wttrResponse) string {
	current := data.CurrentCondition[0]

	desc := ""
	if len(current.LangZh) > 0 {
		desc = current.LangZh[0].Value
	} else if len(current.WeatherDesc) > 0 {
		desc = current.WeatherDesc[0].Value
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🌤️ %s当前天气：\n", city)
	fmt.Fprintf(&b, "温度：%s°C（体感 %s°C）\n", current.TempC, current.FeelsLikeC)
	fmt.Fprintf(&b, "天气：%s\n", desc)
	fmt.Fprintf(&b, "湿度：%s%%\n", current.Humidity)
	fmt.Fprintf(&b, "风速：%s km/h（%s）\n", current.WindspeedKmph, current.Winddir16Point)

	if days > 1 && len(data.Weather) > 0 {
		b.WriteString("\n未来预报：\n")
		for i, day := range data.Weather {
			if i >= days {
				break
			}
			fmt.Fprintf(&b, "📅 %s：%s°C ~ %s°C\n", day.Date, day.MintempC, day.MaxtempC)
		}
	}

	return b.String()
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}
