package agent

import (
	"context"
	"fmt"
)

type mockWeather struct {
	temp     int
	desc     string
	humidity int
}

// MockWeatherTool serves canned weather data for development and tests,
// with the same name and schema as the live tool.
type MockWeatherTool struct {
	cities map[string]mockWeather
}

// NewMockWeatherTool creates the mock with its built-in city table.
func NewMockWeatherTool() *MockWeatherTool {
	return &MockWeatherTool{
		cities: map[string]mockWeather{
			"北京": {15, "晴", 45},
			"上海": {20, "多云", 60},
			"广州": {25, "阴", 70},
			"深圳": {24, "小雨", 75},
			"杭州": {18, "晴", 50},
		},
	}
}

// Name implements Tool.
func (t *MockWeatherTool) Name() string { return weatherToolName }

// Description implements Tool.
func (t *MockWeatherTool) Description() string { return weatherToolDesc }

// Parameters implements Tool.
func (t *MockWeatherTool) Parameters() map[string]any {
	return NewWeatherTool().Parameters()
}

// Call implements Tool.
func (t *MockWeatherTool) Call(_ context.Context, args map[string]any) (string, error) {
	city := stringArg(args, "city")
	if city == "" {
		return "请告诉我您想查询哪个城市的天气。", nil
	}

	w, ok := t.cities[city]
	if !ok {
		w = mockWeather{22, "晴", 55}
	}

	return fmt.Sprintf("🌤️ %s当前天气：\n温度：%d°C\n天气：%s\n湿度：%d%%\n",
		city, w.temp, w.desc, w.humidity), nil
}
