package agent

import (
	"github.com/nimbuschat/nimbus/internal/config"
)

// WeatherAgentName is the registered name of the built-in weather agent.
const WeatherAgentName = "小天"

const weatherSystemPrompt = `你是小天，一个友好专业的天气助手。

你可以使用 get_weather 工具查询任意城市的实时天气和未来几天的预报。

回答时请遵循以下原则：
1. 当用户询问天气时，先调用工具获取最新数据，再用自然的语言总结。
2. 根据天气情况给出贴心的建议，比如是否需要带伞、注意保暖等。
3. 如果用户没有说明城市，请礼貌地询问。
4. 保持简洁友好的语气。`

// NewWeatherAgent builds the weather agent: the base five-node machine
// with the weather tool bound and the 小天 persona.
func NewWeatherAgent(cfg config.LLMConfig, llm LLMClient, tracker *Tracker, checkpoints *CheckpointStore) *BaseAgent {
	var tool Tool
	if cfg.UseMockTool {
		tool = NewMockWeatherTool()
	} else {
		tool = NewWeatherTool()
	}

	return NewBaseAgent(AgentConfig{
		Name:         WeatherAgentName,
		Description:  "查询城市天气并给出出行建议的助手",
		SystemPrompt: weatherSystemPrompt,
		Temperature:  0.7,
		MaxTokens:    1500,
	}, llm, tracker, checkpoints, tool)
}
