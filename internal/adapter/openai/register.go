package openai

import (
	"time"

	"github.com/Strob0t/ReplyForge/internal/port/llm"
)

func init() {
	llm.Register(providerName, func(config map[string]string) (llm.Provider, error) {
		timeout, _ := time.ParseDuration(config["timeout"])
		return New(config["api_key"], config["base_url"], config["default_model"], timeout)
	})
}
