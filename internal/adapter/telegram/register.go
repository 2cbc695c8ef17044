package telegram

import "github.com/Strob0t/ReplyForge/internal/port/delivery"

func init() {
	delivery.Register(channelKind, func(config map[string]string) (delivery.Channel, error) {
		return NewChannel(config["token"], config["server_url"])
	})
}
