package services

import (
	"huehub/logger"

	"github.com/nats-io/nats.go"
)

var NC *nats.Conn

// InitNats connects to url, retrying in the background until the server is
// reachable.
func InitNats(url string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	log := logger.WithComponent("nats")

	opts := []nats.Option{
		nats.Name("huehub"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	NC = nc
	return nc, nil
}
