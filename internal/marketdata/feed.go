package marketdata

import (
	"execution_core/internal/core"
	"execution_core/pkg/websocket"
)

// WebSocketFeed streams frames from a market data websocket into a Normalizer
type WebSocketFeed struct {
	client *websocket.Client
	logger core.ILogger
}

// NewWebSocketFeed dials cfg.URL once started. subscribe, when non-nil, is
// sent as JSON after every (re)connect.
func NewWebSocketFeed(cfg websocket.Config, subscribe interface{}, n *Normalizer, logger core.ILogger) *WebSocketFeed {
	log := logger.WithField("component", "market_data_feed")
	client := websocket.NewClient(cfg, func(frame []byte) {
		if _, err := n.Ingest(frame); err != nil {
			log.Debug("Dropping feed frame", "error", err)
		}
	}, log)

	f := &WebSocketFeed{client: client, logger: log}
	if subscribe != nil {
		client.SetOnConnected(func() {
			if err := client.Send(subscribe); err != nil {
				log.Error("Failed to send feed subscription", "error", err)
			}
		})
	}
	return f
}

// Start begins the connect loop
func (f *WebSocketFeed) Start() {
	f.client.Start()
}

// Stop closes the feed
func (f *WebSocketFeed) Stop() {
	f.client.Stop()
}

// Connected reports whether the feed socket is open
func (f *WebSocketFeed) Connected() bool {
	return f.client.Connected()
}
