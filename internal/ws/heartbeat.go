package ws

import (
	"time"

	"github.com/rs/zerolog/log"
)

// HeartbeatConfig controls dead-connection detection.
type HeartbeatConfig struct {
	Interval time.Duration // ping period
	Timeout  time.Duration // grace after a missed interval
}

// DefaultHeartbeatConfig pings every 30s and evicts after 40s of silence.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection on each tick and removes the ones
// that have been silent longer than Interval + Timeout. It stops with the
// server.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				sweep(server, config, now)
			}
		}
	}()
}

func sweep(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout
	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			log.Info().Str("module", "ws").Str("conn", c.ID).Dur("idle", idle).Msg("heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}
		if err := c.EnqueuePing(); err != nil {
			log.Debug().Err(err).Str("module", "ws").Str("conn", c.ID).Msg("heartbeat ping failed")
			server.RemoveConnection(c)
		}
	}
}
