package client

import (
	"fmt"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

func (c *Client) pingInterval() time.Duration {
	if c.cfg.PingInterval > 0 {
		return c.cfg.PingInterval
	}
	return config.DefaultPingInterval
}

func (c *Client) schedulePing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil || c.ctx.Err() != nil {
		return
	}
	c.pingTimer = c.clock.AfterFunc(c.pingInterval(), c.pingTick)
}

func (c *Client) pingTick() {
	if c.channel.Status() == signaling.StatusConnected {
		msg := signaling.Message{Type: signaling.KindPing, Timestamp: c.clock.Now().UnixMilli()}
		if err := c.channel.Send(msg); err != nil {
			c.log.Debug("ping not sent", "err", err)
		}
	}
	c.schedulePing()
}

// onPong turns the echoed send time into an RTT sample. A label change is
// forwarded to the call machine for automatic resolution.
func (c *Client) onPong(msg signaling.Message) {
	if msg.Timestamp <= 0 {
		return
	}
	rtt := c.clock.Now().Sub(time.UnixMilli(msg.Timestamp))
	if rtt < 0 {
		c.log.Debug("pong from the future ignored", "ts", msg.Timestamp)
		return
	}
	c.cc.Metrics.Inc(metrics.SignalingPong)

	stats, changed := c.monitor.Observe(rtt)
	if !changed {
		return
	}
	c.cc.Metrics.Inc(metrics.QualityChanged)
	c.log.Info("connection quality changed", "label", stats.Label, "avg", stats.Average, "jitter", stats.Jitter, "samples", stats.Samples)
	c.cc.Presenter.ShowStatus(fmt.Sprintf("Connection quality: %s (avg %dms, jitter %dms)",
		stats.Label, stats.Average.Milliseconds(), stats.Jitter.Milliseconds()))
	c.machine.QualityChanged(stats.Label)
}
