// Package metrics carries the gateway counters and the optional admin
// listener exposing them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates the gateway counters. A nil Collector is valid
// and counts nothing, so callers never need to guard.
type Collector struct {
	registry *prometheus.Registry

	sessionsCreated   prometheus.Counter
	sessionsDestroyed prometheus.Counter
	handlesAttached   prometheus.Counter
	handlesDetached   prometheus.Counter
	eventsPushed      prometheus.Counter
	messagesQueued    prometheus.Counter
}

// NewCollector creates and registers the gateway counters on a private
// registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_sessions_created_total",
			Help: "Sessions created over the control protocol.",
		}),
		sessionsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_sessions_destroyed_total",
			Help: "Sessions destroyed, explicitly or by teardown.",
		}),
		handlesAttached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_handles_attached_total",
			Help: "Plugin handles attached.",
		}),
		handlesDetached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_handles_detached_total",
			Help: "Plugin handles detached.",
		}),
		eventsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_events_pushed_total",
			Help: "Asynchronous events queued for delivery.",
		}),
		messagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxgate_plugin_messages_total",
			Help: "Client messages queued to plugin workers.",
		}),
	}
	reg.MustRegister(c.sessionsCreated, c.sessionsDestroyed,
		c.handlesAttached, c.handlesDetached, c.eventsPushed, c.messagesQueued)
	return c
}

// Registry exposes the underlying prometheus registry for the admin
// listener.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) SessionCreated() {
	if c != nil {
		c.sessionsCreated.Inc()
	}
}

func (c *Collector) SessionDestroyed() {
	if c != nil {
		c.sessionsDestroyed.Inc()
	}
}

func (c *Collector) HandleAttached() {
	if c != nil {
		c.handlesAttached.Inc()
	}
}

func (c *Collector) HandleDetached() {
	if c != nil {
		c.handlesDetached.Inc()
	}
}

func (c *Collector) EventPushed() {
	if c != nil {
		c.eventsPushed.Inc()
	}
}

func (c *Collector) MessageQueued() {
	if c != nil {
		c.messagesQueued.Inc()
	}
}
