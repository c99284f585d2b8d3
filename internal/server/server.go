// Package server implements the server controller: the
// registration barrier, task dispatch, and metric/alert ingress.
package server

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cc-nms/nms/internal/alert"
	"github.com/cc-nms/nms/internal/config"
	"github.com/cc-nms/nms/internal/metricsx"
	"github.com/cc-nms/nms/internal/registry"
	"github.com/cc-nms/nms/internal/store"
	"github.com/cc-nms/nms/internal/taskfile"
	"github.com/cc-nms/nms/internal/transport"
	"github.com/cc-nms/nms/internal/wire"
)

// Controller owns the server's registry, transport, alert listener, and the
// registration barrier gating task dispatch.
type Controller struct {
	logger zerolog.Logger
	tasks  []wire.Task
	store  *store.Store

	registry *registry.Registry
	tr       *transport.Transport
	alertSrv *alert.Server

	regMetrics *metricsx.Registration

	mu       sync.Mutex
	required map[string]struct{}
	barrier  chan struct{}
	released bool
}

// New constructs a Controller bound to cfg's datagram and alert addresses.
// tasks is the loaded task set; st is the persistence collaborator.
func New(cfg config.Config, tasks []wire.Task, st *store.Store, logger zerolog.Logger) (*Controller, error) {
	c := &Controller{
		logger:     logger,
		tasks:      tasks,
		store:      st,
		registry:   registry.New(),
		required:   taskfile.RequiredAgents(tasks),
		barrier:    make(chan struct{}),
		regMetrics: metricsx.NewRegistration(),
	}
	if len(c.required) == 0 {
		close(c.barrier)
		c.released = true
	}

	tr, err := transport.Listen(cfg.DatagramAddr.String(), transport.Options{
		RetransmissionTimeout: cfg.RetransmissionTimeout,
		MaxRetries:            cfg.MaxRetries,
		FlowControl:           cfg.FlowControl,
		Logger:                logger,
		Metrics:               metricsx.NewTransport("server"),
	}, c.handleDatagram)
	if err != nil {
		return nil, err
	}
	c.tr = tr

	alertSrv, err := alert.Listen(cfg.AlertAddr.String(), logger, c.handleAlert)
	if err != nil {
		tr.Close()
		return nil, err
	}
	c.alertSrv = alertSrv

	return c, nil
}

// Close shuts down the datagram transport and alert listener.
func (c *Controller) Close() error {
	c.tr.Close()
	return c.alertSrv.Close()
}

// Run serves the datagram transport and alert stream, waits for the
// registration barrier to release, dispatches tasks to every registered
// device, then blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	taskfile.Summarize(c.logger, c.tasks)

	errc := make(chan error, 2)
	go func() { errc <- c.tr.Serve(ctx) }()
	go func() { errc <- c.alertSrv.Serve() }()

	select {
	case <-c.barrier:
		c.logger.Info().Msg("registration barrier released, dispatching tasks")
		c.dispatchAll()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

func (c *Controller) dispatchAll() {
	for id := range c.allRegistered() {
		addr, ok := c.registry.Address(id)
		if !ok {
			continue
		}
		deviceTasks := taskfile.ForDevice(c.tasks, id)
		if len(deviceTasks) == 0 {
			continue
		}
		ok = c.tr.Send(wire.Packet{
			Header: wire.Header{Kind: wire.KindTask},
			Task:   wire.TaskPacket{Tasks: deviceTasks},
		}, addr)
		if !ok {
			c.logger.Error().Str("agent_id", id).Msg("task dispatch failed, not redelivering")
		} else {
			c.logger.Info().Str("agent_id", id).Int("tasks", len(deviceTasks)).Msg("tasks dispatched")
		}
	}
}

func (c *Controller) allRegistered() map[string]struct{} {
	ids := c.registry.IDs()
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func (c *Controller) handleDatagram(pkt wire.Packet, peer netip.AddrPort) {
	// Every payload-carrying datagram is acked before business logic runs
	// Acking before running handler logic keeps retransmits idempotent.
	c.tr.Ack(pkt.Header.Seq, peer)

	switch pkt.Header.Kind {
	case wire.KindRegisterAgent:
		c.handleRegister(pkt.RegisterAgent.AgentID, peer)
	case wire.KindMetrics:
		c.handleMetrics(pkt.Metrics)
	default:
		c.logger.Error().Stringer("kind", pkt.Header.Kind).Msg("unexpected packet kind at server")
	}
}

func (c *Controller) handleRegister(id string, peer netip.AddrPort) {
	status := wire.StatusSuccess
	if c.registry.Register(id, peer) {
		c.regMetrics.Success()
		c.logger.Info().Str("agent_id", id).Stringer("peer", peer).Msg("agent registered")
		c.releaseIfSatisfied(id)
	} else {
		status = wire.StatusAlreadyRegistered
		c.regMetrics.AlreadyRegistered()
		c.logger.Error().Str("agent_id", id).Msg("duplicate registration")
	}

	c.tr.Send(wire.Packet{
		Header:                wire.Header{Kind: wire.KindRegisterAgentResponse},
		RegisterAgentResponse: wire.RegisterAgentResponse{Status: status},
	}, peer)
}

func (c *Controller) releaseIfSatisfied(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.required, id)
	if len(c.required) == 0 && !c.released {
		c.released = true
		close(c.barrier)
	}
}

func (c *Controller) handleMetrics(m wire.MetricsPacket) {
	if _, ok := c.registry.Address(m.DeviceID); !ok {
		c.logger.Error().Str("device_id", m.DeviceID).Msg("metrics from unregistered device, dropping")
		return
	}
	ts := time.Unix(int64(m.Timestamp), 0)
	if err := c.store.PersistMetrics(context.Background(), m.TaskID, m.DeviceID, m.Bandwidth, m.Jitter, m.Loss, m.Latency, ts); err != nil {
		c.logger.Error().Err(err).Msg("persist metrics failed")
	}
}

func (c *Controller) handleAlert(m alert.Message) {
	ts := time.Unix(int64(m.Timestamp), 0)
	if err := c.store.PersistAlert(context.Background(), m.TaskID, m.DeviceID, m.Type.String(), m.Details, ts); err != nil {
		c.logger.Error().Err(err).Msg("persist alert failed")
	}
}
