// Package capability advertises which recognizers this node can run and
// tracks the capabilities announced by other nodes on the bus.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry announces the local node and keeps a view of every node seen.
type Registry struct {
	cfg    config.NodeConfig
	local  []Capability
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	subs   []*nats.Subscription
	now    func() time.Time

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

// NewRegistry announces local and starts heartbeats. A nil bus keeps the
// registry local-only.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
		now:    time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if busClient != nil {
		if err := r.subscribe(); err != nil {
			r.cancel()
			return nil, err
		}
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}
	if interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond; interval > 0 {
		go r.runHeartbeat(ctx, interval)
	}
	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := bus.SubscribeJSON(r.bus, SubjectAnnounce, func(_ string, msg announceMessage) {
		r.handleAnnounce(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := bus.SubscribeJSON(r.bus, SubjectHeartbeatPrefix+".*", func(_ string, msg heartbeatMessage) {
		r.handleHeartbeat(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(r.now())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Timestamp:    r.now().UTC(),
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return r.bus.PublishJSON(SubjectAnnounce, msg)
}

func (r *Registry) publishHeartbeat() error {
	now := r.now().UTC()
	r.updateNode(r.cfg.ID, "", nil, now)
	return r.bus.PublishJSON(SubjectHeartbeatPrefix+"."+r.cfg.ID, heartbeatMessage{NodeID: r.cfg.ID, Timestamp: now})
}

func (r *Registry) handleAnnounce(msg announceMessage) {
	if msg.NodeID == "" {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now().UTC()
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
}

func (r *Registry) handleHeartbeat(msg heartbeatMessage) {
	if msg.NodeID == "" {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now().UTC()
	}
	r.updateNode(msg.NodeID, "", nil, msg.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if capabilities != nil {
		node.Capabilities = capabilities
	}
	if timestamp.After(node.LastSeen) {
		node.LastSeen = timestamp
	}
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	if timeout <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns nodes matching filter, ordered by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		cp := *node
		cp.Capabilities = append([]Capability(nil), node.Capabilities...)
		if filter == nil || filter(cp) {
			results = append(results, cp)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) LocalCapabilities() []Capability {
	return append([]Capability(nil), r.local...)
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/capability")
	nodes, err := meter.Int64ObservableGauge("scribe.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	caps, err := meter.Int64ObservableGauge("scribe.capabilities.total", metric.WithDescription("Total advertised capabilities"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		n, c := r.snapshotCounts()
		obs.ObserveInt64(nodes, n)
		obs.ObserveInt64(caps, c)
		return nil
	}, nodes, caps)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var nodes, caps int64
	for _, node := range r.nodes {
		nodes++
		caps += int64(len(node.Capabilities))
	}
	return nodes, caps
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
