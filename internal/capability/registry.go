package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Capability is one thing a node offers on the bus. Synthesis workers carry
// their model and concurrency as attributes.
type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// MaxInFlight is the advertised concurrency, or 1 when the attribute is
// missing or malformed.
func (c Capability) MaxInFlight() int {
	n, err := strconv.Atoi(c.Attributes[protocol.AttrMaxInFlight])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (c Capability) Model() string { return c.Attributes[protocol.AttrModel] }

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// nodeMessage is published on announce, heartbeat and depart. Heartbeats
// repeat the capabilities so nodes that joined after the announcement still
// learn them.
type nodeMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Registry tracks which nodes on the bus can synthesize chunks or coordinate
// generations.
type Registry struct {
	cfg   config.NodeConfig
	local []Capability
	log   *slog.Logger
	bus   *bus.Client
	now   func() time.Time

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel context.CancelFunc
	done   sync.WaitGroup
	subs   []*nats.Subscription
	meter  metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		now:    func() time.Time { return time.Now().UTC() },
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-tts/runtime"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	r.done.Add(1)
	go r.loop(ctx)

	if err := r.publish(protocol.SubjectNodeAnnounce, r.local); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}
	r.observe(nodeMessage{NodeID: cfg.ID, Role: cfg.Role, Capabilities: local, Timestamp: r.now()})
	return r, nil
}

// Close stops heartbeating and tells peers this node is leaving so its
// capacity is withdrawn without waiting for the heartbeat timeout.
func (r *Registry) Close() {
	r.cancel()
	r.done.Wait()
	if err := r.publish(protocol.SubjectNodeDepart, nil); err != nil {
		r.log.Debug("failed to publish depart", slogError(err))
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

// subscribe uses one subscription for every control subject so a node's
// heartbeat is never handled after its departure.
func (r *Registry) subscribe() error {
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectNodeControl, r.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectNodeControl, err)
	}
	r.subs = append(r.subs, sub)
	return nil
}

func (r *Registry) handleControl(msg *nats.Msg) {
	var m nodeMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil || m.NodeID == "" {
		r.log.Warn("invalid node message", slog.String("subject", msg.Subject))
		return
	}
	switch {
	case msg.Subject == protocol.SubjectNodeDepart:
		r.depart(m.NodeID)
	case msg.Subject == protocol.SubjectNodeAnnounce,
		strings.HasPrefix(msg.Subject, protocol.SubjectNodeHeartbeat+"."):
		if m.Timestamp.IsZero() {
			m.Timestamp = r.now()
		}
		r.observe(m)
	}
}

func (r *Registry) depart(nodeID string) {
	if nodeID == r.cfg.ID {
		return
	}
	r.mu.Lock()
	_, known := r.nodes[nodeID]
	delete(r.nodes, nodeID)
	r.mu.Unlock()
	if known {
		r.log.Info("node departed", slog.String("node_id", nodeID))
	}
}

// loop publishes heartbeats and marks silent peers unhealthy.
func (r *Registry) loop(ctx context.Context) {
	defer r.done.Done()

	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	subject := fmt.Sprintf("%s.%s", protocol.SubjectNodeHeartbeat, r.cfg.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publish(subject, r.local); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) publish(subject string, caps []Capability) error {
	return r.bus.PublishJSON(subject, nodeMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: caps,
		Timestamp:    r.now(),
	})
}

func (r *Registry) observe(m nodeMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[m.NodeID]
	if !ok {
		node = &NodeInfo{ID: m.NodeID}
		r.nodes[m.NodeID] = node
		r.log.Info("node joined", slog.String("node_id", m.NodeID), slog.Int("capabilities", len(m.Capabilities)))
	}
	if m.Role != "" {
		node.Role = m.Role
	}
	if len(m.Capabilities) > 0 {
		node.Capabilities = m.Capabilities
	}
	node.LastSeen = m.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("node_id", node.ID))
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns copies of the known nodes matching filter, ordered by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]Capability(nil), node.Capabilities...)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// SynthesisCapacity sums the in-flight capacity of healthy workers serving
// model. An empty model matches every worker.
func (r *Registry) SynthesisCapacity(model string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, node := range r.nodes {
		if !node.Healthy {
			continue
		}
		for _, c := range node.Capabilities {
			if c.Name != protocol.CapabilitySynthesize {
				continue
			}
			if model != "" && c.Model() != "" && c.Model() != model {
				continue
			}
			total += c.MaxInFlight()
		}
	}
	return total
}

func (r *Registry) initMetrics() error {
	nodes, err := r.meter.Int64ObservableGauge("loqa_tts.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	capacity, err := r.meter.Int64ObservableGauge("loqa_tts.capabilities.synthesis_capacity", metric.WithDescription("Chunks the healthy workers can synthesize at once"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.RLock()
		n := len(r.nodes)
		r.mu.RUnlock()
		obs.ObserveInt64(nodes, int64(n))
		obs.ObserveInt64(capacity, int64(r.SynthesisCapacity("")))
		return nil
	}, nodes, capacity)
	return err
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

// Synthesize describes a worker that renders up to maxInFlight chunks of
// model at once.
func Synthesize(tier, model string, maxInFlight int) Capability {
	return Capability{
		Name: protocol.CapabilitySynthesize,
		Tier: tier,
		Attributes: map[string]string{
			protocol.AttrMaxInFlight: strconv.Itoa(maxInFlight),
			protocol.AttrModel:       model,
		},
	}
}

// Generate describes a coordinator that plans and reassembles generations.
func Generate(tier string) Capability {
	return Capability{Name: protocol.CapabilityGenerate, Tier: tier}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
