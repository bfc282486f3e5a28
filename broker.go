package msgbus

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DMQName is the well-known dead-message queue. Expired messages marked
// DMQ-eligible are moved here; the queue is provisioned lazily on first
// use.
const DMQName = "#DEAD_MSG_QUEUE"

// ErrBrokerClosed is returned for operations on a closed broker.
var ErrBrokerClosed = errors.New("broker closed")

// Broker event log topics. Client lifecycle notices are published as
// direct messages under these prefixes, so operators can observe broker
// activity by subscribing to "#LOG/>".
const (
	EventTopicClientConnect    = "#LOG/INFO/CLIENT_CONNECT"
	EventTopicClientDisconnect = "#LOG/INFO/CLIENT_DISCONNECT"
	EventTopicFlowBind         = "#LOG/INFO/FLOW_BIND"
	EventTopicFlowUnbind       = "#LOG/INFO/FLOW_UNBIND"
)

// brokerOptions holds broker tunables.
type brokerOptions struct {
	logger  Logger
	metrics Metrics

	credentials    map[string]*Credential
	allowAnonymous bool
	vpns           map[string]struct{}

	defaultQuota uint32
	cacheDepth   int
	suspectAfter time.Duration
	replayLimit  int
	sweepEvery   time.Duration
}

func defaultBrokerOptions() *brokerOptions {
	return &brokerOptions{
		logger:         NewNoOpLogger(),
		metrics:        noopMetrics{},
		allowAnonymous: true,
		defaultQuota:   10000,
		cacheDepth:     3,
		replayLimit:    4096,
		sweepEvery:     100 * time.Millisecond,
	}
}

// BrokerOption configures a Broker.
type BrokerOption func(*brokerOptions)

// WithBrokerLogger sets the broker logger.
func WithBrokerLogger(logger Logger) BrokerOption {
	return func(o *brokerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBrokerMetrics sets the broker metrics collector.
func WithBrokerMetrics(metrics Metrics) BrokerOption {
	return func(o *brokerOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithBrokerCredentials installs username/password credentials and
// disables anonymous access. Passwords are stored as derived keys.
func WithBrokerCredentials(creds map[string]string) BrokerOption {
	return func(o *brokerOptions) {
		o.allowAnonymous = false
		if o.credentials == nil {
			o.credentials = make(map[string]*Credential, len(creds))
		}
		for user, password := range creds {
			cred, err := NewCredential(password)
			if err != nil {
				continue
			}
			o.credentials[user] = cred
		}
	}
}

// WithBrokerVPNs restricts sessions to the named message VPNs. Without
// this option any VPN name is accepted.
func WithBrokerVPNs(names ...string) BrokerOption {
	return func(o *brokerOptions) {
		o.vpns = make(map[string]struct{}, len(names))
		for _, n := range names {
			o.vpns[n] = struct{}{}
		}
	}
}

// WithBrokerQuota sets the default spool quota for endpoints provisioned
// without an explicit quota.
func WithBrokerQuota(quota uint32) BrokerOption {
	return func(o *brokerOptions) {
		if quota > 0 {
			o.defaultQuota = quota
		}
	}
}

// WithBrokerCacheDepth sets how many messages per topic the last-value
// cache retains.
func WithBrokerCacheDepth(depth int) BrokerOption {
	return func(o *brokerOptions) {
		if depth > 0 {
			o.cacheDepth = depth
		}
	}
}

// WithBrokerCacheSuspectAfter marks cache replies as suspect when every
// matched entry is older than the given age. Zero disables suspect
// reporting.
func WithBrokerCacheSuspectAfter(age time.Duration) BrokerOption {
	return func(o *brokerOptions) { o.suspectAfter = age }
}

// WithBrokerReplayLimit bounds the replay log length.
func WithBrokerReplayLimit(limit int) BrokerOption {
	return func(o *brokerOptions) {
		if limit > 0 {
			o.replayLimit = limit
		}
	}
}

// Broker is a self-contained message broker speaking the same wire
// protocol as Session. It supports direct and guaranteed delivery, durable
// endpoints, transactions, replay, and a last-value cache. It is intended
// for embedding in tests and tools rather than as a hardened production
// server.
type Broker struct {
	opts   *brokerOptions
	logger Logger

	mu        sync.RWMutex
	clients   map[string]*brokerClient
	endpoints map[string]*brokerEndpoint

	cache  *lastValueCache
	replay *replayLog

	nextSpoolID atomic.Uint64

	lnMu      sync.Mutex
	listeners []net.Listener

	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewBroker creates a broker and starts its expiry sweeper.
func NewBroker(opts ...BrokerOption) *Broker {
	options := defaultBrokerOptions()
	for _, opt := range opts {
		opt(options)
	}

	b := &Broker{
		opts:      options,
		logger:    options.logger,
		clients:   make(map[string]*brokerClient),
		endpoints: make(map[string]*brokerEndpoint),
		cache:     newLastValueCache(options.cacheDepth),
		replay:    newReplayLog(options.replayLimit),
		done:      make(chan struct{}),
	}

	b.wg.Add(1)
	go b.sweepLoop()
	return b
}

// Listen starts accepting connections on addr (host:port) in the
// background and returns the bound address, which is useful with port 0.
func (b *Broker) Listen(addr string) (net.Addr, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.ServeListener(ln)
	}()
	return ln.Addr(), nil
}

// ListenAndServe accepts connections on addr until the broker is closed.
func (b *Broker) ListenAndServe(addr string) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return b.ServeListener(ln)
}

// ServeListener accepts connections from a caller-supplied listener, which
// may be TLS or QUIC.
func (b *Broker) ServeListener(ln net.Listener) error {
	if b.closed.Load() {
		ln.Close()
		return ErrBrokerClosed
	}

	b.lnMu.Lock()
	b.listeners = append(b.listeners, ln)
	b.lnMu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.closed.Load() {
				return nil
			}
			return err
		}

		client := newBrokerClient(b, conn)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			client.serve()
		}()
	}
}

// Close shuts the broker down: listeners stop accepting, clients receive a
// CLOSE frame, and the sweeper exits.
func (b *Broker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.done)

	b.lnMu.Lock()
	for _, ln := range b.listeners {
		ln.Close()
	}
	b.lnMu.Unlock()

	b.mu.Lock()
	clients := make([]*brokerClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.shutdown("broker shutting down")
	}

	b.wg.Wait()
	return nil
}

// ProvisionEndpoint creates a durable endpoint directly, without a client
// session. Useful for seeding test topologies.
func (b *Broker) ProvisionEndpoint(spec EndpointSpec, props EndpointProperties) error {
	_, err := b.provisionEndpoint(spec.Name, spec.Kind, spec.Topic, props, "", true)
	return err
}

// provisionEndpoint creates an endpoint, honoring ignoreExists.
func (b *Broker) provisionEndpoint(name string, kind EndpointKind, topic string, props EndpointProperties, owner string, ignoreExists bool) (*brokerEndpoint, error) {
	if name == "" {
		return nil, errors.New("endpoint name required")
	}

	quota := props.Quota
	if quota == 0 {
		quota = b.opts.defaultQuota
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.endpoints[name]; ok {
		if ignoreExists {
			return existing, nil
		}
		return nil, errors.New("endpoint exists")
	}

	ep := newBrokerEndpoint(b, name, kind, topic, quota, props, owner)
	b.endpoints[name] = ep
	b.logger.Debug("endpoint provisioned", LogFields{LogFieldEndpoint: name, "kind": kind})
	return ep, nil
}

// deprovisionEndpoint destroys an endpoint and its spool.
func (b *Broker) deprovisionEndpoint(name string) bool {
	b.mu.Lock()
	ep, ok := b.endpoints[name]
	if ok {
		delete(b.endpoints, name)
	}
	b.mu.Unlock()

	if ok {
		ep.destroy()
	}
	return ok
}

func (b *Broker) endpoint(name string) *brokerEndpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpoints[name]
}

// dmq returns the dead-message queue, provisioning it on first use.
func (b *Broker) dmq() *brokerEndpoint {
	if ep := b.endpoint(DMQName); ep != nil {
		return ep
	}
	ep, _ := b.provisionEndpoint(DMQName, EndpointQueue, "", EndpointProperties{
		Permission: PermissionConsume,
	}, "", true)
	return ep
}

// registerClient adds a connected client, disambiguating duplicate names.
func (b *Broker) registerClient(c *brokerClient) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := c.name
	for i := 2; ; i++ {
		if _, taken := b.clients[name]; !taken {
			break
		}
		name = c.name + "-" + strconv.Itoa(i)
	}
	b.clients[name] = c
	return name
}

func (b *Broker) unregisterClient(c *brokerClient) {
	b.mu.Lock()
	if b.clients[c.name] == c {
		delete(b.clients, c.name)
	}
	b.mu.Unlock()
}

// publishEvent fans a lifecycle notice out to event-topic subscribers.
// The prefix is one of the EventTopic constants; levels extend it with
// the client name and, for flow events, the endpoint.
func (b *Broker) publishEvent(prefix, detail string, levels ...string) {
	topic := prefix
	for _, l := range levels {
		topic += "/" + l
	}
	msg := NewMessage().
		SetDestination(Topic(topic)).
		SetPayload([]byte(detail))
	b.routeDirect(nil, msg)
}

// routeDirect fans a message out to matching topic subscriptions across
// all clients. Guaranteed messages published to topics also pass through
// here so direct subscribers see them.
func (b *Broker) routeDirect(from *brokerClient, msg *Message) {
	dest, ok := msg.Destination()
	if !ok || dest.Kind != DestinationTopic {
		return
	}

	b.mu.RLock()
	clients := make([]*brokerClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if c.matchSubscription(dest.Name, from) {
			c.send(&PublishFrame{Message: msg})
		}
	}
}

// spoolToEndpoints delivers a guaranteed topic publish to every endpoint
// whose attraction matches. Endpoints over quota are skipped.
func (b *Broker) spoolToEndpoints(from string, msg *Message) {
	dest, _ := msg.Destination()

	b.mu.RLock()
	endpoints := make([]*brokerEndpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		endpoints = append(endpoints, ep)
	}
	b.mu.RUnlock()

	for _, ep := range endpoints {
		pattern := ep.attraction()
		if pattern == "" || !TopicMatch(pattern, dest.Name) {
			continue
		}
		ep.enqueue(msg, from, b.nextSpoolID.Add(1))
	}
}

// sweepLoop periodically expires TTL messages, routing DMQ-eligible ones
// to the dead-message queue.
func (b *Broker) sweepLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case now := <-ticker.C:
			b.sweepExpired(now)
		}
	}
}

func (b *Broker) sweepExpired(now time.Time) {
	b.mu.RLock()
	endpoints := make([]*brokerEndpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		endpoints = append(endpoints, ep)
	}
	b.mu.RUnlock()

	for _, ep := range endpoints {
		if ep.name == DMQName {
			continue
		}
		for _, dead := range ep.expire(now) {
			dmq := b.dmq()
			if dmq == nil || dmq == ep {
				continue
			}
			dmq.enqueue(dead, "", b.nextSpoolID.Add(1))
		}
	}
}

// replayEntry is one logged guaranteed publish.
type replayEntry struct {
	at  int64
	msg *Message
}

// replayLog retains recent guaranteed topic publishes for replay binds.
type replayLog struct {
	mu      sync.Mutex
	entries []replayEntry
	limit   int
}

func newReplayLog(limit int) *replayLog {
	return &replayLog{limit: limit}
}

// add records one publish.
func (l *replayLog) add(msg *Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, replayEntry{at: time.Now().UnixNano(), msg: msg})
	if len(l.entries) > l.limit {
		l.entries = l.entries[len(l.entries)-l.limit:]
	}
}

// matchFrom returns logged messages at or after `from` whose topic matches
// the attraction pattern, oldest first.
func (l *replayLog) matchFrom(pattern string, from int64) []*Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Message
	for _, e := range l.entries {
		if e.at < from {
			continue
		}
		dest, ok := e.msg.Destination()
		if !ok {
			continue
		}
		if pattern == "" || TopicMatch(pattern, dest.Name) {
			out = append(out, e.msg)
		}
	}
	return out
}

// cacheEntry is one cached message with its arrival time.
type cacheEntry struct {
	at  time.Time
	msg *Message
}

// lastValueCache retains the most recent guaranteed publishes per topic
// and answers cache requests.
type lastValueCache struct {
	mu      sync.Mutex
	byTopic map[string][]cacheEntry
	depth   int
}

func newLastValueCache(depth int) *lastValueCache {
	return &lastValueCache{
		byTopic: make(map[string][]cacheEntry),
		depth:   depth,
	}
}

// add records one publish under its topic.
func (c *lastValueCache) add(msg *Message) {
	dest, ok := msg.Destination()
	if !ok || dest.Kind != DestinationTopic {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entries := append(c.byTopic[dest.Name], cacheEntry{at: time.Now(), msg: msg})
	if len(entries) > c.depth {
		entries = entries[len(entries)-c.depth:]
	}
	c.byTopic[dest.Name] = entries
}

// lookup returns cached messages for topics matching the request pattern
// and whether every returned entry is older than suspectAfter.
func (c *lastValueCache) lookup(pattern string, suspectAfter time.Duration) (msgs []*Message, suspect bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-suspectAfter)
	fresh := false

	for topic, entries := range c.byTopic {
		if topic != pattern && !TopicMatch(pattern, topic) {
			continue
		}
		for _, e := range entries {
			msgs = append(msgs, e.msg)
			if suspectAfter == 0 || e.at.After(cutoff) {
				fresh = true
			}
		}
	}
	return msgs, len(msgs) > 0 && !fresh
}
