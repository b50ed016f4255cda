package ingester

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/theory/jsonpath"

	"chomp/internal/model"
	"chomp/internal/runtime"
	"chomp/internal/scheduler"
)

// wsTopicState tracks the most recent message seen per topic of one
// connection.
type wsTopicState struct {
	mu     sync.RWMutex
	latest map[string]any // topic -> decoded message
}

func (s *wsTopicState) set(topic string, msg any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[topic] = msg
}

func (s *wsTopicState) get(topic string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest[topic]
}

// wsConn is one persistent connection per unique (target, subprotocol),
// multiplexing subscribed topics. On disconnect it redials with exponential
// backoff and resubscribes everything.
type wsConn struct {
	url          string
	subprotocol  string
	subscribeTpl string
	topics       []string
	topicKeys    []string
	pingInterval time.Duration
	pingTimeout  time.Duration
	verbose      bool

	state *wsTopicState
	once  sync.Once
}

// wsAPI snapshots per-topic values on the ingester's own tick; message
// arrival itself never triggers a store.
type wsAPI struct {
	rt    *runtime.Runtime
	conns map[string]*wsConn
	// topic and optional extractor per field name.
	fieldTopic map[string]string
	extractors map[string]*jsonpath.Path
}

func newWSAPI(rt *runtime.Runtime, ing *model.Ingester) (scheduler.IngestFn, error) {
	a := &wsAPI{
		rt:         rt,
		conns:      map[string]*wsConn{},
		fieldTopic: map[string]string{},
		extractors: map[string]*jsonpath.Path{},
	}

	pingInterval := rt.Args.WSPingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	pingTimeout := rt.Args.WSPingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 10 * time.Second
	}

	subprotocol := ing.Option("subprotocol", "")
	for _, f := range ing.Fields {
		if f.Target == "" {
			return nil, fmt.Errorf("%w: field %s has no ws URL", ErrInvalidTarget, f.Name)
		}
		// Selector grammar: "topic" or "topic|.json.path".
		topic, extractor, hasExtractor := strings.Cut(f.Selector, "|")
		if topic == "" {
			return nil, fmt.Errorf("field %s: empty topic selector", f.Name)
		}
		a.fieldTopic[f.Name] = topic
		if hasExtractor {
			p, err := compileSelector(extractor)
			if err != nil {
				return nil, err
			}
			a.extractors[f.Name] = p
		}

		key := f.Target + "\x00" + subprotocol
		c := a.conns[key]
		if c == nil {
			c = &wsConn{
				url:          f.Target,
				subprotocol:  subprotocol,
				subscribeTpl: ing.Option("subscribe", `{"method":"subscribe","params":["%s"]}`),
				topicKeys:    strings.Split(ing.Option("topic_keys", "stream,topic,channel"), ","),
				pingInterval: pingInterval,
				pingTimeout:  pingTimeout,
				verbose:      rt.Args.Verbose,
				state:        &wsTopicState{latest: map[string]any{}},
			}
			a.conns[key] = c
		}
		found := false
		for _, t := range c.topics {
			if t == topic {
				found = true
				break
			}
		}
		if !found {
			c.topics = append(c.topics, topic)
		}
	}
	return a.ingest, nil
}

func (c *wsConn) start() {
	c.once.Do(func() {
		go c.run()
	})
}

func (c *wsConn) run() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // reconnect forever
	for {
		err := c.session()
		next := bo.NextBackOff()
		log.Printf("[WSAPI] %s disconnected (%v), reconnecting in %s", c.url, err, next)
		time.Sleep(next)
	}
}

// session dials, subscribes all topics and pumps messages until the
// connection drops.
func (c *wsConn) session() error {
	dialer := *websocket.DefaultDialer
	var header map[string][]string
	if c.subprotocol != "" {
		dialer.Subprotocols = []string{c.subprotocol}
	}
	conn, _, err := dialer.Dial(c.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, topic := range c.topics {
		msg := fmt.Sprintf(c.subscribeTpl, topic)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pingInterval + c.pingTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(c.pingInterval + c.pingTimeout))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(c.pingTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg any
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		topic := c.routeTopic(msg)
		c.state.set(topic, msg)
		if c.verbose {
			log.Printf("[WSAPI] %s <- %s", c.url, topic)
		}
	}
}

// routeTopic maps an incoming message to its topic using the configured
// topic keys. Messages with no recognizable key go to the connection's only
// topic when it has exactly one; otherwise they land on the "" topic, which
// no field reads.
func (c *wsConn) routeTopic(msg any) string {
	if m, ok := msg.(map[string]any); ok {
		for _, key := range c.topicKeys {
			if v, ok := m[strings.TrimSpace(key)].(string); ok && v != "" {
				return v
			}
		}
	}
	if len(c.topics) == 1 {
		return c.topics[0]
	}
	return ""
}

func (a *wsAPI) ingest(ctx context.Context, ing *model.Ingester) error {
	for _, c := range a.conns {
		c.start()
	}

	ing.PreIngest()
	subprotocol := ing.Option("subprotocol", "")
	for _, f := range ing.Fields {
		c := a.conns[f.Target+"\x00"+subprotocol]
		if c == nil {
			continue
		}
		msg := c.state.get(a.fieldTopic[f.Name])
		if msg == nil {
			continue
		}
		if p := a.extractors[f.Name]; p != nil {
			if nodes := p.Select(msg); len(nodes) > 0 {
				f.Value = nodes[0]
			}
			continue
		}
		f.Value = msg
	}
	return ing.PostIngest(ctx, a.rt.Sink)
}
