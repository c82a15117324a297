// Package bus implements the group broadcast fabric: named groups of
// connections with local fan-out and Redis pub/sub bridging between server
// instances. Without Redis the fabric degrades to local-only delivery.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/sketchparty/server/internal/v1/logging"
	"github.com/sketchparty/server/internal/v1/metrics"
)

// Conn is one delivery endpoint inside a group. Deliver must never block;
// implementations queue into a bounded buffer and drop on saturation.
type Conn interface {
	UserID() int64
	Deliver(data []byte)
	Shutdown(closeCode int, reason string)
}

// frame is the wire format bridging groups across instances. Origin lets the
// publishing instance skip its own echo.
type frame struct {
	Origin    string          `json:"origin"`
	Kind      string          `json:"kind"`
	Target    int64           `json:"target,omitempty"`
	CloseCode int             `json:"close_code,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	kindFanout     = "fanout"
	kindDirect     = "direct"
	kindDisconnect = "disconnect"
)

// Fabric tracks group membership for this instance and bridges group traffic
// over Redis pub/sub when a client is configured.
type Fabric struct {
	instanceID string
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker

	mu     sync.RWMutex
	groups map[string]map[Conn]struct{}
	subs   map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewFabric builds a fabric. client may be nil for single-instance mode.
func NewFabric(client *redis.Client, instanceID string) *Fabric {
	st := gobreaker.Settings{
		Name:        "redis-bus",
		MaxRequests: 5,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis-bus").Set(stateVal)
		},
	}
	return &Fabric{
		instanceID: instanceID,
		client:     client,
		cb:         gobreaker.NewCircuitBreaker(st),
		groups:     make(map[string]map[Conn]struct{}),
		subs:       make(map[string]context.CancelFunc),
	}
}

// InstanceID returns this fabric's origin token.
func (f *Fabric) InstanceID() string { return f.instanceID }

func channelName(group string) string {
	return "sketch:group:" + group
}

// JoinGroup registers conn under group. The first member of a group starts the
// cross-instance subscription for it.
func (f *Fabric) JoinGroup(group string, c Conn) {
	f.mu.Lock()
	members, ok := f.groups[group]
	if !ok {
		members = make(map[Conn]struct{})
		f.groups[group] = members
	}
	members[c] = struct{}{}
	needSub := f.client != nil && f.subs[group] == nil
	if needSub {
		ctx, cancel := context.WithCancel(context.Background())
		f.subs[group] = cancel
		f.mu.Unlock()
		f.subscribe(ctx, group)
		return
	}
	f.mu.Unlock()
}

// LeaveGroup removes conn from group, tearing down the subscription when the
// group empties.
func (f *Fabric) LeaveGroup(group string, c Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.groups[group]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(f.groups, group)
		if cancel := f.subs[group]; cancel != nil {
			cancel()
			delete(f.subs, group)
		}
	}
}

// GroupSend fans envelope out to every current member of group, locally and
// on other instances. Delivery is at-least-once and non-blocking.
func (f *Fabric) GroupSend(ctx context.Context, group string, envelope any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("bus marshal: %w", err)
	}
	f.deliverLocal(group, frame{Kind: kindFanout, Data: data})
	return f.publish(ctx, group, frame{Origin: f.instanceID, Kind: kindFanout, Data: data})
}

// GroupSendUser delivers envelope only to connections of userID within group.
func (f *Fabric) GroupSendUser(ctx context.Context, group string, userID int64, envelope any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("bus marshal: %w", err)
	}
	f.deliverLocal(group, frame{Kind: kindDirect, Target: userID, Data: data})
	return f.publish(ctx, group, frame{Origin: f.instanceID, Kind: kindDirect, Target: userID, Data: data})
}

// GroupDisconnectUser asks every instance to close the sockets of userID in
// group with the given close code. Each connection self-closes if it matches.
func (f *Fabric) GroupDisconnectUser(ctx context.Context, group string, userID int64, closeCode int, reason string) error {
	f.deliverLocal(group, frame{Kind: kindDisconnect, Target: userID, CloseCode: closeCode, Reason: reason})
	return f.publish(ctx, group, frame{Origin: f.instanceID, Kind: kindDisconnect, Target: userID, CloseCode: closeCode, Reason: reason})
}

func (f *Fabric) deliverLocal(group string, fr frame) {
	f.mu.RLock()
	members := make([]Conn, 0, len(f.groups[group]))
	for c := range f.groups[group] {
		members = append(members, c)
	}
	f.mu.RUnlock()

	for _, c := range members {
		switch fr.Kind {
		case kindFanout:
			c.Deliver(fr.Data)
		case kindDirect:
			if c.UserID() == fr.Target {
				c.Deliver(fr.Data)
			}
		case kindDisconnect:
			if c.UserID() == fr.Target {
				c.Shutdown(fr.CloseCode, fr.Reason)
			}
		}
	}
}

func (f *Fabric) publish(ctx context.Context, group string, fr frame) error {
	if f.client == nil {
		return nil
	}
	_, err := f.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(fr)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bus frame: %w", err)
		}
		return nil, f.client.Publish(ctx, channelName(group), data).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerFailures.WithLabelValues("redis-bus").Inc()
			logging.Warn(ctx, "Bus circuit breaker open: dropping publish", zap.String("group", group))
			return nil
		}
		logging.Error(ctx, "Bus publish failed", zap.String("group", group), zap.Error(err))
		return err
	}
	return nil
}

// subscribe starts the background listener bridging a group from other
// instances into local delivery.
func (f *Fabric) subscribe(ctx context.Context, group string) {
	pubsub := f.client.Subscribe(ctx, channelName(group))

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer func() { _ = pubsub.Close() }()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(context.Background(), "Bus subscription channel closed", zap.String("group", group))
					return
				}
				var fr frame
				if err := json.Unmarshal([]byte(msg.Payload), &fr); err != nil {
					logging.Error(context.Background(), "Failed to unmarshal bus frame", zap.Error(err))
					continue
				}
				if fr.Origin == f.instanceID {
					continue // our own echo
				}
				f.deliverLocal(group, fr)
			}
		}
	}()
}

// Close cancels every subscription and waits for listeners to exit.
func (f *Fabric) Close() {
	f.mu.Lock()
	for group, cancel := range f.subs {
		cancel()
		delete(f.subs, group)
	}
	f.mu.Unlock()
	f.wg.Wait()
}
