// Package grpcrelay re-publishes notify.Bus events to connected
// cross-process clients over gRPC. It is the optional cross-process
// half of internal/notify: the in-process Bus never depends on this
// package, and a process with no grpcrelay listener still gets full
// in-process delivery.
package grpcrelay

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/locomotion-timeline/internal/notify"
)

// Config configures the relay's listener.
type Config struct {
	// ListenAddr is the address to listen on (e.g. "localhost:50052").
	ListenAddr string
	// MaxClients bounds concurrent streaming subscribers.
	MaxClients int
}

// DefaultConfig returns a relay configuration for local-only use.
func DefaultConfig() Config {
	return Config{ListenAddr: "localhost:50052", MaxClients: 8}
}

// Relay subscribes to every topic on a notify.Bus and fans the
// resulting stream out to connected gRPC clients.
type Relay struct {
	bus    *notify.Bus
	config Config

	server   *grpc.Server
	listener net.Listener

	clientsMu sync.RWMutex
	clients   map[string]chan notify.Notification

	clientCount atomic.Int32
	running     atomic.Bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New constructs a Relay bound to bus. Start must be called to begin
// listening.
func New(bus *notify.Bus, cfg Config) *Relay {
	return &Relay{
		bus:     bus,
		config:  cfg,
		clients: make(map[string]chan notify.Notification),
		stopCh:  make(chan struct{}),
	}
}

// Start begins listening and relaying bus notifications to clients.
func (r *Relay) Start() error {
	if r.running.Load() {
		return fmt.Errorf("relay already running")
	}

	lis, err := net.Listen("tcp", r.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("grpcrelay listen: %w", err)
	}
	r.listener = lis
	r.server = grpc.NewServer()
	r.server.RegisterService(&notificationRelayServiceDesc, r)

	r.running.Store(true)

	for _, topic := range relayedTopics {
		r.wg.Add(1)
		go r.forwardTopic(topic)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		log.Printf("grpcrelay: listening on %s", r.config.ListenAddr)
		if err := r.server.Serve(lis); err != nil && r.running.Load() {
			log.Printf("grpcrelay: serve error: %v", err)
		}
	}()

	return nil
}

// relayedTopics is every topic this relay forwards; new outbound
// notification topics must be added here to reach remote subscribers.
var relayedTopics = []notify.Topic{
	notify.TopicLocomotionSampleUpdated,
	notify.TopicRecordingStateChanged,
	notify.TopicMovingStateChanged,
	notify.TopicWillStartSleepMode,
	notify.TopicDidStartSleepMode,
	notify.TopicWentToSleepMode,
	notify.TopicWentToRecording,
	notify.TopicNewTimelineItem,
	notify.TopicUpdatedTimelineItem,
	notify.TopicMergedTimelineItems,
	notify.TopicCurrentItemChanged,
}

// forwardTopic subscribes to one bus topic and fans each notification
// out to every connected client.
func (r *Relay) forwardTopic(topic notify.Topic) {
	defer r.wg.Done()
	id, ch := r.bus.Subscribe(topic)
	defer r.bus.Unsubscribe(topic, id)

	for {
		select {
		case <-r.stopCh:
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			r.clientsMu.RLock()
			for _, clientCh := range r.clients {
				select {
				case clientCh <- n:
				default:
					// slow client, drop rather than block the relay
				}
			}
			r.clientsMu.RUnlock()
		}
	}
}

// Stop gracefully shuts down the gRPC server and releases the
// listener.
func (r *Relay) Stop() {
	if !r.running.Load() {
		return
	}
	r.running.Store(false)
	close(r.stopCh)

	if r.server != nil {
		r.server.GracefulStop()
	}
	if r.listener != nil {
		r.listener.Close()
	}
	r.wg.Wait()
}

// notificationRelayServiceDesc registers the Subscribe streaming RPC by
// hand: there is no .proto source for Notification/Topic to run protoc
// against, so the service is wired directly against grpc.ServiceDesc the
// way generated code would, carrying requests and responses as
// structpb.Struct rather than a generated message type.
var notificationRelayServiceDesc = grpc.ServiceDesc{
	ServiceName: "locomotiontimeline.notify.Relay",
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeStreamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "internal/notify/grpcrelay/relay.go",
}

// subscribeStreamHandler implements the Subscribe RPC: it reads one
// request struct carrying client_id, then streams a structpb.Struct per
// relayed notification until the client disconnects.
func subscribeStreamHandler(srv any, stream grpc.ServerStream) error {
	r := srv.(*Relay)

	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	clientID := req.Fields["client_id"].GetStringValue()
	if clientID == "" {
		clientID = fmt.Sprintf("grpc-%d", nextAnonymousClientID.Add(1))
	}
	if limit := r.config.MaxClients; limit > 0 && int(r.ClientCount()) >= limit {
		return fmt.Errorf("grpcrelay: client limit %d reached", limit)
	}

	ch := r.Subscribe(stream.Context(), clientID)
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := structpb.NewStruct(map[string]any{
				"topic":      string(n.Topic),
				"payload":    n.Payload,
				"emitted_at": n.At.Format("2006-01-02T15:04:05.000000000Z07:00"),
			})
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

var nextAnonymousClientID atomic.Uint64

// Subscribe implements the client-facing half of the relay: it
// registers a channel that receives every relayed notification until
// ctx is cancelled. subscribeStreamHandler calls this for gRPC clients;
// exposing it directly also lets in-process callers (and tests) exercise
// the same fan-out path without a network round trip.
func (r *Relay) Subscribe(ctx context.Context, clientID string) <-chan notify.Notification {
	ch := make(chan notify.Notification, 16)

	r.clientsMu.Lock()
	r.clients[clientID] = ch
	r.clientsMu.Unlock()
	r.clientCount.Add(1)

	go func() {
		<-ctx.Done()
		r.clientsMu.Lock()
		delete(r.clients, clientID)
		r.clientsMu.Unlock()
		r.clientCount.Add(-1)
		close(ch)
	}()

	return ch
}

// ClientCount reports the number of currently connected streaming
// clients.
func (r *Relay) ClientCount() int32 {
	return r.clientCount.Load()
}
