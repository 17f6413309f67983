package grpcrelay

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/locomotion-timeline/internal/notify"
)

func TestRelay_SubscribeReceivesForwardedNotification(t *testing.T) {
	bus := notify.NewBus()
	r := New(bus, Config{ListenAddr: "localhost:0"})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := r.Subscribe(ctx, "client-1")

	bus.Publish(notify.TopicNewTimelineItem, "item-42")

	select {
	case n := <-ch:
		if n.Payload != "item-42" {
			t.Fatalf("payload = %q, want item-42", n.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed notification")
	}
}

func TestRelay_ClientCountTracksSubscribeAndCancel(t *testing.T) {
	bus := notify.NewBus()
	r := New(bus, Config{ListenAddr: "localhost:0"})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	r.Subscribe(ctx, "client-a")

	if got := r.ClientCount(); got != 1 {
		t.Fatalf("ClientCount = %d, want 1", got)
	}

	cancel()
	// cancellation removal happens asynchronously
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ClientCount = %d, want 0 after cancel", r.ClientCount())
}

// TestRelay_SubscribeStreamOverWire exercises the hand-wired Subscribe
// RPC end to end: a real gRPC client dials the relay, sends the request
// struct, and decodes a relayed notification back out of a
// structpb.Struct without going through a generated client stub.
func TestRelay_SubscribeStreamOverWire(t *testing.T) {
	bus := notify.NewBus()
	r := New(bus, Config{ListenAddr: "localhost:0"})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	conn, err := grpc.NewClient(r.listener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}, "/locomotiontimeline.notify.Relay/Subscribe")
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}

	req, err := structpb.NewStruct(map[string]any{"client_id": "wire-client"})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if err := stream.SendMsg(req); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}

	// give the server goroutine time to register the subscriber before
	// the notification is published.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && r.ClientCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(notify.TopicNewTimelineItem, "item-wire")

	var resp structpb.Struct
	if err := stream.RecvMsg(&resp); err != nil {
		t.Fatalf("RecvMsg: %v", err)
	}
	if got := resp.Fields["payload"].GetStringValue(); got != "item-wire" {
		t.Errorf("payload = %q, want item-wire", got)
	}
	if got := resp.Fields["topic"].GetStringValue(); got != string(notify.TopicNewTimelineItem) {
		t.Errorf("topic = %q, want %q", got, notify.TopicNewTimelineItem)
	}
}
