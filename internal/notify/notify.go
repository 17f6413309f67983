// Package notify provides a topic-based event bus for the timeline
// engine's outbound notifications. Delivery is fire-and-forget: a full
// subscriber channel drops the notification rather than blocking the
// publisher.
package notify

import (
	"sync"
	"time"
)

// Topic names the notification channels the engine publishes to.
// Transport and exact naming are free; these match the names the
// engine's consumers key off of.
type Topic string

const (
	TopicLocomotionSampleUpdated Topic = "locomotionSampleUpdated"
	TopicRecordingStateChanged   Topic = "recordingStateChanged"
	TopicMovingStateChanged      Topic = "movingStateChanged"
	TopicWillStartSleepMode      Topic = "willStartSleepMode"
	TopicDidStartSleepMode       Topic = "didStartSleepMode"
	TopicWentToSleepMode         Topic = "wentFromRecordingToSleepMode"
	TopicWentToRecording         Topic = "wentFromSleepModeToRecording"
	TopicNewTimelineItem         Topic = "newTimelineItem"
	TopicUpdatedTimelineItem     Topic = "updatedTimelineItem"
	TopicMergedTimelineItems     Topic = "mergedTimelineItems"
	TopicCurrentItemChanged      Topic = "currentItemChanged"
)

// Notification is one published event. Payload is topic-specific: for
// item-shaped topics it is a timeline item id; for state-change topics
// it is the new state's string form. Keeping it a string avoids an
// import dependency from notify onto timeline/recorder/brain, so any
// package can publish without pulling the whole engine in.
type Notification struct {
	Topic   Topic
	Payload string
	At      time.Time
}

const subscriberBuffer = 16

// Bus is an in-process, multi-topic publish/subscribe hub. The zero
// value is not usable; construct with NewBus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[string]chan Notification
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[Topic]map[string]chan Notification)}
}

// Subscribe returns a channel receiving notifications for topic, and an
// id to pass to Unsubscribe. The channel is buffered; a subscriber that
// falls behind the buffer loses notifications rather than stalling
// Publish.
func (b *Bus) Subscribe(topic Topic) (string, <-chan Notification) {
	id := randomID()
	ch := make(chan Notification, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[string]chan Notification)
	}
	b.subscribers[topic][id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(topic Topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[topic]
	if subs == nil {
		return
	}
	if ch, ok := subs[id]; ok {
		close(ch)
		delete(subs, id)
	}
}

// Publish delivers a notification to every current subscriber of
// topic. Never blocks: a subscriber whose buffer is full is skipped for
// this notification.
func (b *Bus) Publish(topic Topic, payload string) {
	n := Notification{Topic: topic, Payload: payload, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- n:
		default:
		}
	}
}

// Close unsubscribes and closes every subscriber across all topics.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subscribers {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subscribers, topic)
	}
}
