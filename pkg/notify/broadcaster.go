/*
 * Copyright (c) 2026, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package notify provides typed, synchronous observer registration used by
// components to publish state changes to the rest of the application.
package notify

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Observer receives events of type T
type Observer[T any] interface {
	Notify(event T)
}

// ObserverFunc adapts a plain function to an Observer
type ObserverFunc[T any] func(event T)

// Notify calls f(event)
func (f ObserverFunc[T]) Notify(event T) {
	f(event)
}

// SubscriptionID identifies a registered observer
type SubscriptionID uint64

type subscription[T any] struct {
	id       SubscriptionID
	observer Observer[T]
}

// Broadcaster delivers events to observers synchronously, in registration
// order. A panicking observer is logged and does not stop delivery to the
// remaining observers.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	nextID SubscriptionID
	subs   []subscription[T]
	name   string
	logger *zap.Logger
}

// NewBroadcaster creates a broadcaster. name is used only for logging.
func NewBroadcaster[T any](name string, logger *zap.Logger) *Broadcaster[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster[T]{name: name, logger: logger}
}

// Subscribe registers an observer and returns its id
func (b *Broadcaster[T]) Subscribe(o Observer[T]) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs = append(b.subs, subscription[T]{id: b.nextID, observer: o})
	return b.nextID
}

// SubscribeFunc registers a function observer
func (b *Broadcaster[T]) SubscribeFunc(fn func(T)) SubscriptionID {
	return b.Subscribe(ObserverFunc[T](fn))
}

// Unsubscribe removes an observer. Unknown ids are ignored.
func (b *Broadcaster[T]) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered observers
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers event to every observer registered at call time
func (b *Broadcaster[T]) Publish(event T) {
	b.mu.RLock()
	subs := make([]subscription[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, event)
	}
}

func (b *Broadcaster[T]) deliver(s subscription[T], event T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Observer panicked",
				zap.String("broadcaster", b.name),
				zap.Uint64("subscription_id", uint64(s.id)),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	s.observer.Notify(event)
}
