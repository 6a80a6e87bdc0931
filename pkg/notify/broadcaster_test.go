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

package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBroadcaster_DeliversInRegistrationOrder(t *testing.T) {
	b := NewBroadcaster[int]("test", zap.NewNop())
	var got []string

	b.SubscribeFunc(func(v int) { got = append(got, "first") })
	b.SubscribeFunc(func(v int) { got = append(got, "second") })
	b.SubscribeFunc(func(v int) { got = append(got, "third") })

	b.Publish(1)

	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestBroadcaster_PanickingObserverIsIsolated(t *testing.T) {
	b := NewBroadcaster[string]("test", zap.NewNop())
	var received []string

	b.SubscribeFunc(func(v string) { panic("boom") })
	b.SubscribeFunc(func(v string) { received = append(received, v) })

	assert.NotPanics(t, func() { b.Publish("event") })
	assert.Equal(t, []string{"event"}, received)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster[int]("test", nil)
	count := 0

	id := b.SubscribeFunc(func(int) { count++ })
	b.SubscribeFunc(func(int) { count += 10 })
	assert.Equal(t, 2, b.Len())

	b.Unsubscribe(id)
	b.Unsubscribe(SubscriptionID(999))
	b.Publish(0)

	assert.Equal(t, 10, count)
	assert.Equal(t, 1, b.Len())
}

type recorder struct{ events []int }

func (r *recorder) Notify(v int) { r.events = append(r.events, v) }

func TestBroadcaster_InterfaceObserver(t *testing.T) {
	b := NewBroadcaster[int]("test", nil)
	r := &recorder{}
	b.Subscribe(r)

	b.Publish(1)
	b.Publish(2)

	assert.Equal(t, []int{1, 2}, r.events)
}

func TestBroadcaster_SubscribeDuringPublish(t *testing.T) {
	b := NewBroadcaster[int]("test", nil)
	late := 0

	b.SubscribeFunc(func(int) {
		b.SubscribeFunc(func(int) { late++ })
	})

	b.Publish(1)
	assert.Equal(t, 0, late)

	b.Publish(2)
	assert.Equal(t, 1, late)
}
