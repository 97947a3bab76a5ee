// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"slices"
	"sync"
	"time"

	"github.com/kadirpekel/codebridge/pkg/task"
)

// DefaultMaxEvents is the per-task event cap used when none is set.
const DefaultMaxEvents = 10000

// eventLog is the ordered event history of one task.
//
// The producer never waits on readers: append stores the event and wakes
// everyone blocked on the current notify channel by closing it.
//
// At most limit events are buffered. Past that the oldest quarter is
// dropped; a reader whose cursor falls behind resumes at the oldest event
// still held, so Seq gaps tell it what it missed.
type eventLog struct {
	mu     sync.Mutex
	base   uint64 // Seq of the event preceding events[0]
	events []task.Event
	limit  int
	closed bool
	notify chan struct{}
}

func newEventLog(lastSeq uint64, limit int) *eventLog {
	if limit <= 0 {
		limit = DefaultMaxEvents
	}
	return &eventLog{base: lastSeq, limit: limit, notify: make(chan struct{})}
}

// restoredLog rebuilds the log of a task loaded from the store. Earlier
// events are gone; a terminal task gets its final status event back so
// late readers still learn the outcome.
func restoredLog(t *task.Task, limit int) *eventLog {
	if !t.State.IsTerminal() {
		return newEventLog(t.LastSeq, limit)
	}
	base := uint64(0)
	if t.LastSeq > 0 {
		base = t.LastSeq - 1
	}
	l := newEventLog(base, limit)
	l.append(task.Event{
		TaskID: t.ID,
		Kind:   task.EventStatus,
		State:  t.State,
		Result: t.Result,
		Reason: t.Reason,
		Final:  true,
		Time:   t.UpdatedAt,
	})
	return l
}

// append assigns the next Seq and stores ev. It reports false once the
// log is closed.
func (l *eventLog) append(ev task.Event) (task.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ev, false
	}
	ev.Seq = l.base + uint64(len(l.events)) + 1
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	l.events = append(l.events, ev)
	if len(l.events) > l.limit {
		drop := len(l.events) - l.limit + max(l.limit/4, 1)
		drop = min(drop, len(l.events)-1)
		l.events = slices.Delete(l.events, 0, drop)
		l.base += uint64(drop)
	}
	if ev.Final {
		l.closed = true
	}
	close(l.notify)
	l.notify = make(chan struct{})
	return ev, true
}

// since returns the events after seq, whether the log is closed and a
// channel that is closed by the next append.
func (l *eventLog) since(seq uint64) ([]task.Event, bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := 0
	if seq > l.base {
		start = min(int(seq-l.base), len(l.events))
	}
	return slices.Clone(l.events[start:]), l.closed, l.notify
}

// lastSeq returns the Seq of the newest event.
func (l *eventLog) lastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.base + uint64(len(l.events))
}
