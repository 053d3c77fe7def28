// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

import "container/list"

// waiter is a client parked until a connection or a free slot shows up.
//
// ch receives at most one value: a slot handed over by a returning client,
// or nil meaning a slot was reserved for the waiter (already counted as
// active and borrowed) and it should dial into it. The pool closes ch when
// it shuts down.
type waiter[C Connection] struct {
	ch chan *slot[C]
}

// waitlist is a FIFO queue of waiters. It is guarded by the pool mutex.
type waitlist[C Connection] struct {
	list list.List
}

func (wl *waitlist[C]) push() (*waiter[C], *list.Element) {
	w := &waiter[C]{ch: make(chan *slot[C], 1)}
	return w, wl.list.PushBack(w)
}

// pop removes the oldest waiter, or returns nil.
func (wl *waitlist[C]) pop() *waiter[C] {
	front := wl.list.Front()
	if front == nil {
		return nil
	}
	return wl.list.Remove(front).(*waiter[C])
}

// remove takes elem out of the list. It returns false if elem was already
// popped, meaning a value is on its way through the channel.
func (wl *waitlist[C]) remove(elem *list.Element) bool {
	for e := wl.list.Front(); e != nil; e = e.Next() {
		if e == elem {
			wl.list.Remove(e)
			return true
		}
	}
	return false
}

// closeAll wakes every waiter with a closed channel.
func (wl *waitlist[C]) closeAll() {
	for w := wl.pop(); w != nil; w = wl.pop() {
		close(w.ch)
	}
}

func (wl *waitlist[C]) len() int {
	return wl.list.Len()
}
