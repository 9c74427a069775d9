// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package par runs sets of work items in parallel.
package par

import (
	"math/rand"
	"sync"
)

// Work manages a set of work items to be executed in parallel, at most once each.
// An item may depend on other items; it is started only after all of them
// have finished. The items in the set must all be valid map keys.
type Work[T comparable] struct {
	f       func(T) // function to run for each item
	running int     // total number of runners

	mu       sync.Mutex
	added    map[T]bool // items added to set
	finished map[T]bool // items whose f returned
	blocked  map[T]int  // item -> number of unfinished dependencies
	waiters  map[T][]T  // dependency -> items blocked on it
	todo     []T        // items ready to run
	wait     sync.Cond  // wait when todo is empty
	waiting  int        // number of runners waiting for todo
}

func (w *Work[T]) init() {
	if w.added == nil {
		w.added = make(map[T]bool)
		w.finished = make(map[T]bool)
		w.blocked = make(map[T]int)
		w.waiters = make(map[T][]T)
	}
}

// Add adds item to the work set, if it hasn't already been added. The item
// runs once every item in deps has finished.
func (w *Work[T]) Add(item T, deps ...T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.init()
	if w.added[item] {
		return
	}
	w.added[item] = true
	n := 0
	for _, d := range deps {
		if d == item || w.finished[d] {
			if d == item {
				n++ // never runs
			}
			continue
		}
		w.waiters[d] = append(w.waiters[d], item)
		n++
	}
	if n > 0 {
		w.blocked[item] = n
		return
	}
	w.ready(item)
}

func (w *Work[T]) ready(item T) {
	w.todo = append(w.todo, item)
	if w.waiting > 0 {
		w.wait.Signal()
	}
}

// Do runs f in parallel on items from the work set,
// with at most n invocations of f running at a time.
// It returns when everything runnable has been processed.
// At least one item should have been added to the work set
// before calling Do (or else Do returns immediately),
// but it is allowed for f(item) to add new items to the set.
// Do should only be used once on a given Work.
func (w *Work[T]) Do(n int, f func(item T)) {
	if n < 1 {
		panic("par.Work.Do: n < 1")
	}
	if w.running >= 1 {
		panic("par.Work.Do: already called Do")
	}

	w.mu.Lock()
	w.init()
	w.running = n
	w.f = f
	w.wait.L = &w.mu
	w.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < n-1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runner()
		}()
	}
	w.runner()
	wg.Wait()
}

// Blocked returns the items that never ran because a dependency was never
// added, never finished or formed a cycle. It is meaningful after Do returns.
func (w *Work[T]) Blocked() []T {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []T
	for item, n := range w.blocked {
		if n > 0 {
			out = append(out, item)
		}
	}
	return out
}

// runner executes work in w until both nothing is left to do
// and all the runners are waiting for work.
// (Then all the runners return.)
func (w *Work[T]) runner() {
	for {
		// Wait for something to do.
		w.mu.Lock()
		for len(w.todo) == 0 {
			w.waiting++
			if w.waiting == w.running {
				// All done.
				w.wait.Broadcast()
				w.mu.Unlock()
				return
			}
			w.wait.Wait()
			w.waiting--
		}

		// Pick something to do at random,
		// to eliminate pathological contention
		// in case items added at about the same time
		// are most likely to contend.
		i := rand.Intn(len(w.todo))
		item := w.todo[i]
		w.todo[i] = w.todo[len(w.todo)-1]
		w.todo = w.todo[:len(w.todo)-1]
		w.mu.Unlock()

		w.f(item)

		w.mu.Lock()
		w.finished[item] = true
		for _, next := range w.waiters[item] {
			w.blocked[next]--
			if w.blocked[next] == 0 {
				delete(w.blocked, next)
				w.ready(next)
			}
		}
		delete(w.waiters, item)
		w.mu.Unlock()
	}
}
