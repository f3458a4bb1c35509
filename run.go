// Copyright (c) 2024 The Proactor Authors. All rights reserved.
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

package proactor

import "sync"

// RunWorkers starts n worker loops on p's bounded goroutine pool, each
// looping Wait/handler/Done against p until Wait returns an error (such as
// ErrProactorClosed), and blocks until every worker has returned. Since every epoll
// registration is EPOLLONESHOT and dispatch is serialized per context, any
// number of workers may safely call Wait concurrently on the same Proactor
// — this is the intended way to scale a proactor across multiple OS
// threads.
func RunWorkers(p *Proactor, n int, handler func(Batch)) {
	// Each worker occupies its pool slot for the whole run, not a single
	// short task, so the pool is grown to make room without starving
	// Connect's own ants.Pool.Submit calls for async resolution, which run
	// on this same pool.
	p.pool.Tune(p.pool.Cap() + n)

	var wg sync.WaitGroup
	wg.Add(n)
	worker := func() {
		defer wg.Done()
		for {
			batch, err := p.Wait()
			if err != nil {
				return
			}
			if batch == nil {
				continue
			}
			handler(batch)
			p.Done(batch)
		}
	}
	for i := 0; i < n; i++ {
		if err := p.pool.Submit(worker); err != nil {
			wg.Done()
			p.log().Warnf("RunWorkers: submit worker %d: %v", i, err)
		}
	}
	wg.Wait()
}
