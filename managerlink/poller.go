// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package managerlink

import "reflect"

// poller waits on a set of channels that changes every iteration: the
// links present and which of them are readable are only known at run
// time, so the select is built with reflect.
type poller struct {
	cases    []reflect.SelectCase
	handlers []func(value reflect.Value, ok bool)
}

func (p *poller) reset() {
	clear(p.cases)
	clear(p.handlers)
	p.cases = p.cases[:0]
	p.handlers = p.handlers[:0]
}

// add registers a receive on channel. Nil channels are skipped. handler
// may be nil for channels that only wake the worker.
func (p *poller) add(channel any, handler func(value reflect.Value, ok bool)) {
	value := reflect.ValueOf(channel)
	if !value.IsValid() || value.IsNil() {
		return
	}
	p.cases = append(p.cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: value})
	p.handlers = append(p.handlers, handler)
}

// wait blocks until one registered channel is ready and runs its
// handler.
func (p *poller) wait() {
	chosen, value, ok := reflect.Select(p.cases)
	if handler := p.handlers[chosen]; handler != nil {
		handler(value, ok)
	}
}
