package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	functionsPath      = "/function"
	backendsNodeSuffix = "/backends"
	zkSessionTimeout   = 10 * time.Second
)

// registryConn is the subset of the ZooKeeper client used by the backend
// monitor. Kept as an interface so the monitor can be exercised in tests
// without a live ensemble. *zk.Conn satisfies it.
type registryConn interface {
	Children(path string) ([]string, *zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Close()
}

// registryWatcher merges the one-shot ZooKeeper watches covering the function
// namespace into a single event stream: a children watch on the namespace
// root plus an exists watch on every function's backends node. One-shot
// watches are consumed by the event they deliver, so the monitor re-arms them
// as they fire.
type registryWatcher struct {
	conn     registryConn
	basePath string
	events   chan zk.Event
	done     chan struct{}
	armed    map[string]bool
}

func newRegistryWatcher(conn registryConn, basePath string) *registryWatcher {
	return &registryWatcher{
		conn:     conn,
		basePath: basePath,
		events:   make(chan zk.Event, 32),
		done:     make(chan struct{}),
		armed:    make(map[string]bool),
	}
}

// armFunctions registers a children watch on the namespace root and a
// backends watch on every function under it, returning the function node
// names. Functions that already carry an outstanding watch keep it.
func (w *registryWatcher) armFunctions() ([]string, error) {
	functions, _, ch, err := w.conn.ChildrenW(w.basePath)
	if err != nil {
		return nil, fmt.Errorf("watching children of %s: %w", w.basePath, err)
	}
	w.forward(ch)

	for _, name := range functions {
		if err := w.armBackends(name); err != nil {
			return nil, err
		}
	}
	return functions, nil
}

// armBackends registers an exists watch on a function's backends node, which
// fires once on creation, data change or deletion. The node does not have to
// exist yet.
func (w *registryWatcher) armBackends(name string) error {
	if w.armed[name] {
		return nil
	}

	path := w.basePath + "/" + name + backendsNodeSuffix
	_, _, ch, err := w.conn.ExistsW(path)
	if err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}
	w.armed[name] = true
	w.forward(ch)
	return nil
}

// rearmBackends re-registers the one-shot watch consumed by an event on a
// function's backends node.
func (w *registryWatcher) rearmBackends(name string) error {
	delete(w.armed, name)
	return w.armBackends(name)
}

// forward drains a watch channel into the merged stream. The library closes
// watch channels once they have fired or the session ends, at which point the
// goroutine exits.
func (w *registryWatcher) forward(ch <-chan zk.Event) {
	go func() {
		for event := range ch {
			select {
			case w.events <- event:
			case <-w.done:
				return
			}
		}
	}()
}

func (w *registryWatcher) next(ctx context.Context) (zk.Event, error) {
	select {
	case event := <-w.events:
		return event, nil
	case <-ctx.Done():
		return zk.Event{}, ctx.Err()
	}
}

func (w *registryWatcher) close() {
	close(w.done)
}

// zkConnect opens a new ZooKeeper session. The connection is established in
// the background; the first operation on the returned handle surfaces any
// connectivity failure. The returned channel carries session-state events.
func zkConnect(cluster string) (registryConn, <-chan zk.Event, error) {
	conn, session, err := zk.Connect(strings.Split(cluster, ","), zkSessionTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to ZooKeeper at %s: %w", cluster, err)
	}
	return conn, session, nil
}
