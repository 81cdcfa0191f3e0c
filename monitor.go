package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const watchRetryDelay = 1 * time.Second

var (
	errFunctionNotFound = errors.New("function not found")
	errNoBackends       = errors.New("no backends available")
)

// backendMonitor keeps the backend directory synchronized with the function
// namespace in ZooKeeper. It performs a full scan at startup and thereafter
// applies incremental updates from watches on the namespace subtree,
// re-creating the session from scratch whenever it is lost.
type backendMonitor struct {
	directory *backendDirectory
	basePath  string

	// Shared handle for on-demand reads. The ZooKeeper session is not safe
	// for concurrent logical operations, so access is serialized.
	connMu sync.Mutex
	conn   registryConn

	// connect dials a fresh session for each watch-loop iteration.
	connect func() (registryConn, <-chan zk.Event, error)
}

func newBackendMonitor(zkCluster string, zkEnv string) (*backendMonitor, error) {
	conn, session, err := zkConnect(zkCluster)
	if err != nil {
		return nil, err
	}

	// The shared read handle reconnects on its own; its session events only
	// need draining. Read failures surface on the next Get.
	go func() {
		for range session {
		}
	}()

	monitor := &backendMonitor{
		directory: newBackendDirectory(),
		basePath:  "/" + zkEnv + functionsPath,
		conn:      conn,
		connect: func() (registryConn, <-chan zk.Event, error) {
			return zkConnect(zkCluster)
		},
	}

	if err := monitor.initialLoad(); err != nil {
		conn.Close()
		return nil, err
	}
	return monitor, nil
}

// initialLoad scans the function namespace and loads the backends of every
// function found there. Any failure is fatal: the process must not come up
// with a half-initialized directory.
func (m *backendMonitor) initialLoad() error {
	functions, err := m.listFunctions()
	if err != nil {
		return err
	}

	for _, name := range functions {
		functionID, err := uuid.Parse(name)
		if err != nil {
			return fmt.Errorf("invalid function node name %q: %w", name, err)
		}
		if err := m.loadBackends(functionID); err != nil {
			return err
		}
	}

	log.Infof("Initial scan loaded %d functions", len(functions))
	return nil
}

// start runs the watch loop as a supervised background task for the process
// lifetime. Discovery failures never reach the request path; they only delay
// directory updates until the next iteration.
func (m *backendMonitor) start() {
	go func() {
		for {
			err := m.watchFunctions()
			log.WithError(err).Error("Functions watch terminated. Reconnecting...")
			watchRestarts.Inc()
			time.Sleep(watchRetryDelay)
		}
	}()
}

// watchFunctions runs one watch-loop iteration: a fresh session, watches over
// the function namespace subtree, a resync, then the event loop. It only ever
// returns with an error; the caller restarts it.
func (m *backendMonitor) watchFunctions() error {
	conn, session, err := m.connect()
	if err != nil {
		return fmt.Errorf("connecting to ZooKeeper: %w", err)
	}
	defer conn.Close()

	watcher := newRegistryWatcher(conn, m.basePath)
	defer watcher.close()
	watcher.forward(session)

	// Arm the watches and reload every function they cover, so changes made
	// while the previous session was down are not missed.
	if err := m.resync(watcher); err != nil {
		return err
	}

	for {
		event, err := watcher.next(context.Background())
		if err != nil {
			return fmt.Errorf("awaiting watch event: %w", err)
		}
		if err := m.handleEvent(watcher, event); err != nil {
			return err
		}
	}
}

// resync arms the namespace watches and reloads the backends of every
// function currently present.
func (m *backendMonitor) resync(watcher *registryWatcher) error {
	functions, err := watcher.armFunctions()
	if err != nil {
		return err
	}

	for _, name := range functions {
		functionID, err := uuid.Parse(name)
		if err != nil {
			return fmt.Errorf("invalid function node name %q: %w", name, err)
		}
		if err := m.loadBackends(functionID); err != nil {
			return err
		}
	}
	return nil
}

func (m *backendMonitor) handleEvent(watcher *registryWatcher, event zk.Event) error {
	switch event.Type {
	case zk.EventSession:
		switch event.State {
		case zk.StateDisconnected, zk.StateExpired, zk.StateAuthFailed:
			return fmt.Errorf("ZooKeeper session lost: %v", event.State)
		}
		return nil
	case zk.EventNotWatching:
		return fmt.Errorf("watch on %s invalidated: %w", event.Path, event.Err)
	}

	// Function nodes appearing or disappearing under the namespace root.
	if event.Path == m.basePath {
		if event.Type == zk.EventNodeChildrenChanged {
			return m.resync(watcher)
		}
		return nil
	}

	// Only the backends data nodes carry routing state.
	if !strings.HasSuffix(event.Path, backendsNodeSuffix) {
		return nil
	}

	functionID, err := m.functionIDFromPath(event.Path)
	if err != nil {
		return err
	}

	// Watch first, then read: the next change must not slip between this
	// event and the reload it triggers.
	if err := watcher.rearmBackends(functionID.String()); err != nil {
		return err
	}

	switch event.Type {
	case zk.EventNodeCreated, zk.EventNodeDataChanged:
		log.Debugf("Backends changed for function %s", functionID)
		return m.loadBackends(functionID)
	case zk.EventNodeDeleted:
		log.Debugf("Function %s removed", functionID)
		m.directory.remove(functionID)
		return nil
	default:
		log.Warnf("Ignoring unexpected ZooKeeper event %v on %s", event.Type, event.Path)
		return nil
	}
}

// loadBackends fetches the backends payload of one function, builds a new
// ring from it and replaces the function's directory entry. Last write wins;
// there is no optimistic-concurrency check against the znode version.
func (m *backendMonitor) loadBackends(functionID uuid.UUID) error {
	path := m.basePath + "/" + functionID.String() + backendsNodeSuffix

	m.connMu.Lock()
	raw, _, err := m.conn.Get(path)
	m.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("fetching backends for function %s: %w", functionID, err)
	}

	backends, err := decodeBackends(raw)
	if err != nil {
		return fmt.Errorf("decoding backends for function %s: %w", functionID, err)
	}

	ring := newHashRing(backends)
	if oldRing, ok := m.directory.get(functionID); ok {
		log.Debugf("Updating backends for function %s: old=%d new=%d",
			functionID, oldRing.size()/conhashReplicas, ring.size()/conhashReplicas)
	}
	m.directory.put(functionID, ring)
	return nil
}

func (m *backendMonitor) listFunctions() ([]string, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	functions, _, err := m.conn.Children(m.basePath)
	if err != nil {
		return nil, fmt.Errorf("listing functions: %w", err)
	}
	return functions, nil
}

// functionIDFromPath extracts the function identifier from a backends node
// path such as /{env}/function/{functionId}/backends.
func (m *backendMonitor) functionIDFromPath(path string) (uuid.UUID, error) {
	segment, _, _ := strings.Cut(strings.TrimPrefix(path, m.basePath+"/"), "/")
	functionID, err := uuid.Parse(segment)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid function znode path %s: %w", path, err)
	}
	return functionID, nil
}

// pickBackend selects the backend serving a request from the given client
// address. Requests from the same client stay on the same backend for as
// long as the function's ring is unchanged.
func (m *backendMonitor) pickBackend(functionID uuid.UUID, clientIP string) (backend, error) {
	ring, ok := m.directory.get(functionID)
	if !ok {
		return backend{}, errFunctionNotFound
	}

	b, ok := ring.pick([]byte(clientIP))
	if !ok {
		return backend{}, errNoBackends
	}
	return b, nil
}
