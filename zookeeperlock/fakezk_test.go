package zookeeperlock_test

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-zookeeper/zk"
)

// fakeZK is an in-memory coordination service: persistent and sequential
// nodes plus one-shot existence watches.
type fakeZK struct {
	mu      sync.Mutex
	nodes   map[string]bool
	seq     map[string]int64
	watches map[string][]chan zk.Event

	createErr   errSlot
	childrenErr errSlot
	deleteErr   errSlot
	creates     atomic.Int64
	// lostReplies makes that many sequential creates apply on the server
	// and still fail, as when the connection drops before the reply.
	lostReplies atomic.Int64

	// beforeExistsW runs before ExistsW registers its watch.
	beforeExistsW func(path string)
}

func newFakeZK() *fakeZK {
	return &fakeZK{
		nodes:   make(map[string]bool),
		seq:     make(map[string]int64),
		watches: make(map[string][]chan zk.Event),
	}
}

// errSlot holds an injected failure; a nil error disables it.
type errSlot struct {
	mu  sync.Mutex
	err error
}

func (s *errSlot) set(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = err
}

func (s *errSlot) get() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func parentOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}

	return path[:i]
}

func (f *fakeZK) Create(path string, _ []byte, flags int32, _ []zk.ACL) (string, error) {
	f.creates.Add(1)
	if err := f.createErr.get(); err != nil && flags != 0 {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	parent := parentOf(path)
	if parent != "/" && !f.nodes[parent] {
		return "", zk.ErrNoNode
	}

	if flags&zk.FlagSequence != 0 {
		path = fmt.Sprintf("%s%010d", path, f.seq[parent])
		f.seq[parent]++
	}

	if f.nodes[path] {
		return "", zk.ErrNodeExists
	}

	f.nodes[path] = true
	f.fire(path, zk.EventNodeCreated)

	if flags&zk.FlagSequence != 0 && f.lostReplies.Add(-1) >= 0 {
		return "", zk.ErrConnectionClosed
	}

	return path, nil
}

func (f *fakeZK) Children(path string) ([]string, *zk.Stat, error) {
	if err := f.childrenErr.get(); err != nil {
		return nil, nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.nodes[path] {
		return nil, nil, zk.ErrNoNode
	}

	var children []string
	for node := range f.nodes {
		if parentOf(node) == path {
			children = append(children, node[len(path)+1:])
		}
	}

	// ZooKeeper makes no ordering promise; shuffle-ish by reversing.
	sort.Sort(sort.Reverse(sort.StringSlice(children)))

	return children, &zk.Stat{NumChildren: int32(len(children))}, nil
}

func (f *fakeZK) Exists(path string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.nodes[path], &zk.Stat{}, nil
}

func (f *fakeZK) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	if f.beforeExistsW != nil {
		f.beforeExistsW(path)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan zk.Event, 1)
	f.watches[path] = append(f.watches[path], ch)

	return f.nodes[path], &zk.Stat{}, ch, nil
}

func (f *fakeZK) Delete(path string, _ int32) error {
	if err := f.deleteErr.get(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.nodes[path] {
		return zk.ErrNoNode
	}

	delete(f.nodes, path)
	f.fire(path, zk.EventNodeDeleted)

	return nil
}

// expire drops a node the way a lost session drops its ephemeral nodes.
func (f *fakeZK) expire(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.nodes, path)
	f.fire(path, zk.EventNodeDeleted)
}

func (f *fakeZK) fire(path string, typ zk.EventType) {
	for _, ch := range f.watches[path] {
		ch <- zk.Event{Type: typ, Path: path}
	}

	delete(f.watches, path)
}

func (f *fakeZK) exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.nodes[path]
}

var protected = regexp.MustCompile(`^_c_[0-9a-f]{32}-`)

// nodeOf returns the <key>-<sequence> part of a lock node path.
func nodeOf(path string) string {
	return protected.ReplaceAllString(path[strings.LastIndex(path, "/")+1:], "")
}

// lockNodes returns the <key>-<sequence> names of the children of root.
func (f *fakeZK) lockNodes(root string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var names []string
	for node := range f.nodes {
		if parentOf(node) == root {
			names = append(names, nodeOf(node))
		}
	}

	sort.Strings(names)

	return names
}
