// Package zookeeperlock is the queue based lock backend on Apache ZooKeeper.
//
// Every contender creates an ephemeral sequential node
// <root>/_c_<guid>-<key>-<sequence> and waits until no sibling of the same key has a
// lower sequence. Waiters watch only their direct predecessor, so contenders
// are served strictly in creation order and a release wakes exactly one of
// them. The node lives as long as the ZooKeeper session: losing the session
// silently releases the lock. The guid identifies the attempt, so a node
// whose create reply was lost is found again and either adopted or deleted.
package zookeeperlock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/companyinfo/distlock"
)

// Conn is the subset of *zk.Conn the locker needs.
type Conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
}

var _ Conn = (*zk.Conn)(nil)

type holdKey struct {
	owner string
	key   string
}

// ZooKeeperLock is an implementation of the distributed Locker interface using ZooKeeper.
type ZooKeeperLock struct {
	conn Conn
	root string

	mu    sync.Mutex
	holds map[holdKey]*Handle
	// orphans are guids of nodes that may exist on the server although no
	// attempt owns them: a lost create reply or a failed delete.
	orphans map[string]struct{}
}

var _ distlock.Locker = (*ZooKeeperLock)(nil)

// New creates a new ZooKeeperLock and makes sure the persistent root node
// exists. WithRootPath changes the root (default /distributedLock).
func New(conn Conn, opts ...func(config *distlock.LockConfig)) (*ZooKeeperLock, error) {
	config := distlock.Apply(opts...)

	root := strings.TrimSuffix(config.RootPath, "/")
	if err := validateZooKeeperPath(root); err != nil {
		return nil, err
	}

	if err := ensurePath(conn, root); err != nil {
		distlock.GetLogger().Error(err, "failed to create zookeeper root node", "root", root)
		return nil, err
	}

	return &ZooKeeperLock{
		conn:    conn,
		root:    root,
		holds:   make(map[holdKey]*Handle),
		orphans: make(map[string]struct{}),
	}, nil
}

// Root returns the parent path of the lock nodes.
func (z *ZooKeeperLock) Root() string {
	return z.root
}

// Lock acquires key, blocking on the predecessor's deletion while queued.
// expire is ignored: the node lasts as long as the session. If ctx carries an
// owner (distlock.WithOwner) that already holds key, the hold count is
// incremented and the same handle is returned without contacting ZooKeeper.
// retryTimes and sleep apply to attempts that fail with an error; an attempt
// that is queued waits until it is served or ctx is done.
func (z *ZooKeeperLock) Lock(
	ctx context.Context,
	key string,
	expire time.Duration,
	retryTimes int,
	sleep time.Duration) (distlock.Handle, bool) {
	if err := validateKey(key); err != nil {
		distlock.GetLogger().Error(err, "refusing to lock", "lockID", key, "backend", distlock.BackendZooKeeper)
		return nil, false
	}

	owner, hasOwner := distlock.OwnerFromContext(ctx)
	if hasOwner {
		if h := z.reenter(owner, key); h != nil {
			return h, true
		}
	}

	_, retryTimes, sleep = distlock.Normalize(expire, retryTimes, sleep)

	var handle *Handle
	acquired := distlock.Retry(ctx, distlock.BackendZooKeeper, key, retryTimes, sleep, func(ctx context.Context) bool {
		handle = z.acquire(ctx, key)
		return handle != nil
	})
	if !acquired {
		return nil, false
	}

	handle.owner = owner
	z.mu.Lock()
	handle.count = 1
	if hasOwner {
		z.holds[holdKey{owner: owner, key: key}] = handle
	}
	z.mu.Unlock()

	z.watch(handle)

	return handle, true
}

func (z *ZooKeeperLock) reenter(owner, key string) *Handle {
	z.mu.Lock()
	defer z.mu.Unlock()

	hk := holdKey{owner: owner, key: key}
	h, ok := z.holds[hk]
	if !ok || h.count == 0 {
		return nil
	}

	select {
	case <-h.lost.Done():
		// The node went away with the session; queue up again.
		delete(z.holds, hk)
		return nil
	default:
	}

	h.count++
	distlock.GetLogger().V(1).Info("lock reentered", "lockID", key, "owner", owner, "holds", h.count)

	return h
}

// acquire makes one attempt: create the node, then wait for our turn. On any
// failure the node is removed again so the queue is left as it was.
func (z *ZooKeeperLock) acquire(ctx context.Context, key string) *Handle {
	startTime := time.Now()
	ctx, span := distlock.RecordStart(ctx, distlock.BackendZooKeeper, distlock.ActionAcquire, key)
	defer span.End()

	z.sweep()

	guid := newGUID()
	path, err := z.conn.Create(z.root+"/"+protectedName(guid, key), nil,
		zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		path = z.findCreated(guid, key)
	}

	if path == "" {
		_ = distlock.HandleError(ctx, span, err, distlock.BackendZooKeeper, distlock.ActionAcquire,
			"failed to create lock node", key)
		return nil
	}

	if err = z.waitTurn(ctx, key, path); err != nil {
		z.abandon(path, key)

		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			distlock.RecordRejected(ctx, span, distlock.BackendZooKeeper, distlock.ActionAcquire,
				"gave up waiting for lock", key)
			return nil
		}

		_ = distlock.HandleError(ctx, span, err, distlock.BackendZooKeeper, distlock.ActionAcquire,
			"failed to wait for lock", key)

		return nil
	}

	distlock.RecordSuccess(ctx, span, startTime, distlock.BackendZooKeeper, distlock.ActionAcquiredSuccessfully, key)

	return &Handle{
		key:  key,
		path: path,
		lost: distlock.NewSignal(),
	}
}

// waitTurn returns once path has the lowest sequence among the nodes of key.
func (z *ZooKeeperLock) waitTurn(ctx context.Context, key, path string) error {
	self := path[strings.LastIndex(path, "/")+1:]
	seq, ok := sequenceOf(key, self)
	if !ok {
		return errors.New("unexpected lock node name " + path)
	}

	for {
		children, _, err := z.conn.Children(z.root)
		if err != nil {
			return err
		}

		predecessor, present := predecessorOf(key, seq, children)
		if !present {
			return distlock.ErrSessionLost
		}

		if predecessor == "" {
			return nil
		}

		exists, _, events, err := z.conn.ExistsW(z.root + "/" + predecessor)
		if err != nil {
			return err
		}

		if !exists {
			continue
		}

		distlock.GetLogger().V(2).Info("waiting for predecessor", "lockID", key, "node", self, "predecessor", predecessor)

		select {
		case ev := <-events:
			if ev.Err != nil {
				return ev.Err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// abandon deletes a node that never became (or is no longer) a hold. A node
// that could not be deleted is left to the next sweep.
func (z *ZooKeeperLock) abandon(path, key string) {
	err := z.conn.Delete(path, -1)
	if err == nil || errors.Is(err, zk.ErrNoNode) {
		return
	}

	distlock.GetLogger().Error(err, "failed to delete abandoned lock node", "lockID", key, "node", path)
	if guid, ok := guidOf(path[strings.LastIndex(path, "/")+1:]); ok {
		z.remember(guid)
	}
}

// findCreated looks for the node of guid after Create failed. The server may have
// created it before the reply was lost; such a node is adopted. If the lookup
// fails too, the guid is remembered for the next sweep.
func (z *ZooKeeperLock) findCreated(guid, key string) string {
	children, _, err := z.conn.Children(z.root)
	if err != nil {
		z.remember(guid)
		return ""
	}

	for _, name := range children {
		if g, ok := guidOf(name); ok && g == guid {
			distlock.GetLogger().V(1).Info("adopted lock node after lost create reply", "lockID", key, "node", name)
			return z.root + "/" + name
		}
	}

	return ""
}

func (z *ZooKeeperLock) remember(guid string) {
	z.mu.Lock()
	defer z.mu.Unlock()

	z.orphans[guid] = struct{}{}
}

// sweep deletes the nodes of remembered orphan guids. A guid is forgotten
// once its node is gone; it stays if the lookup or the delete fails.
func (z *ZooKeeperLock) sweep() {
	z.mu.Lock()
	pending := make(map[string]struct{}, len(z.orphans))
	for guid := range z.orphans {
		pending[guid] = struct{}{}
	}
	z.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	children, _, err := z.conn.Children(z.root)
	if err != nil {
		return
	}

	kept := make(map[string]struct{})
	for _, name := range children {
		guid, ok := guidOf(name)
		if !ok {
			continue
		}

		if _, orphan := pending[guid]; !orphan {
			continue
		}

		if err = z.conn.Delete(z.root+"/"+name, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
			distlock.GetLogger().Error(err, "failed to delete orphaned lock node", "node", name)
			kept[guid] = struct{}{}
			continue
		}

		distlock.GetLogger().V(1).Info("deleted orphaned lock node", "node", name)
	}

	z.mu.Lock()
	for guid := range pending {
		if _, ok := kept[guid]; !ok {
			delete(z.orphans, guid)
		}
	}
	z.mu.Unlock()
}

// ReleaseLock drops one hold of h. The node is deleted, waking the next
// contender, only when the last hold of a reentrant owner is released.
func (z *ZooKeeperLock) ReleaseLock(ctx context.Context, h distlock.Handle) (bool, error) {
	handle, ok := h.(*Handle)
	if !ok || handle == nil {
		distlock.GetLogger().V(1).Info(distlock.ErrForeignHandle.Error(), "backend", distlock.BackendZooKeeper)
		return false, nil
	}

	z.mu.Lock()
	if handle.count == 0 {
		z.mu.Unlock()
		return false, nil
	}

	handle.count--
	if handle.count > 0 {
		distlock.GetLogger().V(1).Info("reentrant hold released", "lockID", handle.key, "holds", handle.count)
		z.mu.Unlock()

		return true, nil
	}

	hk := holdKey{owner: handle.owner, key: handle.key}
	if handle.owner != "" && z.holds[hk] == handle {
		delete(z.holds, hk)
	}
	z.mu.Unlock()

	handle.stopWatch()

	startTime := time.Now()
	ctx, span := distlock.RecordStart(ctx, distlock.BackendZooKeeper, distlock.ActionRelease, handle.key)
	defer span.End()

	err := z.conn.Delete(handle.path, -1)
	switch {
	case errors.Is(err, zk.ErrNoNode):
		distlock.RecordRejected(ctx, span, distlock.BackendZooKeeper, distlock.ActionRelease,
			"lock node was already gone", handle.key)
		if handle.lost.Fire() {
			distlock.RecordLost(ctx, distlock.BackendZooKeeper, handle.key, "lock node vanished before release")
		}

		return false, nil
	case err != nil:
		// Keep the hold so the caller can retry the release.
		z.mu.Lock()
		handle.count = 1
		if _, taken := z.holds[hk]; handle.owner != "" && !taken {
			z.holds[hk] = handle
		}
		z.mu.Unlock()
		z.watch(handle)

		return false, distlock.HandleError(ctx, span, err, distlock.BackendZooKeeper, distlock.ActionRelease,
			"failed to release lock", handle.key)
	}

	distlock.RecordSuccess(ctx, span, startTime, distlock.BackendZooKeeper, distlock.ActionReleasedSuccessfully,
		handle.key)

	return true, nil
}

// ensurePath creates every missing segment of path as a persistent node.
func ensurePath(conn Conn, path string) error {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	current := ""
	for _, segment := range segments {
		current += "/" + segment

		exists, _, err := conn.Exists(current)
		if err != nil {
			return err
		}

		if exists {
			continue
		}

		if _, err = conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}

	return nil
}

// validateZooKeeperPath checks if the path is valid for ZooKeeper.
func validateZooKeeperPath(path string) error {
	if !strings.HasPrefix(path, "/") || path == "/" {
		return errors.New("ZooKeeper root path must start with '/' and name a node")
	}

	if strings.ContainsAny(path, " \t\n\r\000") || strings.Contains(path, "//") { // No spaces or null characters allowed
		return errors.New("ZooKeeper path contains invalid characters")
	}

	return nil
}

// validateKey checks that key can be used as a node name prefix.
func validateKey(key string) error {
	if key == "" {
		return distlock.ErrEmptyKey
	}

	if strings.ContainsAny(key, "/ \t\n\r\000") {
		return distlock.ErrInvalidKey
	}

	return nil
}
