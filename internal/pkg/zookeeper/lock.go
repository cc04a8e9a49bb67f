// internal/pkg/zookeeper/lock.go
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-zookeeper/zk"
)

const (
	lockRoot   = "/distributed_locks" // 所有分布式锁的根节点
	nodePrefix = "lock-"
)

// ErrLockHeld 表示锁当前被其它会话持有
var ErrLockHeld = errors.New("zookeeper: lock is held by another session")

// DistributedLock 基于临时顺序节点的分布式锁
type DistributedLock struct {
	conn     client
	path     string // 锁的路径，例如 /distributed_locks/coupon-audit
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建锁实例，并确保锁路径存在
func NewDistributedLock(conn *Conn, resourceID string) (*DistributedLock, error) {
	return newDistributedLock(conn.client, resourceID)
}

func newDistributedLock(conn client, resourceID string) (*DistributedLock, error) {
	lockPath := lockRoot + "/" + resourceID
	for _, p := range []string{lockRoot, lockPath} {
		if err := ensurePath(conn, p); err != nil {
			return nil, err
		}
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

func ensurePath(conn client, p string) error {
	exists, _, err := conn.Exists(p)
	if err != nil {
		return fmt.Errorf("failed to check node %s: %w", p, err)
	}
	if exists {
		return nil
	}
	_, err = conn.Create(p, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("failed to create node %s: %w", p, err)
	}
	return nil
}

// TryLock 尝试获取锁，不等待。锁被占用时返回 ErrLockHeld。
func (l *DistributedLock) TryLock(ctx context.Context) error {
	if err := l.createNode(); err != nil {
		return err
	}
	_, prev, err := l.position()
	if err != nil {
		_ = l.Unlock()
		return err
	}
	if prev != "" {
		_ = l.Unlock()
		return ErrLockHeld
	}
	return nil
}

// Lock 获取锁，获取不到时监听前一个节点直到 ctx 结束
func (l *DistributedLock) Lock(ctx context.Context) error {
	if err := l.createNode(); err != nil {
		return err
	}
	for {
		_, prev, err := l.position()
		if err != nil {
			_ = l.Unlock()
			return err
		}
		if prev == "" {
			return nil
		}

		exists, _, eventChan, err := l.conn.ExistsW(l.path + "/" + prev)
		if err != nil {
			_ = l.Unlock()
			return fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			// 前一个节点刚好被删除，重新检查
			continue
		}

		select {
		case <-eventChan:
		case <-ctx.Done():
			_ = l.Unlock()
			return ctx.Err()
		}
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	l.lockNode = ""
	return nil
}

func (l *DistributedLock) createNode() error {
	if l.lockNode != "" {
		return errors.New("lock already acquired by this instance")
	}
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/"+nodePrefix, []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("failed to create sequential node: %w", err)
	}
	l.lockNode = nodePath
	return nil
}

// position 返回自己节点的名字和排在自己前面的节点名，prev 为空说明持有锁
func (l *DistributedLock) position() (mine, prev string, err error) {
	children, _, err := l.conn.Children(l.path)
	if err != nil {
		return "", "", fmt.Errorf("failed to get children nodes: %w", err)
	}
	// 受保护节点名带有 guid 前缀，只能按序号排序
	sort.Slice(children, func(i, j int) bool {
		return sequenceOf(children[i]) < sequenceOf(children[j])
	})

	mine = strings.TrimPrefix(l.lockNode, l.path+"/")
	for i, child := range children {
		if child == mine {
			if i > 0 {
				prev = children[i-1]
			}
			return mine, prev, nil
		}
	}
	return mine, "", errors.New("cannot find own lock node, session may have expired")
}

func sequenceOf(node string) string {
	if idx := strings.LastIndex(node, nodePrefix); idx >= 0 {
		return node[idx+len(nodePrefix):]
	}
	return node
}
