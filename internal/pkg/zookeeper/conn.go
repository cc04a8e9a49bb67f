// internal/pkg/zookeeper/conn.go
package zookeeper

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// client 是锁实现用到的 zk.Conn 方法子集
type client interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
}

// Conn 封装了一个 ZooKeeper 会话
type Conn struct {
	client
	raw *zk.Conn
}

// Connect 连接 ZooKeeper，servers 格式为 "host1:2181,host2:2181"
func Connect(servers string, sessionTimeout time.Duration) (*Conn, error) {
	var list []string
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("zookeeper: no server configured")
	}

	raw, _, err := zk.Connect(list, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zookeeper: connect %v: %w", list, err)
	}
	return &Conn{client: raw, raw: raw}, nil
}

// Close 关闭会话，会话上的临时节点随之删除
func (c *Conn) Close() {
	if c.raw != nil {
		c.raw.Close()
	}
}
