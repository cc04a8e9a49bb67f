// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Client 封装了 go-redis 的 UniversalClient，并按名称管理 Lua 脚本。
// 单个地址时是普通客户端，多个地址时是集群客户端。
type Client struct {
	client goredis.UniversalClient

	mu      sync.RWMutex
	scripts map[string]*goredis.Script
}

// Options 是创建客户端时可调的参数
type Options struct {
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient 根据逗号分隔的地址创建客户端，并在返回前 Ping 一次。
// addrs 格式为 "host1:6379,host2:6380"
func NewClient(addrs string, opts ...Options) (*Client, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}

	var list []string
	for _, a := range strings.Split(addrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			list = append(list, a)
		}
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("redis: no address configured")
	}

	uc := goredis.NewUniversalClient(universalOptions(list, o))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := uc.Ping(ctx).Err(); err != nil {
		_ = uc.Close()
		return nil, fmt.Errorf("redis: ping %v failed: %w", list, err)
	}

	return Wrap(uc), nil
}

// universalOptions 打开 ContextTimeoutEnabled，调用方 ctx 的截止时间才会作用到 socket 读写上，
// 否则一次卡住的调用要等满 ReadTimeout
func universalOptions(addrs []string, o Options) *goredis.UniversalOptions {
	return &goredis.UniversalOptions{
		Addrs:                 addrs,
		Password:              o.Password,
		DB:                    o.DB,
		PoolSize:              o.PoolSize,
		DialTimeout:           o.DialTimeout,
		ReadTimeout:           o.ReadTimeout,
		WriteTimeout:          o.WriteTimeout,
		ContextTimeoutEnabled: true,
	}
}

// Wrap 用已有的 go-redis 客户端构造 Client，测试中配合 miniredis 使用。
func Wrap(uc goredis.UniversalClient) *Client {
	return &Client{
		client:  uc,
		scripts: make(map[string]*goredis.Script),
	}
}

// LoadScriptFromContent 注册脚本并预加载到服务端。
func (c *Client) LoadScriptFromContent(name, content string) error {
	script := goredis.NewScript(content)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := script.Load(ctx, c.client).Err(); err != nil {
		return fmt.Errorf("failed to load script %q: %w", name, err)
	}

	c.mu.Lock()
	c.scripts[name] = script
	c.mu.Unlock()
	return nil
}

// LoadScriptFromFile 从文件读取脚本内容后注册
func (c *Client) LoadScriptFromFile(name, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script file %s: %w", path, err)
	}
	return c.LoadScriptFromContent(name, string(content))
}

// RunScript 执行已注册的脚本。
// go-redis 的 Script.Run 先走 EVALSHA，遇到 NOSCRIPT 时自动退回 EVAL，
// 所以 Redis 重启或故障转移后脚本缓存丢失也能继续工作。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %q is not loaded", name)
	}
	return script.Run(ctx, c.client, keys, args...).Result()
}

// GetClient 返回底层客户端，用于 pipeline 等非脚本操作。
func (c *Client) GetClient() goredis.UniversalClient {
	return c.client
}

// Close 关闭连接池
func (c *Client) Close() error {
	return c.client.Close()
}
