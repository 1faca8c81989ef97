package balancer

import (
	"fmt"
	"time"
)

const (
	DefaultRingSize = 512
	DefaultReplicas = 9

	// request ids are drawn from this range unless configured otherwise
	DefaultKeyMin = 100000
	DefaultKeyMax = 999999
)

type Config struct {
	Ring struct {
		// 环上槽位数量，默认 512
		Size int
		// 每个节点的虚拟节点数量，默认 9
		Replicas int
	}
	Route struct {
		// 随机请求 key 的取值区间 [KeyMin, KeyMax]
		KeyMin uint64
		KeyMax uint64
		// 非空时按该请求头计算 key，实现客户端亲和
		AffinityHeader string
	}
	Provision struct {
		// 单次创建/销毁后端的超时时间，默认 30s
		Timeout time.Duration
	}
}

func DefaultConfig() *Config {
	c := &Config{}
	c.Ring.Size = DefaultRingSize
	c.Ring.Replicas = DefaultReplicas
	c.Route.KeyMin = DefaultKeyMin
	c.Route.KeyMax = DefaultKeyMax
	c.Provision.Timeout = 30 * time.Second
	return c
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Ring.Size <= 0 {
		return fmt.Errorf("%w: ring size %d", ErrInvalidConfig, c.Ring.Size)
	}
	if c.Ring.Replicas <= 0 {
		return fmt.Errorf("%w: replicas %d", ErrInvalidConfig, c.Ring.Replicas)
	}
	if c.Route.KeyMin > c.Route.KeyMax {
		return fmt.Errorf("%w: key range [%d, %d]", ErrInvalidConfig, c.Route.KeyMin, c.Route.KeyMax)
	}
	if c.Provision.Timeout <= 0 {
		return fmt.Errorf("%w: provision timeout %s", ErrInvalidConfig, c.Provision.Timeout)
	}
	return nil
}

// KeyStrategy builds the strategy the config describes.
func (c *Config) KeyStrategy() KeyStrategy {
	if c.Route.AffinityHeader != "" {
		return &AttributeKeyStrategy{Header: c.Route.AffinityHeader}
	}
	return NewRandomKeyStrategy(c.Route.KeyMin, c.Route.KeyMax)
}
