package frontend

import (
	"strings"
	"time"

	"kelub/hashlb/balancer"
)

type Options struct {
	Servers     string `flag:"servers"`
	HTTPAddress string `flag:"addr"`
	HTTPPort    int    `flag:"port"`
	BackendPort int    `flag:"backend-port"`
	RPCPort     int    `flag:"rpc-port"`

	RingSize       int    `flag:"ring-size"`
	Replicas       int    `flag:"replicas"`
	AffinityHeader string `flag:"affinity-header"`

	// static, docker, consul or docker+consul
	Provisioner      string        `flag:"provisioner"`
	ProvisionTimeout time.Duration `flag:"provision-timeout"`
	DockerImage      string        `flag:"docker-image"`
	DockerNetwork    string        `flag:"docker-network"`
	ReadyTimeout     time.Duration `flag:"ready-timeout"`
	ConsulAddress    string        `flag:"consul"`
	ConsulService    string        `flag:"consul-service"`
	ConsulSeed       bool          `flag:"consul-seed"`

	ForwardTimeout time.Duration `flag:"forward-timeout"`
	LogLevel       string        `flag:"log-level"`
	LogJSON        bool          `flag:"log-json"`
}

func NewOptions() *Options {
	return &Options{
		Servers:          "Server1,Server2,Server3",
		HTTPPort:         5000,
		BackendPort:      5000,
		RPCPort:          5001,
		RingSize:         balancer.DefaultRingSize,
		Replicas:         balancer.DefaultReplicas,
		Provisioner:      "static",
		ProvisionTimeout: 30 * time.Second,
		DockerImage:      "server",
		DockerNetwork:    "load_balancer_net1",
		ReadyTimeout:     10 * time.Second,
		ConsulService:    "hashlb-backend",
		ForwardTimeout:   5 * time.Second,
		LogLevel:         "info",
	}
}

// ServerList splits the comma separated initial pool.
func (o *Options) ServerList() []string {
	var hosts []string
	for _, h := range strings.Split(o.Servers, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func (o *Options) Config() *balancer.Config {
	c := balancer.DefaultConfig()
	c.Ring.Size = o.RingSize
	c.Ring.Replicas = o.Replicas
	c.Route.AffinityHeader = o.AffinityHeader
	c.Provision.Timeout = o.ProvisionTimeout
	return c
}
