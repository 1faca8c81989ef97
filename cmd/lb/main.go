package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"kelub/hashlb/balancer"
	"kelub/hashlb/frontend"
	"kelub/hashlb/identity"
	"kelub/hashlb/provision"
)

var opt = frontend.NewOptions()

func init() {
	flag.StringVar(&opt.Servers, "servers", opt.Servers, "Initial backends, comma separated. Default: Server1,Server2,Server3")
	flag.StringVar(&opt.HTTPAddress, "addr", opt.HTTPAddress, "Listen address. Default: all interfaces")
	flag.IntVar(&opt.HTTPPort, "port", opt.HTTPPort, "Listen port. Default: 5000")
	flag.IntVar(&opt.BackendPort, "backend-port", opt.BackendPort, "HTTP port of the backends. Default: 5000")
	flag.IntVar(&opt.RPCPort, "rpc-port", opt.RPCPort, "Identity RPC port of the backends. Default: 5001")
	flag.IntVar(&opt.RingSize, "ring-size", opt.RingSize, "Slots on the hash ring. Default: 512")
	flag.IntVar(&opt.Replicas, "replicas", opt.Replicas, "Virtual servers per backend. Default: 9")
	flag.StringVar(&opt.AffinityHeader, "affinity-header", opt.AffinityHeader, "Hash this request header instead of a random id")
	flag.StringVar(&opt.Provisioner, "provisioner", opt.Provisioner, "static, docker, consul or docker+consul. Default: static")
	flag.DurationVar(&opt.ProvisionTimeout, "provision-timeout", opt.ProvisionTimeout, "Budget for one /add or /rm call. Default: 30s")
	flag.StringVar(&opt.DockerImage, "docker-image", opt.DockerImage, "Backend image. Default: server")
	flag.StringVar(&opt.DockerNetwork, "docker-network", opt.DockerNetwork, "Docker network shared with the backends. Default: load_balancer_net1")
	flag.DurationVar(&opt.ReadyTimeout, "ready-timeout", opt.ReadyTimeout, "Wait for a new container to report its identity, 0 disables. Default: 10s")
	flag.StringVar(&opt.ConsulAddress, "consul", opt.ConsulAddress, "Consul agent address. Default: consul default")
	flag.StringVar(&opt.ConsulService, "consul-service", opt.ConsulService, "Consul service name of the backends. Default: hashlb-backend")
	flag.BoolVar(&opt.ConsulSeed, "consul-seed", opt.ConsulSeed, "Add passing consul instances to the initial pool")
	flag.DurationVar(&opt.ForwardTimeout, "forward-timeout", opt.ForwardTimeout, "Backend request timeout. Default: 5s")
	flag.StringVar(&opt.LogLevel, "log-level", opt.LogLevel, "Log level. Default: info")
	flag.BoolVar(&opt.LogJSON, "log-json", opt.LogJSON, "Log as JSON")
}

func main() {
	flag.Parse()
	if err := setupLog(opt.LogLevel, opt.LogJSON); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	gin.SetMode(gin.ReleaseMode)

	if err := run(); err != nil {
		logrus.Fatalf("load balancer: %v", err)
	}
}

func setupLog(level string, json bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

func run() error {
	logEntry := logrus.WithFields(logrus.Fields{
		"func_name": "run",
	})
	cfg := opt.Config()
	if err := cfg.Validate(); err != nil {
		return err
	}
	ring, err := balancer.NewHashRing(cfg.Ring.Size, cfg.Ring.Replicas)
	if err != nil {
		return err
	}

	ids := identity.NewClientMgr()
	defer ids.Close()

	p, consul, err := newProvisioner(ids)
	if err != nil {
		return err
	}
	reg := balancer.NewRegistry(ring, p)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hosts := opt.ServerList()
	if opt.ConsulSeed && consul != nil {
		seeded, err := consul.Registered(ctx)
		if err != nil {
			logEntry.Warnf("consul seed: %v", err)
		}
		hosts = append(hosts, seeded...)
	}
	for _, h := range hosts {
		if _, err := reg.RegisterExisting(h); err != nil {
			logEntry.Warnf("skip initial server %s: %v", h, err)
		}
	}
	logEntry.Infof("initial pool: %v", reg.Hostnames())

	b := balancer.NewBalancer(reg, cfg.KeyStrategy())
	fwd := frontend.NewHTTPForwarder(opt.BackendPort, opt.ForwardTimeout)
	return frontend.NewServer(opt, b, fwd, ids).Run(ctx)
}

// newProvisioner also returns the consul provisioner when one is in use,
// for seeding the pool.
func newProvisioner(ids *identity.ClientMgr) (provision.Provisioner, *provision.Consul, error) {
	var (
		chain  provision.Chain
		consul *provision.Consul
	)
	for _, kind := range strings.Split(opt.Provisioner, "+") {
		switch kind {
		case "static":
			chain = append(chain, provision.Static{})
		case "docker":
			d := provision.NewDocker(opt.DockerImage, opt.DockerNetwork)
			if opt.ReadyTimeout > 0 {
				d.Identity = ids
				d.RPCPort = opt.RPCPort
				d.ReadyTimeout = opt.ReadyTimeout
			}
			chain = append(chain, d)
		case "consul":
			c, err := provision.NewConsul(opt.ConsulAddress, opt.ConsulService, opt.BackendPort)
			if err != nil {
				return nil, nil, err
			}
			c.CheckInterval = "3s"
			consul = c
			chain = append(chain, c)
		default:
			return nil, nil, fmt.Errorf("unknown provisioner %q", kind)
		}
	}
	if len(chain) == 1 {
		return chain[0], consul, nil
	}
	return chain, consul, nil
}
