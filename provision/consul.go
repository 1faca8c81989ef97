// consul

package provision

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/sirupsen/logrus"
)

type agent interface {
	ServiceRegister(service *consulapi.AgentServiceRegistration) error
	ServiceDeregister(serviceID string) error
}

type health interface {
	Service(service, tag string, passingOnly bool, q *consulapi.QueryOptions) ([]*consulapi.ServiceEntry, *consulapi.QueryMeta, error)
}

// Consul announces backends as instances of one consul service.
type Consul struct {
	Service string
	Port    int
	// CheckInterval enables an HTTP check on /heartbeat when set, e.g. "3s".
	CheckInterval string

	agent  agent
	health health
}

func NewConsul(consulAddr, service string, port int) (*Consul, error) {
	conf := consulapi.DefaultConfig()
	if consulAddr != "" {
		conf.Address = consulAddr
	}
	c, err := consulapi.NewClient(conf)
	if err != nil {
		return nil, err
	}
	return &Consul{
		Service: service,
		Port:    port,
		agent:   c.Agent(),
		health:  c.Health(),
	}, nil
}

func (c *Consul) registration(hostname string) *consulapi.AgentServiceRegistration {
	reg := &consulapi.AgentServiceRegistration{
		ID:      hostname,
		Name:    c.Service,
		Port:    c.Port,
		Address: hostname,
	}
	if c.CheckInterval != "" {
		reg.Check = &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/heartbeat", hostname, c.Port),
			Interval:                       c.CheckInterval,
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "300s",
		}
	}
	return reg
}

func (c *Consul) Create(_ context.Context, hostname string) error {
	if err := c.agent.ServiceRegister(c.registration(hostname)); err != nil {
		return fmt.Errorf("consul register %s: %w", hostname, err)
	}
	logrus.WithFields(logrus.Fields{
		"func_name": "Consul.Create",
		"service":   c.Service,
		"hostname":  hostname,
	}).Infof("registered")
	return nil
}

func (c *Consul) Destroy(_ context.Context, hostname string) error {
	if err := c.agent.ServiceDeregister(hostname); err != nil {
		return fmt.Errorf("consul deregister %s: %w", hostname, err)
	}
	logrus.WithFields(logrus.Fields{
		"func_name": "Consul.Destroy",
		"service":   c.Service,
		"hostname":  hostname,
	}).Infof("deregistered")
	return nil
}

// Registered returns the hostnames of the passing instances of the service.
func (c *Consul) Registered(ctx context.Context) ([]string, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := c.health.Service(c.Service, "", true, q)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		host := e.Service.Address
		if host == "" {
			host = e.Service.ID
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}
