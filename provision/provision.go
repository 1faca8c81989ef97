// Capacity provisioning
// Create and destroy the backend behind a hostname

package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrNoContainer = errors.New("provision: container was not started")
	ErrNotReady    = errors.New("provision: backend did not report its identity")
)

// TeardownTimeout bounds one teardown started by TeardownContext.
var TeardownTimeout = 30 * time.Second

// TeardownContext keeps the values of ctx but not its deadline or
// cancellation: a backend started under a context that has since expired
// must still be stopped.
func TeardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), TeardownTimeout)
}

// Provisioner owns the lifecycle of the backend reachable at a hostname.
type Provisioner interface {
	Create(ctx context.Context, hostname string) error
	Destroy(ctx context.Context, hostname string) error
}

// Static is used for backends that are managed elsewhere; every call succeeds.
type Static struct{}

func (Static) Create(context.Context, string) error  { return nil }
func (Static) Destroy(context.Context, string) error { return nil }

// Chain runs provisioners in order, e.g. start a container, then announce it.
type Chain []Provisioner

// Create stops at the first failure and destroys what the earlier
// provisioners already created.
func (c Chain) Create(ctx context.Context, hostname string) error {
	for i, p := range c {
		if err := p.Create(ctx, hostname); err != nil {
			tctx, cancel := TeardownContext(ctx)
			defer cancel()
			for j := i - 1; j >= 0; j-- {
				if derr := c[j].Destroy(tctx, hostname); derr != nil {
					logrus.WithFields(logrus.Fields{
						"func_name": "Chain.Create",
						"hostname":  hostname,
					}).Warnf("rollback step %d: %v", j, derr)
				}
			}
			return fmt.Errorf("provision step %d: %w", i, err)
		}
	}
	return nil
}

// Destroy runs every step in reverse order, even after failures.
func (c Chain) Destroy(ctx context.Context, hostname string) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Destroy(ctx, hostname); err != nil {
			errs = append(errs, fmt.Errorf("teardown step %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
