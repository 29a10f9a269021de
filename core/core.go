package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/connector"
	"github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/queue"
	"github.com/stephnangue/wearlink/ratelimit"
	"github.com/stephnangue/wearlink/tokenstore"
)

var (
	// ErrVendorNotConfigured is returned for a vendor that has a driver but
	// no vendor block.
	ErrVendorNotConfigured = errors.New("vendor is not configured")

	// ErrInvalidRequest marks caller mistakes that no retry can fix.
	ErrInvalidRequest = errors.New("invalid request")
)

// CoreConfig carries the already constructed dependencies of a Core.
type CoreConfig struct {
	Config     *config.Config
	Drivers    *connector.Registry
	Store      *tokenstore.Store
	Limiter    *ratelimit.Limiter
	Dispatcher *queue.Dispatcher
	Logger     logger.Logger
}

// Core ties the connectors of every configured vendor to the shared token
// store, rate limiter and event dispatcher.
type Core struct {
	conf       *config.Config
	connectors map[string]*connector.Connector
	store      *tokenstore.Store
	limiter    *ratelimit.Limiter
	dispatcher *queue.Dispatcher
	webhooks   *webhookLog

	pullConcurrency int

	logger logger.Logger
	now    func() time.Time
}

// NewCore builds one connector per vendor block. A block naming a vendor
// without a driver fails startup.
func NewCore(conf *CoreConfig) (*Core, error) {
	if conf.Config == nil || conf.Drivers == nil || conf.Store == nil || conf.Limiter == nil || conf.Dispatcher == nil {
		return nil, errors.New("core: config, drivers, store, limiter and dispatcher are required")
	}
	log := conf.Logger
	if log == nil {
		log = logger.NewNop()
	}
	c := &Core{
		conf:            conf.Config,
		connectors:      make(map[string]*connector.Connector, len(conf.Config.Vendors)),
		store:           conf.Store,
		limiter:         conf.Limiter,
		dispatcher:      conf.Dispatcher,
		pullConcurrency: conf.Config.MaxPullConcurrency(),
		logger:          log.WithSubsystem("core"),
		now:             time.Now,
	}
	if conf.Config.WebhookLog != nil {
		c.webhooks = newWebhookLog(conf.Config.WebhookLog)
	}

	var result *multierror.Error
	for i := range conf.Config.Vendors {
		block := &conf.Config.Vendors[i]
		driver, err := conf.Drivers.Get(block.Name)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("vendor %q: %w", block.Name, err))
			continue
		}
		conn, err := connector.New(driver, block, conf.Store, conf.Limiter, log)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("vendor %q: %w", block.Name, err))
			continue
		}
		c.connectors[block.Name] = conn
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	c.logger.Info("core initialized", logger.Any("vendors", c.Vendors()))
	return c, nil
}

// Vendors lists the configured vendors in name order.
func (c *Core) Vendors() []string {
	out := make([]string, 0, len(c.connectors))
	for name := range c.connectors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Connector returns the connector of a configured vendor.
func (c *Core) Connector(vendor string) (*connector.Connector, error) {
	conn, ok := c.connectors[vendor]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrVendorNotConfigured, vendor)
	}
	return conn, nil
}

func (c *Core) Logger() logger.Logger {
	return c.logger
}

// Close drains the dispatcher and releases the token store and the
// webhook log.
func (c *Core) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := c.dispatcher.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("dispatcher: %w", err))
	}
	if c.webhooks != nil {
		if err := c.webhooks.close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("webhook log: %w", err))
		}
	}
	c.store.Close()
	c.logger.Info("core stopped")
	return result.ErrorOrNil()
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
