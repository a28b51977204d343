package status

import (
	"context"

	"github.com/bridgechat/bridge/internal/bus"
	"github.com/bridgechat/bridge/internal/transport"
	"go.uber.org/zap"
)

// Driver maps connection and sync events onto runtime state transitions, so
// that the machine always reflects what the transport and sync engine are
// actually doing.
type Driver struct {
	machine *Machine
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewDriver creates a driver for the given machine.
func NewDriver(m *Machine, b *bus.Bus, logger *zap.Logger) *Driver {
	return &Driver{machine: m, bus: b, logger: logger}
}

// Start subscribes to connection and sync events.
func (d *Driver) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	ch, unsub := d.bus.SubscribeKinds(64,
		transport.EventConnState,
		transport.EventAuthRequired,
		"sync.caught_up",
	)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				d.handle(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the driver.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Driver) handle(evt bus.Event) {
	switch evt.Kind {
	case transport.EventConnState:
		st, ok := evt.Payload.(transport.State)
		if !ok {
			return
		}
		d.connStateChanged(st)

	case transport.EventAuthRequired:
		d.move(AuthRequired)

	case "sync.caught_up":
		if d.machine.Current() == Syncing || d.machine.Current() == Degraded {
			d.move(Ready)
		}
	}
}

func (d *Driver) connStateChanged(st transport.State) {
	switch st {
	case transport.Opening:
		switch d.machine.Current() {
		case Booting, AuthRequired, Reconnecting:
			d.move(Connecting)
		}
	case transport.Open:
		switch d.machine.Current() {
		case Connecting, Reconnecting:
			d.move(Syncing)
		case Degraded:
			d.move(Reconnecting)
			d.move(Syncing)
		}
	case transport.Closed:
		switch d.machine.Current() {
		case Syncing, Ready:
			d.move(Reconnecting)
		}
	}
}

func (d *Driver) move(to State) {
	if err := d.machine.Transition(to); err != nil {
		d.logger.Debug("state transition skipped",
			zap.String("to", string(to)),
			zap.String("current", string(d.machine.Current())))
	}
}
