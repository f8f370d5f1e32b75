package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/backkem/gaia/pkg/event"
	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/manager"
	"github.com/backkem/gaia/pkg/monitor"
	"github.com/backkem/gaia/pkg/session"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/backkem/gaia/pkg/upgrade"
	"github.com/pion/logging"
)

// controller drives one device through the manager. Its handlers run on
// the loop.
type controller struct {
	opts    Options
	out     io.Writer
	mgr     *manager.Manager
	updates *event.Bus[upgrade.Event]
	id      transport.Identity
	image   []byte

	started bool
	done    chan error
}

func run(ctx context.Context, o Options) error {
	var image []byte
	if o.Image != "" {
		var err error
		if image, err = os.ReadFile(o.Image); err != nil {
			return err
		}
		if len(image) == 0 {
			return fmt.Errorf("%s is empty", o.Image)
		}
	}

	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = o.LogLevel

	l := loop.New()
	l.Start()
	defer l.Stop()

	conn, connector, err := newConnection(ctx, o, l, lf)
	if err != nil {
		return err
	}
	c, err := newController(o, l, conn, connector, image, os.Stdout, lf)
	if err != nil {
		return err
	}
	defer l.Do(c.mgr.Close)

	if o.Monitor != "" {
		stop, err := c.serveMonitor(o.Monitor, lf)
		if err != nil {
			return err
		}
		defer stop()
	}

	err = doErr(l, func() error {
		if err := c.mgr.Add(conn); err != nil {
			return err
		}
		return c.mgr.Connect(c.id)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.New("timed out")
		}
		fmt.Fprintln(c.out, "Shutting down...")
		return nil
	}
}

func newController(o Options, exec loop.Executor, conn transport.Connection, connector manager.Connector, image []byte, out io.Writer, lf logging.LoggerFactory) (*controller, error) {
	registry := session.NewRegistry()
	updates := &event.Bus[upgrade.Event]{}
	if err := upgrade.Register(registry, upgrade.Config{Bus: updates}); err != nil {
		return nil, err
	}

	mgr, err := manager.New(manager.Config{
		Executor:       exec,
		Connector:      connector,
		Registry:       registry,
		ReconnectDelay: o.ReconnectDelay,
		LoggerFactory:  lf,
	})
	if err != nil {
		return nil, err
	}

	c := &controller{
		opts:    o,
		out:     out,
		mgr:     mgr,
		updates: updates,
		id:      conn.Identity(),
		image:   image,
		done:    make(chan error, 1),
	}
	mgr.Subscribe(c.managerEvent)
	updates.Subscribe(c.updateEvent)
	return c, nil
}

// serveMonitor streams the controller's events to WebSocket clients on
// addr.
func (c *controller) serveMonitor(addr string, lf logging.LoggerFactory) (stop func(), err error) {
	hub := monitor.New(monitor.Config{LoggerFactory: lf})
	c.mgr.Subscribe(hub.ManagerEvent)
	c.updates.Subscribe(hub.UpdateEvent)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	srv := &http.Server{Handler: hub, ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(l)
	fmt.Fprintf(c.out, "Monitor on ws://%s\n", l.Addr())

	return func() {
		hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

func (c *controller) finish(err error) {
	select {
	case c.done <- err:
	default:
	}
}

func (c *controller) managerEvent(ev manager.Event) {
	switch ev.Type {
	case manager.EventSessionStateChanged:
		if ev.Err != nil {
			fmt.Fprintf(c.out, "%s: %s (%v)\n", ev.Device, ev.State, ev.Err)
		} else {
			fmt.Fprintf(c.out, "%s: %s\n", ev.Device, ev.State)
		}
		if ev.State == session.StateProtocolReady {
			c.ready(ev.Device)
		}
	case manager.EventReconnectScheduled:
		fmt.Fprintf(c.out, "%s: reconnecting in %v\n", ev.Device, ev.Delay)
	case manager.EventReconnectAbandoned:
		c.finish(fmt.Errorf("%s: gave up reconnecting", ev.Device))
	case manager.EventUpdateRestartPending:
		fmt.Fprintf(c.out, "%s: waiting for the accessory to restart\n", ev.Device)
	case manager.EventUpdateResumed:
		fmt.Fprintf(c.out, "%s: update resumed\n", ev.Device)
	case manager.EventUpdateAbandoned:
		c.finish(fmt.Errorf("update abandoned: %v", ev.Err))
	case manager.EventHandoverTimedOut:
		fmt.Fprintf(c.out, "%s: handover did not happen, update continues\n", ev.Device)
	}
}

// ready prints the session and starts the update on the first ready
// session. Later sessions are resumed by the manager.
func (c *controller) ready(id transport.Identity) {
	s, ok := c.mgr.Session(id)
	if !ok {
		return
	}
	fmt.Fprint(c.out, describe(s))

	if c.image == nil || c.started {
		return
	}
	p, ok := session.PluginAs[*upgrade.Plugin](s, session.UpdateFeature)
	if !ok {
		c.finish(errors.New("accessory does not support updates"))
		return
	}
	t := upgrade.Transfer{
		Destination: s.Identities(),
		File:        c.image,
		Settings:    upgrade.Settings{AutoCommit: c.opts.AutoCommit, UseRWCP: c.opts.RWCP},
	}
	if err := p.StartTransfer(t); err != nil {
		c.finish(fmt.Errorf("start update: %w", err))
		return
	}
	c.started = true
	fmt.Fprintf(c.out, "Pushing %d bytes (file id %08x)\n", len(c.image), t.FileID())
}

func (c *controller) updateEvent(ev upgrade.Event) {
	switch ev.Type {
	case upgrade.EventPhaseChanged:
		fmt.Fprintf(c.out, "update: %s\n", ev.Phase)
		switch ev.Phase {
		case upgrade.PhaseComplete:
			c.finish(nil)
		case upgrade.PhaseAborted:
			c.finish(fmt.Errorf("update aborted: %v", ev.Err))
		}
	case upgrade.EventProgress:
		if ev.Total > 0 {
			fmt.Fprintf(c.out, "update: %d/%d bytes (%d%%)\n", ev.Sent, ev.Total, ev.Sent*100/ev.Total)
		}
	case upgrade.EventCommitRequested:
		s, ok := c.mgr.Session(c.id)
		if !ok {
			return
		}
		if p, ok := session.PluginAs[*upgrade.Plugin](s, session.UpdateFeature); ok {
			fmt.Fprintln(c.out, "update: committing")
			if err := p.Commit(); err != nil {
				c.finish(fmt.Errorf("commit: %w", err))
			}
		}
	}
}

func describe(s *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  protocol:   %s (api %v)\n", s.Version(), s.APIVersion())
	if addr := s.Address(); addr != "" {
		fmt.Fprintf(&b, "  address:    %s\n", addr)
	}
	if serials := s.Serials(); len(serials) > 0 {
		fmt.Fprintf(&b, "  serials:    %s\n", strings.Join(serials, ", "))
	}
	var features []string
	for _, f := range s.Features() {
		features = append(features, fmt.Sprintf("%s v%d", f.Feature, f.Version))
	}
	if len(features) > 0 {
		fmt.Fprintf(&b, "  features:   %s\n", strings.Join(features, ", "))
	}
	return b.String()
}

// doErr runs fn on the loop and returns its error.
func doErr(l *loop.Loop, fn func() error) error {
	var err error
	if doneErr := l.Do(func() { err = fn() }); doneErr != nil {
		return doneErr
	}
	return err
}
