// Package ioproc is the I/O subprocess: it moves frames between the shared
// segment's channels and a link transport. The output loop executes
// controller commands; the input loop forwards every frame the transport
// reads. Each loop suspends only on its own channel or on the transport.
package ioproc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"firestige.xyz/dpni/internal/core"
	"firestige.xyz/dpni/internal/dp"
	"firestige.xyz/dpni/internal/log"
	"firestige.xyz/dpni/internal/metrics"
	"firestige.xyz/dpni/internal/netio"
)

// Options tune the loops.
type Options struct {
	Device      string
	RetryBudget int
	RetryDelay  time.Duration
	Debug       uint32 // dp.Debug* bits from the segment header
}

// Server runs both loops for one device.
type Server struct {
	ep   *dp.Endpoint
	tr   netio.Transport
	opts Options
	log  log.Logger
}

// New binds an endpoint (DP side) to a transport.
func New(ep *dp.Endpoint, tr netio.Transport, opts Options) *Server {
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 10
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	return &Server{
		ep:   ep,
		tr:   tr,
		opts: opts,
		log:  log.GetLogger().WithFields(logrus.Fields{"device": opts.Device, "side": "dp"}),
	}
}

// Run announces the bound hardware address and then serves until ctx ends,
// the controller sends Shutdown, or a loop fails fatally.
func (s *Server) Run(ctx context.Context) error {
	if err := s.announce(ctx); err != nil {
		return err
	}
	s.log.WithField("hw", s.tr.HardwareAddr().String()).Info("dp attached")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errc <- s.outputLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		errc <- s.inputLoop(ctx)
	}()

	// Whichever loop ends first ends the other.
	err := <-errc
	cancel()
	wg.Wait()
	if err2 := <-errc; err == nil {
		err = err2
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (s *Server) announce(ctx context.Context) error {
	hw := s.tr.HardwareAddr()
	if len(hw) != 6 {
		return fmt.Errorf("transport hardware address %v is not 48 bits", hw)
	}
	if err := s.ep.Out.WaitSendable(ctx); err != nil {
		return err
	}
	return s.ep.Out.SendBytes(dp.CmdInit, hw)
}

// errShutdown ends the output loop on a Shutdown command.
var errShutdown = errors.New("shutdown requested")

func (s *Server) outputLoop(ctx context.Context) error {
	in := s.ep.In
	for {
		if err := in.WaitReceivable(ctx); err != nil {
			return err
		}
		cmd, msg, ok := in.Message()
		if !ok {
			continue
		}
		err := s.execute(ctx, cmd, msg)
		if derr := in.Done(); derr != nil {
			return derr
		}
		switch {
		case errors.Is(err, errShutdown):
			s.log.Info("dp shutdown requested")
			return context.Canceled
		case err != nil:
			return err
		}
	}
}

func (s *Server) execute(ctx context.Context, cmd dp.Command, msg []byte) error {
	switch cmd {
	case dp.CmdSend:
		s.traceFrame("out", msg)
		return s.retry(ctx, "out", func() error { return s.tr.WriteFrame(msg) })
	case dp.CmdSetMulticast:
		groups := make([]net.HardwareAddr, 0, len(msg)/6)
		for i := 0; i+6 <= len(msg); i += 6 {
			groups = append(groups, net.HardwareAddr(append([]byte(nil), msg[i:i+6]...)))
		}
		if err := s.tr.SetMulticast(groups); err != nil {
			s.log.WithError(err).Warn("set multicast failed")
		}
	case dp.CmdSetPromiscuous:
		on := len(msg) > 0 && msg[0] != 0
		if err := s.tr.SetPromiscuous(on); err != nil {
			s.log.WithError(err).Warn("set promiscuous failed")
		}
	case dp.CmdShutdown:
		return errShutdown
	default:
		s.log.WithField("cmd", cmd.String()).Warn("unknown command from controller")
	}
	return nil
}

func (s *Server) inputLoop(ctx context.Context) error {
	out := s.ep.Out
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := s.tr.ReadFrame()
		if err != nil {
			if errors.Is(err, core.ErrTransportTimeout) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, netio.ErrClosed) {
				return ctx.Err()
			}
			if !transient(err) {
				return fmt.Errorf("read frame: %w", err)
			}
			failures++
			metrics.TransportRetriesTotal.WithLabelValues(s.opts.Device, "in").Inc()
			if failures > s.opts.RetryBudget {
				return fmt.Errorf("%w: read: %v", core.ErrRetryExhausted, err)
			}
			time.Sleep(s.opts.RetryDelay)
			continue
		}
		failures = 0
		if len(frame) > len(out.Buffer()) {
			s.log.WithField("len", len(frame)).Warn("oversized frame dropped")
			continue
		}
		if err := out.WaitSendable(ctx); err != nil {
			return err
		}
		s.traceFrame("in", frame)
		if err := out.SendBytes(dp.CmdReceive, frame); err != nil {
			return err
		}
	}
}

func (s *Server) traceFrame(direction string, frame []byte) {
	if s.opts.Debug&dp.DebugFrames == 0 || len(frame) < 14 {
		return
	}
	s.log.WithFields(logrus.Fields{
		"dir": direction,
		"dst": net.HardwareAddr(frame[0:6]).String(),
		"src": net.HardwareAddr(frame[6:12]).String(),
		"len": len(frame),
	}).Info("frame")
}

// retry runs op until it succeeds, fails permanently, or the retry budget is
// spent.
func (s *Server) retry(ctx context.Context, direction string, op func() error) error {
	var err error
	for attempt := 0; attempt <= s.opts.RetryBudget; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !transient(err) {
			s.log.WithError(err).Warn("write frame failed")
			return nil
		}
		metrics.TransportRetriesTotal.WithLabelValues(s.opts.Device, direction).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.RetryDelay):
		}
	}
	return fmt.Errorf("%w: write: %v", core.ErrRetryExhausted, err)
}

func transient(err error) bool {
	return errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, core.ErrTransportTimeout)
}
