package dp

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// waker turns the wakeup signal into a channel event. Any signal delivery
// may be spurious or coalesced; waiters re-check the ready flag.
type waker struct {
	sig syscall.Signal
	c   chan os.Signal
}

func newWaker(sig syscall.Signal) *waker {
	w := &waker{sig: sig, c: make(chan os.Signal, 1)}
	signal.Notify(w.c, sig)
	return w
}

func (w *waker) stop() {
	signal.Stop(w.c)
}

// kick signals pid. A zero pid has not published itself yet and will find
// the flag when it polls.
func kick(pid int, sig syscall.Signal) error {
	if pid == 0 {
		return nil
	}
	for {
		err := unix.Kill(pid, sig)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ESRCH):
			return fmt.Errorf("%w: pid %d", ErrPeerGone, pid)
		default:
			return fmt.Errorf("signal pid %d: %w", pid, err)
		}
	}
}
