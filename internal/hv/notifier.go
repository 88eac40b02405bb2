package hv

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// EventNotifier wraps an eventfd. One side signals with Notify, the
// other observes with TestAndClear or by polling Fd from an event loop.
type EventNotifier struct {
	f *os.File
}

// NewEventNotifier creates a non-blocking eventfd notifier.
func NewEventNotifier() (*EventNotifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("hv: eventfd: %w", err)
	}
	return &EventNotifier{f: os.NewFile(uintptr(fd), "eventfd")}, nil
}

// Notify increments the counter, firing the notifier.
func (n *EventNotifier) Notify() error {
	var one [8]byte
	one[0] = 1
	if _, err := n.f.Write(one[:]); err != nil {
		return fmt.Errorf("hv: eventfd write: %w", err)
	}
	return nil
}

// TestAndClear consumes a pending notification. It returns false when
// the notifier has not fired since the last clear.
func (n *EventNotifier) TestAndClear() bool {
	// Fd switches the descriptor to blocking mode, so restore O_NONBLOCK
	// and read the counter directly.
	fd := n.Fd()
	if err := unix.SetNonblock(fd, true); err != nil {
		return false
	}
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	return err == nil
}

// Fd returns the underlying file descriptor for event-loop registration.
func (n *EventNotifier) Fd() int {
	return int(n.f.Fd())
}

// File returns the notifier as an *os.File, usable with poll wrappers.
func (n *EventNotifier) File() *os.File {
	return n.f
}

// Close releases the eventfd.
func (n *EventNotifier) Close() error {
	return n.f.Close()
}

// WaitReadable blocks until the notifier fd is readable or the poll is
// interrupted. Used by event loops that do not multiplex further.
func (n *EventNotifier) WaitReadable() error {
	fds := []unix.PollFd{{Fd: int32(n.Fd()), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("hv: poll eventfd: %w", err)
		}
		return nil
	}
}
