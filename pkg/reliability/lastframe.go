package reliability

import (
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/types"
)

const (
	tableLast = "last"
	tableFds  = "fds"

	keyFrame = "frame"
	keyUnit  = "unit"
)

// Frame is the last-frame breadcrumb: the subsystem and sub-subsystem
// currently executing. Written before any side-effecting step and cleared
// after; on recovery it names the interrupted step.
type Frame struct {
	F1 uint32  `msgpack:"f1"`
	F2 *uint32 `msgpack:"f2"`
	F3 *uint32 `msgpack:"f3"`
}

// SetLastFrame records the in-flight step. Breadcrumbs always write
// through regardless of the table policy; a breadcrumb that only lives in
// memory is worthless.
func (s *Store) SetLastFrame(f1 uint32, f2, f3 *uint32) {
	if s.lastIgnore {
		return
	}
	t := s.Table(tableLast)
	_ = t.Insert(keyFrame, Frame{F1: f1, F2: f2, F3: f3})
	s.flushLast(t)
}

// ClearLastFrame erases the breadcrumb after the step completed.
func (s *Store) ClearLastFrame() {
	if s.lastIgnore {
		return
	}
	t := s.Table(tableLast)
	_ = t.Remove(keyFrame)
	s.flushLast(t)
}

// SetLastUnit records the unit the in-flight step concerns.
func (s *Store) SetLastUnit(id string) {
	if s.lastIgnore {
		return
	}
	t := s.Table(tableLast)
	_ = t.Insert(keyUnit, id)
	s.flushLast(t)
}

// ClearLastUnit erases the last-unit breadcrumb.
func (s *Store) ClearLastUnit() {
	if s.lastIgnore {
		return
	}
	t := s.Table(tableLast)
	_ = t.Remove(keyUnit)
	s.flushLast(t)
}

func (s *Store) flushLast(t *Table) {
	if s.policy == PolicyBuffer {
		// The table helpers only auto-commit under cache-all.
		if err := s.Commit(); err != nil {
			s.log.Error().Err(err).Msg("failed to flush breadcrumb")
		}
	}
}

// LastFrame returns the recorded breadcrumb, if any.
func (s *Store) LastFrame() (Frame, bool) {
	var f Frame
	ok, err := s.Table(tableLast).Get(keyFrame, &f)
	if err != nil {
		s.log.Error().Err(err).Msg("corrupt last-frame record")
		return Frame{}, false
	}
	return f, ok
}

// LastUnit returns the recorded last unit id, if any.
func (s *Store) LastUnit() (string, bool) {
	var id string
	ok, err := s.Table(tableLast).Get(keyUnit, &id)
	if err != nil {
		s.log.Error().Err(err).Msg("corrupt last-unit record")
		return "", false
	}
	return id, ok
}

// FdStore records an inheritable fd under a name and keeps it open across
// re-exec by clearing its close-on-exec flag.
func (s *Store) FdStore(fd int, name string) error {
	if err := s.FdCloexec(fd, false); err != nil {
		return err
	}
	return s.Table(tableFds).Insert(strconv.Itoa(fd), name)
}

// FdForget drops an fd from the pending table and restores close-on-exec.
func (s *Store) FdForget(fd int) error {
	_ = s.FdCloexec(fd, true)
	return s.Table(tableFds).Remove(strconv.Itoa(fd))
}

// FdCloexec sets or clears FD_CLOEXEC on fd.
func (s *Store) FdCloexec(fd int, cloexec bool) error {
	arg := 0
	if cloexec {
		arg = unix.FD_CLOEXEC
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, arg); err != nil {
		return types.WrapError(types.ErrIo, "fcntl F_SETFD", err)
	}
	return nil
}

// FdTake reclaims ownership of a named fd after re-exec. It returns the fd
// number, or -1 when no fd with that name is pending.
func (s *Store) FdTake(name string) int {
	t := s.Table(tableFds)
	for _, key := range t.Keys() {
		var n string
		if ok, _ := t.Get(key, &n); ok && n == name {
			fd, err := strconv.Atoi(key)
			if err != nil {
				continue
			}
			_ = t.Remove(key)
			return fd
		}
	}
	return -1
}

// Fds returns the pending fd table as fd → name.
func (s *Store) Fds() map[int]string {
	t := s.Table(tableFds)
	out := make(map[int]string)
	for _, key := range t.Keys() {
		fd, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		var name string
		if ok, _ := t.Get(key, &name); ok {
			out[fd] = name
		}
	}
	return out
}

// FdDisinheritAll clears close-on-exec on every pending fd so they survive
// the coming execve.
func (s *Store) FdDisinheritAll() {
	for fd := range s.Fds() {
		if err := s.FdCloexec(fd, false); err != nil {
			s.log.Warn().Err(err).Int("fd", fd).Msg("cannot disinherit fd")
		}
	}
}
