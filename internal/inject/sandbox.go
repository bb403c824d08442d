package inject

import (
	"fmt"
	"time"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/dgnsrekt/gmhost/internal/gm"
	"github.com/dgnsrekt/gmhost/internal/script"
	"github.com/robertkrimen/otto"
)

const interruptRetry = 10 * time.Millisecond

// sandbox is one script's VM on one page. It is only used on the page loop.
type sandbox struct {
	script  *script.Script
	vm      *otto.Otto
	bridge  *gm.Bridge
	timeout time.Duration
	onError func(label string, err error)
	// dead is set once the VM has been interrupted; its state is no longer
	// trusted and further callbacks are dropped.
	dead bool
}

func newSandbox(sc *script.Script, bridge *gm.Bridge, timeout time.Duration, onError func(string, error)) (*sandbox, error) {
	vm := otto.New()
	vm.Interrupt = make(chan func(), 1)
	s := &sandbox{script: sc, vm: vm, bridge: bridge, timeout: timeout, onError: onError}
	if err := gm.Bind(vm, bridge, s.callback); err != nil {
		return nil, err
	}
	return s, nil
}

// runBody executes @require code and the script body.
func (s *sandbox) runBody() error {
	src := gm.WrapBody(s.script)
	return s.guard("body", func() error {
		_, err := s.vm.Run(src)
		return err
	})
}

// callback is the gm.CallFunc used for xhr handlers and menu commands.
func (s *sandbox) callback(label string, fn otto.Value, args ...interface{}) {
	if s.dead {
		return
	}
	err := s.guard(label, func() error {
		_, err := fn.Call(otto.UndefinedValue(), args...)
		return err
	})
	if err != nil && s.onError != nil {
		s.onError(label, err)
	}
}

// guard runs fn with the execution time limit. Past the limit the VM is
// interrupted repeatedly until fn returns.
func (s *sandbox) guard(label string, fn func() error) (err error) {
	if s.timeout > 0 {
		stop := make(chan struct{})
		exited := make(chan struct{})
		go s.watchdog(stop, exited)
		defer func() {
			close(stop)
			<-exited
			select {
			case <-s.vm.Interrupt:
			default:
			}
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			s.dead = true
			if r == gm.ErrTimeLimit {
				err = apperr.Injection(label, gm.ErrTimeLimit)
				return
			}
			err = apperr.Injection(label, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(); err != nil {
		return apperr.Injection(label, err)
	}
	return nil
}

func (s *sandbox) watchdog(stop <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-stop:
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(interruptRetry)
	defer ticker.Stop()
	for {
		select {
		case s.vm.Interrupt <- func() { panic(gm.ErrTimeLimit) }:
		case <-stop:
			return
		}
		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}
