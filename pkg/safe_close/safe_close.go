package safe_close

import "sync"

// SafeClose coordinates the shutdown of a main goroutine and the
// goroutines it attaches.
//
// The main goroutine waits on ReceiveCloseSignal and calls Done before
// it returns. Workers are started with Attach and also watch the close
// signal. Any of them may call SendCloseSignal with the error that
// stopped it. Callers outside of the service use CloseWait. Calling
// CloseWait from inside an attached goroutine deadlocks.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	closeErr    error

	done     chan struct{}
	doneOnce sync.Once
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// CloseWait sends the close signal and blocks until Done was called
// and every attached goroutine returned. It can be called many times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal closes the close signal channel. Only the error of
// the first call is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-s.closeSignal:
	default:
		s.closeErr = err
		close(s.closeSignal)
	}
}

// Err returns the error of the first SendCloseSignal.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Attach runs f in a new goroutine that CloseWait waits for. f must
// call done when it returns. f is not run if the close signal was sent.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return
	default:
	}
	s.wg.Add(1)
	s.m.Unlock()

	go f(s.wg.Done, s.closeSignal)
}

// Done marks the main goroutine as finished. It can be called many times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() { close(s.done) })
}
