package ows

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// OutputStrategy decides how a response reaches the client.
type OutputStrategy interface {
	// Destination returns the writer responses write to.
	Destination(w http.ResponseWriter) io.Writer
	// Flush pushes pending output to the client.
	Flush(w http.ResponseWriter) error
	// Abort discards pending output after a failure.
	Abort()
}

// OutputStrategyFactory creates the strategy of one call.
type OutputStrategyFactory func(req *Request) OutputStrategy

// DirectOutputStrategy streams straight to the client.
type DirectOutputStrategy struct{}

func NewDirectOutputStrategy(*Request) OutputStrategy {
	return &DirectOutputStrategy{}
}

func (s *DirectOutputStrategy) Destination(w http.ResponseWriter) io.Writer {
	return w
}

func (s *DirectOutputStrategy) Flush(w http.ResponseWriter) error {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *DirectOutputStrategy) Abort() {}

// BufferedOutputStrategy holds the whole response in memory and sends it
// on Flush, so a failing response never reaches the client half written.
type BufferedOutputStrategy struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	aborted bool
}

func NewBufferedOutputStrategy(*Request) OutputStrategy {
	return &BufferedOutputStrategy{}
}

func (s *BufferedOutputStrategy) Destination(http.ResponseWriter) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.aborted {
			return 0, io.ErrClosedPipe
		}
		return s.buf.Write(p)
	})
}

func (s *BufferedOutputStrategy) Flush(w http.ResponseWriter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return nil
	}
	if _, err := s.buf.WriteTo(w); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *BufferedOutputStrategy) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	s.buf.Reset()
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}

// abortWriter reports write failures as ClientStreamAbortedError.
type abortWriter struct {
	w io.Writer
}

func (a *abortWriter) Write(p []byte) (int, error) {
	n, err := a.w.Write(p)
	if err != nil {
		return n, &ClientStreamAbortedError{Err: err}
	}
	return n, nil
}
