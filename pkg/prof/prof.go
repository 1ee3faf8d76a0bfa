// Package prof collects runtime profiles around a run of the host stack.
//
// A Session starts the CPU profiler, optionally serves the /debug/pprof/
// endpoints and writes snapshot profiles when it stops:
//
//	s, err := prof.Start(prof.Options{CPU: "cpu.prof", Heap: "heap.prof"})
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// Block and mutex profiles need their sampling rates enabled before the
// interesting work; Start does that when the matching output is set.
package prof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"
	"time"

	"github.com/ardnew/softhcd/pkg"
)

// ErrActive is returned by Start while another session is running.
var ErrActive = errors.New("profiling session already active")

// Options selects the profiles of a session. Empty paths are skipped.
type Options struct {
	CPU       string `help:"Write a CPU profile to this file" type:"path"`
	Heap      string `help:"Write a heap profile to this file on exit" type:"path"`
	Block     string `help:"Write a blocking profile to this file on exit" type:"path"`
	Mutex     string `help:"Write a mutex contention profile to this file on exit" type:"path"`
	Goroutine string `help:"Write goroutine stacks to this file on exit" type:"path"`
	HTTP      string `help:"Serve /debug/pprof/ on this address"`
}

// Enabled reports whether any profile is selected.
func (o Options) Enabled() bool { return o != Options{} }

// Session is a running set of profiles.
type Session struct {
	opts    Options
	cpu     *os.File
	server  *http.Server
	addr    string
	served  chan error
	stopped bool
}

var (
	activeMu sync.Mutex
	active   bool
)

// Start begins profiling according to opts.
func Start(opts Options) (*Session, error) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active {
		return nil, ErrActive
	}

	s := &Session{opts: opts}
	if opts.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	if opts.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}
	if opts.CPU != "" {
		f, err := os.Create(opts.CPU)
		if err != nil {
			return nil, err
		}
		if err := rpprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, err
		}
		s.cpu = f
	}
	if opts.HTTP != "" {
		if err := s.serve(opts.HTTP); err != nil {
			s.stopCPU()
			return nil, err
		}
	}
	active = true
	return s, nil
}

func (s *Session) serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("pprof listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.addr = ln.Addr().String()
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.served = make(chan error, 1)
	go func() { s.served <- s.server.Serve(ln) }()
	pkg.LogInfo(pkg.ComponentHost, "serving pprof", "addr", s.addr)
	return nil
}

// Addr returns the address the pprof server listens on, or "" without one.
func (s *Session) Addr() string { return s.addr }

// Stop ends CPU profiling, shuts the pprof server down and writes the
// snapshot profiles. It is safe to call more than once.
func (s *Session) Stop() error {
	activeMu.Lock()
	defer activeMu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	active = false

	errs := []error{s.stopCPU()}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		errs = append(errs, s.server.Shutdown(ctx))
		cancel()
		if err := <-s.served; !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	for name, path := range map[string]string{
		"heap":      s.opts.Heap,
		"block":     s.opts.Block,
		"mutex":     s.opts.Mutex,
		"goroutine": s.opts.Goroutine,
	} {
		if path != "" {
			errs = append(errs, writeProfile(name, path))
		}
	}
	if s.opts.Block != "" {
		runtime.SetBlockProfileRate(0)
	}
	if s.opts.Mutex != "" {
		runtime.SetMutexProfileFraction(0)
	}
	return errors.Join(errs...)
}

func (s *Session) stopCPU() error {
	if s.cpu == nil {
		return nil
	}
	rpprof.StopCPUProfile()
	err := s.cpu.Close()
	s.cpu = nil
	return err
}

func writeProfile(name, path string) error {
	p := rpprof.Lookup(name)
	if p == nil {
		return fmt.Errorf("unknown profile %q", name)
	}
	if name == "heap" {
		runtime.GC()
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return fmt.Errorf("write %s profile: %w", name, err)
	}
	return f.Close()
}
