package profiling

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	runtimepprof "runtime/pprof"
	"time"

	"github.com/pkg/errors"
)

// SetupPprofHttpServer returns a server exposing the net/http/pprof endpoints on localhost, or nil if port is nil.
func SetupPprofHttpServer(port *uint16) *http.Server {
	if port == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return &http.Server{
		Addr:              fmt.Sprintf("localhost:%d", *port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// StartCpuProfile writes a CPU profile to path until the returned function is called.
// An empty path disables profiling; the returned function is then a no-op.
func StartCpuProfile(path string) (stop func() error, err error) {
	if path == "" {
		return func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := runtimepprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, errors.WithStack(err)
	}
	return func() error {
		runtimepprof.StopCPUProfile()
		return errors.WithStack(f.Close())
	}, nil
}
