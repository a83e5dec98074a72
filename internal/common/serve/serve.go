package serve

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
)

const shutdownTimeout = 5 * time.Second

// NewServer returns a server for handler listening on all interfaces on port.
func NewServer(port uint16, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ListenAndServe runs server until ctx is cancelled, then shuts it down gracefully.
// A nil server is accepted and returns immediately.
func ListenAndServe(ctx *benchcontext.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return errors.WithStack(err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := benchcontext.WithTimeout(benchcontext.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.WithStack(err)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WithStack(err)
	}
	return nil
}
