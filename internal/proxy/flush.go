package proxy

import (
	"errors"
	"net/http"
)

// flusher returns a flush func for w. Writers that cannot flush are treated
// as flushed, so only a broken connection aborts the event stream.
func flusher(w http.ResponseWriter) func() error {
	rc := http.NewResponseController(w)
	return func() error {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}
}
