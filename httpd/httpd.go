package httpd

import "context"

// HTTPd is the interface for nacme to provide an HTTP daemon.
type HTTPd interface {
	Serve(ctx context.Context, addr string) error
}
