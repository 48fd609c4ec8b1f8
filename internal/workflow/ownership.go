package workflow

import "context"

// Verifier checks that the caller actually owns/controls target before a
// scan against it is allowed to run. The mechanism (DNS TXT record, file
// upload, OAuth, ...) is an external concern; the workflow only needs the
// yes/no answer.
type Verifier interface {
	Verify(ctx context.Context, target string) (bool, error)
}

// AlwaysAllow is the default Verifier: every target passes. Deployments
// that need real ownership verification supply their own Verifier.
type AlwaysAllow struct{}

func (AlwaysAllow) Verify(context.Context, string) (bool, error) { return true, nil }
