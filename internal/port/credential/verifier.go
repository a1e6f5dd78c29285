// Package credential defines the port to the external identity source that
// validates bearer credentials.
package credential

import (
	"context"

	"github.com/Strob0t/DeskRelay/internal/domain/identity"
)

// Verifier validates a bearer credential (signature and expiry) and derives
// the identity it carries. Failures are reported as *identity.AuthError.
type Verifier interface {
	Verify(ctx context.Context, token string) (identity.Identity, error)
}
