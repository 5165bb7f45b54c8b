// Package credential abstracts resolve_credential(key) -> Secret
// (design note §9). The concrete OS secret-store integration is an
// external collaborator (spec §1); this package ships the interface
// plus an env-var-backed resolver for local/dev use, generalized from
// the teacher's flat Authorization.Cookie/Token config fields.
package credential

import (
	"fmt"
	"os"
	"strings"

	"github.com/QusaiiSaleem/visionops/internal/errs"
)

// Secret is an opaque resolved credential value. It is never logged.
type Secret struct {
	value string
}

// String intentionally redacts the value; use Reveal() to extract it
// right before use (e.g. setting an Authorization header).
func (s Secret) String() string { return "[redacted]" }

// Reveal returns the underlying secret value.
func (s Secret) Reveal() string { return s.value }

// Empty reports whether no secret was set.
func (s Secret) Empty() bool { return s.value == "" }

// Resolver resolves an opaque credential key to a Secret.
type Resolver interface {
	Resolve(key string) (Secret, error)
}

// EnvResolver resolves credentials from environment variables named
// "<Prefix><UPPERCASED key with '.'/'-' replaced by '_'>". This is the
// fallback used until the host service harness wires in the real OS
// credential vault.
type EnvResolver struct {
	Prefix string
}

// NewEnvResolver returns a Resolver backed by environment variables.
func NewEnvResolver(prefix string) *EnvResolver {
	return &EnvResolver{Prefix: prefix}
}

func (r *EnvResolver) envName(key string) string {
	k := strings.ToUpper(key)
	k = strings.NewReplacer(".", "_", "-", "_").Replace(k)
	return r.Prefix + k
}

// Resolve looks up the credential. A missing key is a Configuration
// error at startup and a warning (last-good value retained) at
// runtime — callers decide which per spec §7.
func (r *EnvResolver) Resolve(key string) (Secret, error) {
	if key == "" {
		return Secret{}, nil
	}
	name := r.envName(key)
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return Secret{}, fmt.Errorf("%w: credential %q not found (expected env %s)", errs.Configuration, key, name)
	}
	return Secret{value: v}, nil
}

var _ Resolver = (*EnvResolver)(nil)
