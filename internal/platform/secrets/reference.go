package secrets

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var secretNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// Reference identifies one Secret Manager secret, optionally pinned to a version or project:
//
//	secret://cart_redis_password
//	secret://cart_redis_password?version=3&project=hf-prod
//
// The legacy sm:// scheme is accepted and treated as secret://.
type Reference struct {
	Name    string
	Version string
	Project string
}

// ParseReference validates raw and splits it into its parts.
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: invalid reference: %w", err)
	}
	if u.Scheme != "secret" {
		return Reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if !secretNamePattern.MatchString(name) {
		return Reference{}, fmt.Errorf("secrets: invalid secret name %q", name)
	}
	query := u.Query()
	return Reference{
		Name:    name,
		Version: strings.TrimSpace(query.Get("version")),
		Project: strings.TrimSpace(query.Get("project")),
	}, nil
}

// String renders the reference without its query, which is how it is keyed in caches and logs.
func (r Reference) String() string {
	return "secret://" + r.Name
}

// resource is the Secret Manager version path for r in project at version.
func (r Reference) resource(project, version string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, r.Name, version)
}

// fallbackKey is the dotenv-safe key a local secrets file stores r under.
func (r Reference) fallbackKey() string {
	return strings.ReplaceAll(r.Name, "-", "_")
}
