package api

import (
	"net/http"
	"strings"
)

// Request headers set by the fronting application. Authentication happens
// upstream; this service trusts them.
const (
	HeaderUser = "X-User"
	HeaderRole = "X-User-Role"
)

// DefaultActor is recorded when a request names no user.
const DefaultActor = "api"

// Capabilities are the elevated permissions a role grants.
type Capabilities struct {
	CanSeeArchived bool
	CanMerge       bool
}

// ResolveCapabilities maps a role name to its capabilities. Unknown and
// empty roles get the zero value.
func ResolveCapabilities(role string) Capabilities {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "superadmin", "admin":
		return Capabilities{CanSeeArchived: true, CanMerge: true}
	case "manager", "program manager", "leader":
		return Capabilities{CanMerge: true}
	default:
		return Capabilities{}
	}
}

func capabilitiesOf(r *http.Request) Capabilities {
	return ResolveCapabilities(r.Header.Get(HeaderRole))
}

func actorOf(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get(HeaderUser)); u != "" {
		return u
	}
	return DefaultActor
}
