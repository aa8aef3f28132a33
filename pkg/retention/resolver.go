package retention

import (
	"fmt"

	"github.com/cloudreaper/cloudreaper/pkg/engine"
	"github.com/cloudreaper/cloudreaper/pkg/telemetry"
)

// SourceTagPrefix prefixes the marker tag that records a derived
// artifact's source id at creation time. The deployment name is
// appended so stacks sharing an account never read each other's
// markers.
const SourceTagPrefix = "cloudreaper:source-id"

// SourceTagName returns the per-deployment source marker tag key.
func SourceTagName(deployment string) string {
	return fmt.Sprintf("%s:%s", SourceTagPrefix, deployment)
}

// OwnerResolver recovers the parent/child link between a derived
// artifact and its source resource. Providers do not always report the
// linkage directly; artifacts created here carry a marker tag as a
// fallback.
type OwnerResolver struct {
	deployment string
	logger     *telemetry.Logger
}

// NewOwnerResolver creates a resolver scoped to one deployment.
func NewOwnerResolver(deployment string, logger *telemetry.Logger) *OwnerResolver {
	return &OwnerResolver{deployment: deployment, logger: logger}
}

// ResolveOwner returns the owner key for a derived artifact, or an
// empty string when none can be determined. A provider-reported parent
// id wins over the marker tag.
func (r *OwnerResolver) ResolveOwner(res engine.Resource) string {
	if res.ParentID != "" {
		return res.ParentID
	}
	if owner := res.Tag(SourceTagName(r.deployment)); owner != "" {
		return owner
	}
	r.logger.WithResourceID(res.ID).Debug("no owner found for derived artifact")
	return ""
}

// Resolve builds retention candidates from raw resources, attaching
// owner keys. Resources without a resolvable owner get an empty key;
// count-mode selection excludes and reports them.
func (r *OwnerResolver) Resolve(resources []engine.Resource) []Candidate {
	candidates := make([]Candidate, 0, len(resources))
	for _, res := range resources {
		candidates = append(candidates, Candidate{
			Resource: res,
			Owner:    r.ResolveOwner(res),
		})
	}
	return candidates
}
