package ratelimit

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/carehub/internal/config"
)

// VisitKeys names the per-visit completion lease.
type VisitKeys struct {
	prefix string
	tenant string
}

func NewVisitKeys(cfg config.Config) VisitKeys {
	return VisitKeys{prefix: lockPrefix(cfg), tenant: cfg.TenantID}
}

func (k VisitKeys) Completion(visitID string) string {
	return fmt.Sprintf("%s:%s:visit:%s:complete", k.prefix, k.tenant, strings.TrimSpace(visitID))
}
