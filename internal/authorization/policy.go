// Package authorization decides what a profile may see and change. The same
// Policy backs the HTTP middleware and the write services.
package authorization

import (
	_ "embed"
	"errors"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/carehub/internal/identity"
	"github.com/smallbiznis/carehub/internal/registry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

var ErrUnauthorized = errors.New("unauthorized")

const (
	ActionRead      = "read"
	ActionWrite     = "write"
	ActionArchive   = "archive"
	ActionDischarge = "discharge"
)

// ObjectRecords is the object checked for actions that are not tied to a
// single category.
const ObjectRecords = "records"

const subjectAny = "role:any"

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewPolicy),
)

type EnforcerParams struct {
	fx.In

	DB *gorm.DB `optional:"true"`
}

type Params struct {
	fx.In

	Enforcer *casbin.SyncedEnforcer
	Log      *zap.Logger
}

// NewEnforcer builds the casbin enforcer. Policies are persisted through the
// gorm adapter when a database is configured and kept in memory otherwise.
func NewEnforcer(p EnforcerParams) (*casbin.SyncedEnforcer, error) {
	return newEnforcer(p.DB)
}

func newEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}

	var enforcer *casbin.SyncedEnforcer
	if db != nil {
		adapter, err := gormadapter.NewAdapterByDB(db)
		if err != nil {
			return nil, err
		}
		enforcer, err = casbin.NewSyncedEnforcer(m, adapter)
		if err != nil {
			return nil, err
		}
		enforcer.EnableAutoSave(true)
		if err := enforcer.LoadPolicy(); err != nil {
			return nil, err
		}
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err != nil {
			return nil, err
		}
	}
	enforcer.EnableAutoBuildRoleLinks(true)

	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

type Policy struct {
	enforcer *casbin.SyncedEnforcer
	log      *zap.Logger
}

func NewPolicy(p Params) *Policy {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Policy{enforcer: p.Enforcer, log: log.Named("authorization.policy")}
}

// CanSee reports whether the category is visible. Finance modules are
// limited to admin, director and finance roles; everything else is visible
// to every role, active or not.
func (p *Policy) CanSee(profile identity.Profile, category string) bool {
	object, ok := objectFor(category)
	if !ok {
		return false
	}
	return p.allowed(profile, object, ActionRead)
}

// CanWrite is false for every category while the profile is inactive.
func (p *Policy) CanWrite(profile identity.Profile, category string) bool {
	if !profile.IsActive {
		return false
	}
	object, ok := objectFor(category)
	if !ok {
		return false
	}
	return p.allowed(profile, object, ActionWrite)
}

func (p *Policy) CanArchive(profile identity.Profile) bool {
	return profile.IsActive && p.allowed(profile, ObjectRecords, ActionArchive)
}

func (p *Policy) CanDischarge(profile identity.Profile) bool {
	return profile.IsActive && p.allowed(profile, ObjectRecords, ActionDischarge)
}

// VisibleModules filters the registry down to what profile may open.
func (p *Policy) VisibleModules(profile identity.Profile) []registry.Descriptor {
	all := registry.All()
	out := make([]registry.Descriptor, 0, len(all))
	for _, d := range all {
		if p.CanSee(profile, d.ID) {
			out = append(out, d)
		}
	}
	return out
}

func (p *Policy) allowed(profile identity.Profile, object, action string) bool {
	subject := roleSubject(profile.Role)
	if err := p.ensureGrouping(subject); err != nil {
		p.log.Warn("role grouping failed", zap.String("subject", subject), zap.Error(err))
		return false
	}
	ok, err := p.enforcer.Enforce(subject, object, action)
	if err != nil {
		p.log.Warn("policy evaluation failed",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
			zap.Error(err),
		)
		return false
	}
	return ok
}

// ensureGrouping links a role subject to the baseline role the first time
// it is seen, so roles created outside this service get baseline access.
func (p *Policy) ensureGrouping(subject string) error {
	if subject == subjectAny {
		return nil
	}
	has, err := p.enforcer.HasGroupingPolicy(subject, subjectAny)
	if err != nil || has {
		return err
	}
	_, err = p.enforcer.AddGroupingPolicy(subject, subjectAny)
	return err
}

func roleSubject(role identity.Role) string {
	name := strings.ToLower(strings.TrimSpace(string(role)))
	if name == "" {
		name = string(identity.RolePending)
	}
	return "role:" + name
}

func objectFor(category string) (string, bool) {
	d, ok := registry.Find(category)
	if !ok {
		return "", false
	}
	return string(d.Group) + "/" + d.ID, true
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Baseline visibility for every role
		{subjectAny, string(registry.GroupSystem) + "/*", ActionRead},
		{subjectAny, string(registry.GroupClinical) + "/*", ActionRead},
		{subjectAny, string(registry.GroupHR) + "/*", ActionRead},
		{subjectAny, string(registry.GroupLogistics) + "/*", ActionRead},
		{subjectAny, string(registry.GroupPortals) + "/*", ActionRead},

		// Field writes open to every active role
		{subjectAny, string(registry.GroupLogistics) + "/" + registry.EVV, ActionWrite},
		{subjectAny, string(registry.GroupLogistics) + "/" + registry.Timeclock, ActionWrite},
		{subjectAny, string(registry.GroupHR) + "/" + registry.Attendance, ActionWrite},

		{"role:finance", string(registry.GroupFinance) + "/*", ActionRead},

		{"role:admin", "*", ActionRead},
		{"role:admin", "*", ActionWrite},
		{"role:admin", "*", ActionArchive},
		{"role:admin", "*", ActionDischarge},

		{"role:director", "*", ActionRead},
		{"role:director", "*", ActionWrite},
		{"role:director", "*", ActionArchive},
		{"role:director", "*", ActionDischarge},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}

	for _, role := range []identity.Role{identity.RolePending, identity.RoleStaff, identity.RoleFinance, identity.RoleAdmin, identity.RoleDirector} {
		subject := roleSubject(role)
		has, err := enforcer.HasGroupingPolicy(subject, subjectAny)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddGroupingPolicy(subject, subjectAny); err != nil {
			return err
		}
	}
	return nil
}
