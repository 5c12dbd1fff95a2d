// Package safety is the pre-flight gate: before a run is admitted it must
// clear concurrent-operation, resource-limit, permission and dependency
// checks, and receives a session ticket when it does.
package safety

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/flyingrobots/wesley/pkg"
	cn "github.com/flyingrobots/wesley/pkg/constant"
	"github.com/flyingrobots/wesley/pkg/mmodel"
)

// OperationClass groups runs for the concurrency conflict matrix.
type OperationClass string

// Operation classes.
const (
	ClassMigration    OperationClass = "migration"
	ClassVerification OperationClass = "verification"
	ClassRollback     OperationClass = "rollback"
	ClassAnalysis     OperationClass = "analysis"
)

// classConflicts says which classes cannot run at the same time. Migrations
// and rollbacks are single-writer; verification conflicts only with a
// rollback, and analysis coexists with everything.
var classConflicts = map[OperationClass]map[OperationClass]bool{
	ClassMigration: {ClassMigration: true, ClassRollback: true},
	ClassRollback:  {ClassMigration: true, ClassRollback: true, ClassVerification: true},
	ClassVerification: {ClassRollback: true},
	ClassAnalysis:     {},
}

// Registry is the process-wide record of active operations. Mutated only
// under its lock.
type Registry struct {
	mu     sync.Mutex
	active map[string]OperationClass
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{active: map[string]OperationClass{}}
}

// Register admits the operation unless a conflicting class is active.
func (r *Registry) Register(id string, class OperationClass) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for activeID, activeClass := range r.active {
		if classConflicts[class][activeClass] {
			return pkg.NewConcurrentOperationError(activeID,
				fmt.Sprintf("%s conflicts with active %s %s", class, activeClass, activeID))
		}
	}

	r.active[id] = class

	return nil
}

// Unregister removes the operation. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.active, id)
}

// Active returns a copy of the registry contents.
func (r *Registry) Active() map[string]OperationClass {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]OperationClass, len(r.active))
	for id, class := range r.active {
		out[id] = class
	}

	return out
}

// Permission is one capability a run may hold.
type Permission string

// Permissions. Admin is a wildcard.
const (
	PermCreate Permission = "CREATE"
	PermAlter  Permission = "ALTER"
	PermDrop   Permission = "DROP"
	PermIndex  Permission = "INDEX"
	PermDML    Permission = "DML"
	PermSelect Permission = "SELECT"
	PermAdmin  Permission = "ADMIN"
)

// requiredPermission maps operation kinds to the capability they need.
func requiredPermission(kind cn.OperationKind) Permission {
	switch kind {
	case cn.KindCreateTable:
		return PermCreate
	case cn.KindDropTable, cn.KindDropColumn, cn.KindDropIndex:
		return PermDrop
	case cn.KindAddColumn, cn.KindAlterColumn, cn.KindAddConstraint, cn.KindRenameTable:
		return PermAlter
	case cn.KindCreateIndex, cn.KindCreateIndexConcurrent, cn.KindReindex:
		return PermIndex
	case cn.KindInsert, cn.KindUpdate, cn.KindDelete:
		return PermDML
	case cn.KindSelect:
		return PermSelect
	default:
		return PermAlter
	}
}

// Limits are the configured resource ceilings.
type Limits struct {
	MaxMemoryMB     int64
	MaxConnections  int
	MaxCPUPercent   float64
	WarningFraction float64
}

// DefaultLimits returns sensible ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryMB:     2_048,
		MaxConnections:  20,
		MaxCPUPercent:   85,
		WarningFraction: 0.8,
	}
}

// Catalog is the dependency-validation view of the database: tables with
// their columns, plus installed extensions.
type Catalog struct {
	Tables     map[string][]string
	Extensions []string
}

// Request describes the run asking for admission.
type Request struct {
	ID                  string
	Class               OperationClass
	Operations          []*mmodel.MigrationOperation
	RequiredMemoryMB    int64
	RequiredConnections int
	Permissions         []Permission
	RequiredExtensions  []string
}

// CheckResult is one check's verdict.
type CheckResult struct {
	Passed   bool     `json:"passed"`
	Findings []string `json:"findings,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ValidationResult aggregates the four checks.
type ValidationResult struct {
	Checks          map[string]CheckResult `json:"checks"`
	Warnings        []string               `json:"warnings,omitempty"`
	Errors          []string               `json:"errors,omitempty"`
	Recommendations []string               `json:"recommendations,omitempty"`
	Overall         string                 `json:"overall"`
	SessionTicket   string                 `json:"sessionTicket,omitempty"`
}

// Validator runs the pre-flight checks.
type Validator struct {
	registry *Registry
	limits   Limits
	strict   bool
}

// NewValidator builds a Validator over the shared registry.
func NewValidator(registry *Registry, limits Limits, strict bool) *Validator {
	if limits.WarningFraction <= 0 || limits.WarningFraction >= 1 {
		limits.WarningFraction = DefaultLimits().WarningFraction
	}

	return &Validator{registry: registry, limits: limits, strict: strict}
}

// Validate runs every check. A passing run is registered in the registry
// and receives a session ticket; the caller must Unregister it afterwards.
// In strict mode the first failing check raises its typed error.
func (v *Validator) Validate(ctx context.Context, req Request, granted []Permission, catalog *Catalog) (ValidationResult, error) {
	result := ValidationResult{Checks: map[string]CheckResult{}}

	concurrent, concurrentErr := v.checkConcurrent(req)
	result.Checks["concurrentOperations"] = concurrent

	resources, resourceErr := v.checkResources(req)
	result.Checks["resourceLimits"] = resources

	permissions, permissionErr := v.checkPermissions(req, granted)
	result.Checks["permissions"] = permissions

	dependencies, dependencyErr := v.checkDependencies(req, catalog)
	result.Checks["dependencyValidation"] = dependencies

	for _, check := range result.Checks {
		result.Warnings = append(result.Warnings, check.Warnings...)

		if !check.Passed {
			result.Errors = append(result.Errors, check.Findings...)
		}
	}

	sort.Strings(result.Warnings)
	sort.Strings(result.Errors)

	if len(result.Warnings) > 0 {
		result.Recommendations = append(result.Recommendations, "review warnings before running against production")
	}

	if len(result.Errors) > 0 {
		result.Overall = "failed"

		if v.strict {
			switch {
			case concurrentErr != nil:
				return result, concurrentErr
			case resourceErr != nil:
				return result, resourceErr
			case permissionErr != nil:
				return result, permissionErr
			case dependencyErr != nil:
				return result, dependencyErr
			}
		}

		return result, nil
	}

	if err := v.registry.Register(req.ID, req.Class); err != nil {
		result.Overall = "failed"
		result.Errors = append(result.Errors, err.Error())

		if v.strict {
			return result, err
		}

		return result, nil
	}

	result.Overall = "passed"
	result.SessionTicket = uuid.New().String()

	pkg.NewLoggerFromContext(ctx).Infof("pre-flight passed for %s, ticket %s", req.ID, result.SessionTicket)

	return result, nil
}

func (v *Validator) checkConcurrent(req Request) (CheckResult, error) {
	for activeID, activeClass := range v.registry.Active() {
		if classConflicts[req.Class][activeClass] {
			err := pkg.NewConcurrentOperationError(activeID,
				fmt.Sprintf("%s conflicts with active %s %s", req.Class, activeClass, activeID))

			return CheckResult{Passed: false, Findings: []string{err.Error()}}, err
		}
	}

	return CheckResult{Passed: true}, nil
}

func (v *Validator) checkResources(req Request) (CheckResult, error) {
	check := CheckResult{Passed: true}

	if req.RequiredMemoryMB > v.limits.MaxMemoryMB {
		err := pkg.NewResourceLimitError("memory",
			fmt.Sprintf("requested %dMB exceeds ceiling %dMB", req.RequiredMemoryMB, v.limits.MaxMemoryMB))
		check.Passed = false
		check.Findings = append(check.Findings, err.Error())

		return check, err
	}

	if float64(req.RequiredMemoryMB) > float64(v.limits.MaxMemoryMB)*v.limits.WarningFraction {
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("memory request %dMB is above %.0f%% of the ceiling", req.RequiredMemoryMB, v.limits.WarningFraction*100))
	}

	if req.RequiredConnections > v.limits.MaxConnections {
		err := pkg.NewResourceLimitError("connections",
			fmt.Sprintf("requested %d connections exceeds ceiling %d", req.RequiredConnections, v.limits.MaxConnections))
		check.Passed = false
		check.Findings = append(check.Findings, err.Error())

		return check, err
	}

	// Host headroom: a best-effort observation, never fatal on probe error.
	if vm, err := mem.VirtualMemory(); err == nil {
		availableMB := int64(vm.Available / (1024 * 1024))
		if req.RequiredMemoryMB > availableMB {
			err := pkg.NewResourceLimitError("memory",
				fmt.Sprintf("requested %dMB exceeds available %dMB", req.RequiredMemoryMB, availableMB))
			check.Passed = false
			check.Findings = append(check.Findings, err.Error())

			return check, err
		}
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		if percents[0] > v.limits.MaxCPUPercent {
			check.Warnings = append(check.Warnings,
				fmt.Sprintf("host CPU at %.0f%% exceeds the %.0f%% ceiling", percents[0], v.limits.MaxCPUPercent))
		}
	}

	return check, nil
}

func (v *Validator) checkPermissions(req Request, granted []Permission) (CheckResult, error) {
	grantedSet := map[Permission]bool{}
	for _, p := range granted {
		grantedSet[p] = true
	}

	if grantedSet[PermAdmin] {
		return CheckResult{Passed: true}, nil
	}

	missing := map[Permission]bool{}

	for _, op := range req.Operations {
		required := requiredPermission(op.Kind)
		if !grantedSet[required] {
			missing[required] = true
		}
	}

	if len(missing) == 0 {
		return CheckResult{Passed: true}, nil
	}

	names := make([]string, 0, len(missing))
	for p := range missing {
		names = append(names, string(p))
	}

	sort.Strings(names)

	err := pkg.NewPermissionError(names[0])

	findings := make([]string, len(names))
	for i, n := range names {
		findings[i] = fmt.Sprintf("missing permission %s", n)
	}

	return CheckResult{Passed: false, Findings: findings}, err
}

func (v *Validator) checkDependencies(req Request, catalog *Catalog) (CheckResult, error) {
	if catalog == nil {
		return CheckResult{Passed: true, Warnings: []string{"no catalog provided, dependency check skipped"}}, nil
	}

	extensions := map[string]bool{}
	for _, e := range catalog.Extensions {
		extensions[e] = true
	}

	var missing []string

	for _, op := range req.Operations {
		// Objects the operation creates do not need to pre-exist.
		if op.Kind == cn.KindCreateTable {
			continue
		}

		for _, table := range op.AffectedTables {
			if _, ok := catalog.Tables[table]; !ok {
				missing = append(missing, fmt.Sprintf("table %s", table))
			}
		}
	}

	for _, ext := range req.RequiredExtensions {
		if !extensions[ext] {
			missing = append(missing, fmt.Sprintf("extension %s", ext))
		}
	}

	if len(missing) == 0 {
		return CheckResult{Passed: true}, nil
	}

	sort.Strings(missing)

	err := pkg.NewDependencyValidationError(missing)

	return CheckResult{Passed: false, Findings: missing}, err
}
