package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies, grounded on the shape
// of resource.Resource and resource.Operation (see pkg/resource) rather than
// a generic cloud-resource model: no "labels" or multi-provider versioning
// concept exists in this domain, so the naming/approval/hardening checks
// below operate on the fields lowering actually produces.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		resourceIDFormatPolicy(),
		elevationApprovalPolicy(),
		destructiveOperationPolicy(),
		packageVersionPinPolicy(),
		sshdHardeningPolicy(),
	}
}

// resourceIDFormatPolicy enforces resource ID naming conventions.
func resourceIDFormatPolicy() Policy {
	return Policy{
		Name:        "resource-id-format",
		Description: "Enforces resource ID conventions (lowercase, alphanumeric, hyphens, underscores, dots, and path separators only)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package loam.policies.naming

import rego.v1

deny contains violation if {
	input.resource
	resource := input.resource

	not resource.ID
	violation := {
		"message": "resource must have a non-empty ID",
		"severity": "error",
	}
}

deny contains violation if {
	input.resource
	resource := input.resource
	id := resource.ID

	lower(id) != id
	violation := {
		"message": sprintf("resource id '%s' must be lowercase", [id]),
		"severity": "error",
		"resource": id,
	}
}

deny contains violation if {
	input.resource
	resource := input.resource
	id := resource.ID

	not regex.match("^[a-z0-9][a-z0-9_./-]*$", id)
	violation := {
		"message": sprintf("resource id '%s' must start with a letter or digit and contain only lowercase letters, digits, '_', '.', '/', and '-'", [id]),
		"severity": "error",
		"resource": id,
	}
}`,
	}
}

// elevationApprovalPolicy requires operator sign-off for privileged
// operations targeting production.
func elevationApprovalPolicy() Policy {
	return Policy{
		Name:        "elevation-approval",
		Description: "Requires explicit approval before applying elevated (runner-dispatched) operations in production",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"operations", "safety", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package loam.policies.elevation

import rego.v1

deny contains violation if {
	input.operation
	input.context
	operation := input.operation
	context := input.context

	operation.Elevated
	context.environment == "production"
	not context.dry_run
	not context.approved

	violation := {
		"message": sprintf("elevated operation '%s' on %s requires approval in production", [operation.Kind, operation.ResourceID]),
		"severity": "critical",
		"resource": operation.ResourceID,
		"remediation": "set context.approved or run with --dry-run first",
	}
}`,
	}
}

// destructiveOperationPolicy blocks package removal and file deletion in
// production unless the run has been explicitly approved.
func destructiveOperationPolicy() Policy {
	return Policy{
		Name:        "destructive-operation-restriction",
		Description: "Blocks package removal and file-delete operations in production without approval",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"operations", "safety", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package loam.policies.destructive

import rego.v1

destructive_kinds := {"linux.pkg.ensure", "linux.file.remove"}

deny contains violation if {
	input.operation
	input.context
	operation := input.operation
	context := input.context

	operation.Kind in destructive_kinds
	operation.Payload.state == "absent"
	context.environment == "production"
	not context.dry_run
	not context.approved

	violation := {
		"message": sprintf("removing %s in production requires approval", [operation.ResourceID]),
		"severity": "critical",
		"resource": operation.ResourceID,
	}
}`,
	}
}

// packageVersionPinPolicy warns when a package is installed without an
// explicit version pin.
func packageVersionPinPolicy() Policy {
	return Policy{
		Name:        "package-version-pin",
		Description: "Warns when linux.pkg resources install without an explicit version pin",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"packages", "reproducibility"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package loam.policies.pkgversion

import rego.v1

deny contains violation if {
	input.operation
	operation := input.operation

	operation.Kind == "linux.pkg.ensure"
	operation.Payload.state == "present"
	operation.Payload.version == ""

	violation := {
		"message": sprintf("package install for %s does not pin a version", [operation.ResourceID]),
		"severity": "warning",
		"resource": operation.ResourceID,
		"remediation": "set params.version to pin the installed package version",
	}
}`,
	}
}

// sshdHardeningPolicy requires password authentication to be disabled
// whenever an sshd_config is hardened for production.
func sshdHardeningPolicy() Policy {
	return Policy{
		Name:        "sshd-hardening-required",
		Description: "Requires password authentication to be disabled for production sshd hardening operations",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"ssh", "hardening", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package loam.policies.sshd

import rego.v1

deny contains violation if {
	input.operation
	input.context
	operation := input.operation
	context := input.context

	operation.Kind == "linux.sshd.harden"
	context.environment == "production"
	operation.Payload.disable_password_auth == false

	violation := {
		"message": sprintf("sshd hardening for %s must disable password authentication in production", [operation.ResourceID]),
		"severity": "critical",
		"resource": operation.ResourceID,
	}
}`,
	}
}
