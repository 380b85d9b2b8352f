package policy

// Builtin returns the built-in policies.
func Builtin() []Policy {
	return []Policy{
		protectedPackagesPolicy(),
		privilegedOperationsPolicy(),
		offlineUpgradePolicy(),
	}
}

// protectedPackagesPolicy refuses removal of protected packages.
func protectedPackagesPolicy() Policy {
	return Policy{
		Name:        "protected-packages",
		Description: "Core packages cannot be removed",
		Severity:    SeverityCritical,
		Enabled:     true,
		Rego: `package nixh.policies.protected

import rego.v1

deny contains violation if {
	op := input.operation
	op.kind == "mutate_config"
	op.parameters.action == "remove"
	pkg := op.parameters["package"]
	pkg in input.context.protected_packages
	violation := {
		"message": sprintf("%s is protected and cannot be removed", [pkg]),
		"severity": "critical",
	}
}
`,
	}
}

// privilegedOperationsPolicy refuses privileged operations unless allowed.
// Dry runs stay allowed so the change can still be previewed.
func privilegedOperationsPolicy() Policy {
	return Policy{
		Name:        "privileged-operations",
		Description: "Privileged operations require allow_privileged",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package nixh.policies.privileged

import rego.v1

deny contains violation if {
	input.operation.requires_privilege
	input.context.mode == "apply"
	not input.context.allow_privileged
	violation := {
		"message": sprintf("%s needs privilege and privileged operations are disabled", [input.operation.label]),
		"severity": "error",
	}
}
`,
	}
}

// offlineUpgradePolicy warns that an offline upgrade cannot fetch anything
// new.
func offlineUpgradePolicy() Policy {
	return Policy{
		Name:        "offline-upgrade",
		Description: "Upgrades without network only rebuild from the local store",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package nixh.policies.offline

import rego.v1

deny contains violation if {
	input.operation.parameters.action == "upgrade"
	input.operation.parameters.offline == "true"
	violation := {
		"message": "offline: the upgrade can only use what is already in the local store",
		"severity": "warning",
	}
}
`,
	}
}
