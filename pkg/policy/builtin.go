package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedMachinesPolicy(),
		actionNamingPolicy(),
		maintenanceWindowPolicy(),
	}
}

// protectedMachinesPolicy blocks destructive actions on protected machines
// and requires approval for them in production.
func protectedMachinesPolicy() Policy {
	return Policy{
		Name:        "protected-machines",
		Description: "Blocks destroy and halt on protected machines, and requires approval for them in production",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package openrig.policies.protected

import rego.v1

# Actions that stop or remove the backing instance
destructive_actions := ["destroy", "halt"]

deny contains violation if {
	some act in destructive_actions
	input.action == act

	# Machine is flagged as protected in the dispatch metadata
	input.context.metadata.protected == true

	violation := {
		"message": sprintf("Machine '%s' is protected; action '%s' is not allowed", [input.machine.name, act]),
		"severity": "critical",
	}
}

deny contains violation if {
	some act in destructive_actions
	input.action == act

	# Destructive actions in production need an explicit approval flag
	input.context.metadata.environment == "production"
	not input.context.metadata.approved

	violation := {
		"message": sprintf("Action '%s' on machine '%s' requires approval in production", [act, input.machine.name]),
		"severity": "critical",
	}
}`,
	}
}

// actionNamingPolicy enforces action naming conventions.
func actionNamingPolicy() Policy {
	return Policy{
		Name:        "action-naming",
		Description: "Enforces action naming conventions (lowercase, alphanumeric, hyphens and underscores)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package openrig.policies.naming

import rego.v1

deny contains violation if {
	action := input.action

	# Name must start with a letter and use lowercase letters, digits,
	# hyphens, and underscores only
	not regex.match("^[a-z][a-z0-9_-]*$", action)

	violation := {
		"message": sprintf("Action name '%s' must start with a letter and contain only lowercase letters, digits, hyphens, and underscores", [action]),
		"severity": "error",
	}
}

deny contains violation if {
	action := input.action

	count(action) > 64

	violation := {
		"message": sprintf("Action name '%s' must not exceed 64 characters", [action]),
		"severity": "error",
	}
}`,
	}
}

// maintenanceWindowPolicy confines disruptive actions to a nightly window.
// Disabled by default; operators opt in per deployment.
func maintenanceWindowPolicy() Policy {
	return Policy{
		Name:        "maintenance-windows",
		Description: "Confines disruptive actions to the nightly maintenance window (22:00-06:00 UTC)",
		Severity:    SeverityError,
		Enabled:     false,
		Tags:        []string{"operations", "scheduling"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package openrig.policies.maintenance

import rego.v1

# Permitted window for disruptive actions, hours in UTC
window_start_hour := 22
window_end_hour := 6

disruptive_actions := ["destroy", "halt", "reload"]

deny contains violation if {
	some act in disruptive_actions
	input.action == act

	ns := time.parse_rfc3339_ns(input.context.timestamp)
	[hour, _, _] := time.clock(ns)

	# Outside the window means between window end and window start
	hour >= window_end_hour
	hour < window_start_hour

	violation := {
		"message": sprintf("Action '%s' on machine '%s' must run within the maintenance window (%d:00-%d:00 UTC)", [act, input.machine.name, window_start_hour, window_end_hour]),
		"severity": "error",
	}
}`,
	}
}
