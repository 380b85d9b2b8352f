// Package policy checks Operations against Rego deny rules before they are
// dispatched.
//
// Built-in rules protect core packages from removal and refuse privileged
// operations when the configuration does not allow them. Additional .rego
// files can be loaded from a directory; each must declare rules of the form
//
//	deny contains violation if { ... }
//
// where violation is a string or an object with message and severity.
//
// The input document is:
//
//	{
//	  "operation": {"kind", "label", "parameters", "reversible", "requires_privilege"},
//	  "context":   {"mode", "allow_privileged", "protected_packages"}
//	}
package policy
