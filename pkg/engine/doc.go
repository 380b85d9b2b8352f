// Package engine is the execution backend of nixh.
//
// # Overview
//
// The engine takes one Operation, proposed by the resolver, and carries it
// out on the best execution tier the current capability snapshot allows:
//
//  1. Validating - parameter allow-list, typed validation, operation policy
//  2. Dispatching - the selected Dispatcher tier runs the request
//  3. Succeeded or Failed - an ExecutionResult with an ErrorRecord on failure
//
// A rejected operation is never dispatched.
//
// # Execution Tiers
//
// The execution chain has three tiers:
//
//   - structured_api: nixos.API, in-process profile and module management
//   - subprocess: nixos.CLI, a fixed argv grammar over nix-env and nixos-rebuild
//   - none: universal; reports that only manual instructions remain
//
// A tier that does not offer a request (nixos.ErrUnsupported) hands it to the
// next tier. A timeout or unavailable failure is retried once on the next
// lower tier; a tool failure, or any failure after state changed, is not.
//
// # Modes
//
// DryRun and Apply are passed down unchanged to the tier. In DryRun nothing on
// the system changes and the privilege lock is not taken.
//
// # Errors
//
// Every failure is an *ErrorRecord carrying its ErrorKind, the tier in use and
// whether system state changed:
//
//	res := backend.Execute(ctx, op, engine.Apply)
//	if res.Error != nil && engine.IsRetryable(res.Error) {
//	    // try again later
//	}
//
// # Privilege
//
// Operations marked RequiresPrivilege take a non-blocking advisory lock in
// Apply mode. A second session gets a busy result instead of waiting.
package engine
