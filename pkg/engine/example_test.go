package engine_test

import (
	"fmt"

	"github.com/nixh/nixh/pkg/engine"
	"github.com/nixh/nixh/pkg/nixos"
)

// ExampleInstructions shows the manual fallback every resolution ends with.
func ExampleInstructions() {
	fmt.Println(engine.Instructions(engine.Request{
		Action:  engine.ActionAdd,
		Package: "htop",
		Style:   engine.StyleDeclarative,
		Scope:   nixos.ScopeSystem,
	}))
	// Output:
	// To do this by hand:
	//   1. Add htop to environment.systemPackages in /etc/nixos/configuration.nix
	//   2. sudo nixos-rebuild switch
}

// ExampleRollbackToken shows the token round trip behind "undo".
func ExampleRollbackToken() {
	token := engine.RollbackToken(nixos.ScopeUser, 17)
	scope, gen, _ := engine.ParseRollbackToken(token)
	op := engine.RollbackOperation(scope, gen)
	fmt.Println(token, op)
	// Output: user-gen-17 user_rollback(17)
}
