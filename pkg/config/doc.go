// Package config loads the nixh configuration file.
//
// # Overview
//
// The configuration lives at $XDG_CONFIG_HOME/nixh/config.yaml (or
// config.cue). Every field is optional; missing fields keep their defaults.
// Loading happens in three steps:
//
//  1. the document is decoded (yaml.v3 for YAML, the CUE evaluator for CUE)
//  2. it is unified with the embedded #Config schema, which rejects unknown
//     keys and out-of-range values with file and line positions
//  3. the typed Config is checked with go-playground/validator
//
// # Example
//
//	intent:
//	  clarify_below: 0.6
//	policy:
//	  allow_privileged: false
//	overrides:
//	  execution: subprocess
//	predicates:
//	  intent:
//	    full: memory_at_least("high")
//
// # Environment
//
// NIXH_CONFIG names an explicit file. NIXH_OVERRIDE_<SUBSYSTEM>=<tier>
// forces a tier for one subsystem and wins over the file. GEMINI_API_KEY
// (or GOOGLE_API_KEY) enables the genai embedding tier.
package config
