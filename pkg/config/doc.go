// Package config loads the lease pool configuration.
//
// # Layering
//
// Load starts from Default(), merges a YAML file, then applies environment
// overrides with the LEASEPOOL_ prefix, where dots in a key become
// underscores:
//
//	LEASEPOOL_POOL_SIZE=8
//	LEASEPOOL_BACKEND_TYPE=postgres
//
// # Environment Variable Substitution
//
// Inside the file, ${VAR} is replaced by the variable's value and
// ${VAR:-fallback} by fallback when VAR is empty:
//
//	backend:
//	  type: postgres
//	  settings:
//	    dsn: ${SCRATCH_DSN}
//	    prefix: ${SCRATCH_PREFIX:-scratch}
//
// # Backend Settings
//
// Backend settings are plain strings so that any backend can be configured
// without touching this package. Backends decode them into their own typed
// struct with DecodeSettings.
package config
