// Package config defines the taskops configuration surface and loads it.
//
// Precedence, lowest first: DefaultConfig, the YAML file, TASKOPS_*
// environment variables. Nested keys map to variables by replacing dots with
// underscores, so worker.local.pool_size is TASKOPS_WORKER_LOCAL_POOL_SIZE.
//
// Connection strings may reference the environment (${VAR}) or secret
// providers (secretref:<provider>:<ref>); call ResolveSecrets before use.
package config
