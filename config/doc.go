// Package config loads the rule engine configuration.
//
// Configuration is assembled from layers. Defaults come first, then each file added with
// AddLayer is merged over the result, so later layers override only the keys they set.
// Files ending in .json are parsed as JSON and files ending in .yaml or .yml as YAML.
// Environment variables with the PERSONIUM_ prefix are applied last.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.json") // Overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Durations
//
// Duration fields accept Go duration strings ("30s", "1h30m"), a day suffix ("14d") or
// a number of nanoseconds.
//
// # Environment Overrides
//
//	PERSONIUM_UNIT_URL         unit base URL
//	PERSONIUM_NATS_URLS        comma separated NATS server URLs
//	PERSONIUM_NATS_USERNAME    NATS user
//	PERSONIUM_NATS_PASSWORD    NATS password
//	PERSONIUM_NATS_TOKEN       NATS token
//	PERSONIUM_TOKEN_SECRET     token signing secret
//	PERSONIUM_SCRIPT_HOST_URL  script host base URL
//
// # Validation
//
// Validate reports the first problem as an invalid-class error from the errors package,
// so callers can tell configuration mistakes from transient failures.
package config
