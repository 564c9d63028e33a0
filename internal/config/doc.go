// Package config provides centralized configuration management for keygate.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML configuration file
//	3. Default values (lowest priority)
//
// The file is taken from KEYGATE_CONFIG when set, otherwise from the first of
// config.yaml or configs/config.yaml that exists.
//
// # Environment Variables
//
// All environment variables follow the pattern KEYGATE_<SECTION>_<FIELD>:
//
//	KEYGATE_SERVER_PORT=3000
//	KEYGATE_LOOKUP_BOT_TOKEN=...
//	KEYGATE_STORE_DRIVER=sqlite
//	KEYGATE_ENTITLEMENTS_LIMITS=booster:10,trial:3
//	KEYGATE_SECURITY_ADMIN_TOKEN_HASH=$2a$10$...
//
// # Paths
//
// Relative paths are anchored at paths.base_dir (the working directory by
// default). The keys file and SQLite database live under the data directory.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
