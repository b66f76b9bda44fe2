// Package config handles configuration loading for toolhost.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is YAML.
// Unset fields receive defaults and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TOOLHOST_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/toolhost/config.yaml
//  3. ~/.config/toolhost/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	servers:
//	  entries:
//	    - name: github
//	      command: github-mcp-server
//	      env:
//	        GITHUB_TOKEN: "${GITHUB_TOKEN}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	servers:
//	  connect_timeout: "30s"
//	  call_timeout: "1m"
//
// # Configuration Sections
//
//	database:
//	  driver: sqlite          # or sqlite3 for the cgo driver
//	  path: ~/.local/share/toolhost/toolhost.db
//
//	logging:
//	  level: info             # debug, info, warn, error
//	  format: text            # text or json
//
//	modules:
//	  groups: [utils, web]
//	  cache_dir: ~/.cache/toolhost
//	  call_timeout: 30s
//	  max_steps: 50000000
//
//	tests:
//	  timeout: 60s
//
//	servers:
//	  max_parallel: 4
//	  allowed_commands: [npx, uvx, docker]
//	  work_dir: ~/projects
//	  entries:
//	    - name: filesystem
//	      command: npx
//	      args: ["-y", "@modelcontextprotocol/server-filesystem", "."]
//
//	aliases:
//	  fetch_url: http_get
//
//	usage:
//	  max_names_per_session: 1000
package config
