// Package config loads gatehouse configuration.
//
// Values come from three layers, later layers winning:
//
//  1. built-in defaults (Defaults)
//  2. an optional YAML file named by GATEHOUSE_CONFIG_FILE
//  3. GATEHOUSE_* environment variables
//
// Example file:
//
//	server:
//	  port: "8080"
//	  health_port: "9090"
//	database:
//	  driver: postgres
//	  url: postgres://gatehouse@db/gatehouse?sslmode=disable
//	cache:
//	  backend: redis
//	  redis_url: redis://cache:6379/0
//	  ttl: 2m
//	audit:
//	  sink: multi
//	  file_path: /var/log/gatehouse
//	navigation:
//	  file_path: /etc/gatehouse/navigation.yaml
//
// LoadConfig validates the merged result and returns an error describing the
// first invalid setting.
package config
