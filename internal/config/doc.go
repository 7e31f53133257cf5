// Package config handles configuration loading for chat-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CHAT_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  shutdown_timeout: "10s"
//	auth:
//	  token_ttl: "24h"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  shutdown_timeout: "10s"
//
// Database:
//
//	database:
//	  path: "/var/lib/chat-gateway/chat.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${CHAT_JWT_SECRET}"  # Required
//	  token_ttl: "24h"
//
// Bot responder rules (first match wins):
//
//	bot:
//	  default_reply: "Sorry, I did not understand that."
//	  rules:
//	    - keywords: ["shipping", "delivery"]
//	      reply: "Orders ship within 2 business days."
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Per-session limits:
//
//	limits:
//	  events_per_second: 20
//	  event_burst: 40
//	  max_message_length: 8192
package config
