// Package dedupe tracks recently seen message IDs so consumers of the
// realtime channel can ignore duplicate deliveries within a bounded window.
package dedupe
