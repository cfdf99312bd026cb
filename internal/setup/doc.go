// Package setup owns what must exist before any run does: the YAML
// configuration file with its defaults and validation, and the secret
// material injected into guests at boot.
//
// Configuration is read before any component is wired up, so setup logs
// through a package-level logger (see SetLogger) rather than an injected
// one. No other package does this.
package setup
