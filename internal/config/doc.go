// Package config provides configuration loading and validation for the lab agent.
// Sources are merged as defaults < YAML file < OT2_* environment variables < command line.
package config
