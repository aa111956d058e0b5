// Package config loads wmi-query connection profiles from a YAML file and
// WMI_* environment variables.
//
// A file holds defaults shared by all profiles and a set of named
// profiles:
//
//	defaults:
//	  protocol: WINRM
//	  timeout: 30s
//	profiles:
//	  dc01:
//	    computer: dc01.corp.example.com
//	    transport: HTTPS
//	    user: CORP\svc-monitor
//	    auth: NegoWithCreds
//
// Environment variables override the selected profile after it has been
// merged with the defaults.
package config
