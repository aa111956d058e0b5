// Package wsman implements a WS-Management (WSMan) client for communicating
// with WinRM endpoints.
//
// It handles SOAP envelope construction, WS-Addressing headers, fault
// parsing and the WSMan operations used to manage WMI resources.
//
// # Subpackages
//
//   - auth: Authentication handlers (Basic, NTLM, Negotiate/Kerberos)
//   - transport: HTTP/TLS transport layer
//
// # WSMan Operations
//
//   - Get, Put, Create, Delete: WS-Transfer on a single resource
//   - Invoke: custom action calling a WMI method
//   - Enumerate, Pull, Release: WS-Enumeration with WQL or association filters
//   - Subscribe, Unsubscribe: WS-Eventing in pull delivery mode
package wsman
