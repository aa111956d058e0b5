// Package gowmi is the root of a Windows Management Instrumentation client
// that speaks WS-Management (WinRM) from any platform and DCOM on Windows.
//
// # Architecture
//
// The library is organized into layers:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  wmi/          Scripting-style API: monikers, classes,  │
//	│                instances, methods, event watchers       │
//	├─────────────────────────────────────────────────────────┤
//	│  mi/           Typed management engine: instances,      │
//	│                classes, sessions, protocol drivers      │
//	├──────────────────────────────┬──────────────────────────┤
//	│  mi/winrm      WINRM driver  │  mi/dcom   WMIDCOM driver │
//	├──────────────────────────────┴──────────────────────────┤
//	│  wsman/        WS-Management SOAP client, HTTP          │
//	│                transport, NTLM/Kerberos/Basic auth      │
//	└─────────────────────────────────────────────────────────┘
//
// # Quick Start
//
//	conn, err := wmi.Connect(ctx, "//srv1/root/cimv2",
//	    wmi.WithCredentials(`CORP\alice`, password),
//	    wmi.WithTransport(mi.TransportHTTPS),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	services, err := conn.Query(ctx, "SELECT Name, State FROM Win32_Service", nil)
//
// The cmd/wmi-query command exposes the same operations on the command
// line.
package gowmi
