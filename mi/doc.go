// Package mi defines the typed management-instance model and the capability
// contract that protocol drivers implement.
//
// The model mirrors the Windows Management Infrastructure (MI) API: every
// instance, class and method parameter set is an ordered collection of named,
// typed elements. Element types are the MI type tags (Boolean through Instance)
// and may carry the Array modifier bit.
//
// # Drivers
//
// A Driver opens Sessions for one wire protocol. Drivers are registered on an
// Application, which plays the role of the process-wide MI application handle:
//
//	app := mi.NewApplication()
//	app.RegisterDriver(winrm.NewDriver())
//	sess, err := app.NewSession(ctx, mi.ProtocolWinRM, "server", dest)
//
// # Value representation
//
// Scalars use the natural Go type for their tag (bool, uint8, int8, ... float64,
// string). Char16 is a uint16, Datetime is a Datetime, and Reference and
// Instance values are *Instance. Arrays are []any whose items follow the scalar
// representation. A nil value is a CIM null.
package mi
