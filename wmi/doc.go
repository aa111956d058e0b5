// Package wmi provides dynamic WMI objects (connections, instances,
// classes, methods and event watchers) on top of the typed engine in
// package mi.
//
// # Quick Start
//
//	conn, err := wmi.Connect(ctx, `//server/root/cimv2`,
//	    wmi.WithCredentials(`CORP\admin`, password),
//	    wmi.WithAuthType(mi.AuthTypeNTLM),
//	)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	procs, err := conn.Query(ctx, "SELECT * FROM Win32_Process WHERE Name = 'svchost.exe'", nil)
//	for _, p := range procs {
//	    pid, _ := p.Get(ctx, "ProcessId")
//	    fmt.Println(pid)
//	}
//
// # Objects
//
// Instances and classes implement Entity. Get reads a property, falling
// back to a bound *Method when the name is not a property:
//
//	v, err := svc.Get(ctx, "StopService")
//	out, err := v.(*wmi.Method).Call(ctx)
//
// Properties typed as references are loaded as objects when read from an
// instance. Method output parameters are returned sorted by name.
//
// # Events
//
//	w, err := conn.WatchFor(ctx, "SELECT * FROM __InstanceCreationEvent WITHIN 1 WHERE TargetInstance ISA 'Win32_Process'")
//	defer w.Close()
//	ev, err := w.Wait(ctx, 5*time.Second)
//
// Wait returns a *TimedOutError when nothing arrived in time. Once the
// subscription ends it returns ErrNoMoreEvents, possibly joined with the
// error of that call.
//
// # Blocking calls
//
// Engine calls run through an Executor. The default runs them inline;
// NewWorkerPool runs them on a bounded set of goroutines.
package wmi
