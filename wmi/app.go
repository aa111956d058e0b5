package wmi

import (
	"log/slog"
	"sync"

	"github.com/smnsjas/go-wmi/mi"
	"github.com/smnsjas/go-wmi/mi/dcom"
	"github.com/smnsjas/go-wmi/mi/winrm"
)

var (
	appOnce sync.Once
	app     *mi.Application
)

// Application returns the process-wide engine application, creating it on
// first use with the WINRM and WMIDCOM drivers registered. It is never torn
// down.
func Application() *mi.Application {
	appOnce.Do(func() {
		app = mi.NewApplication()
		app.RegisterDriver(winrm.New(winrm.WithLogger(slog.Default())))
		app.RegisterDriver(dcom.New(dcom.WithLogger(slog.Default())))
	})
	return app
}
