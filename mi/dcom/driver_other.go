//go:build !windows

package dcom

import (
	"context"
	"runtime"

	"github.com/smnsjas/go-wmi/mi"
)

func (d *Driver) newSession(_ context.Context, computer string, dest *mi.DestinationOptions) (mi.Session, error) {
	if _, err := newConnectArgs(computer, dest); err != nil {
		return nil, err
	}
	return nil, mi.NewError(mi.ResultNotSupported, "WMIDCOM is not available on %s", runtime.GOOS)
}
