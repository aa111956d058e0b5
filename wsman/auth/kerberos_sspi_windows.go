//go:build windows

package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"unsafe"

	"github.com/alexbrainman/sspi"
)

// secbufferChannelBindings is SECBUFFER_CHANNEL_BINDINGS.
const secbufferChannelBindings = 14


// SSPIProvider implements the SecurityProvider interface using Windows SSPI.
// It uses the Negotiate security package (SPNEGO) with Channel Binding Token support.
type SSPIProvider struct {
	username    string
	password    string
	domain      string
	targetSPN   string
	packageName string
	maxToken    uint32
	complete    bool

	channelBindings []byte
	cred            *sspi.Credentials
	ctx             *sspi.Context
	targetName      *uint16
}

// NewSSPIProvider creates a new SSPI-based provider.
func NewSSPIProvider(config SSPIConfig, targetSPN string) (*SSPIProvider, error) {
	packageName := config.PackageName
	if packageName == "" {
		packageName = sspi.NEGOSSP_NAME
	}

	pkgInfo, err := sspi.QueryPackageInfo(packageName)
	if err != nil {
		return nil, fmt.Errorf("query SSPI package: %w", err)
	}

	p := &SSPIProvider{
		targetSPN:   targetSPN,
		packageName: packageName,
		maxToken:    pkgInfo.MaxToken,
	}
	if !config.UseDefaultCreds {
		p.username = config.Username
		p.password = config.Password
		p.domain = config.Domain
	}
	return p, nil
}

// Complete returns true if the authentication exchange is complete.
func (p *SSPIProvider) Complete() bool {
	return p.complete
}

// Step performs a step in the SSPI handshake.
func (p *SSPIProvider) Step(ctx context.Context, serverToken []byte) ([]byte, bool, error) {
	if p.complete {
		return nil, false, nil
	}

	if p.cred == nil {
		if err := p.acquire(); err != nil {
			return nil, false, err
		}
		tname, err := syscall.UTF16PtrFromString(p.targetSPN)
		if err != nil {
			return nil, false, fmt.Errorf("convert SPN to UTF-16: %w", err)
		}
		p.targetName = tname

		if hash, ok := ctx.Value(ContextKeyChannelBindings).([]byte); ok && len(hash) > 0 {
			p.channelBindings = makeChannelBindings(hash)
		}
		slog.Debug("SSPI context created",
			"targetSPN", p.targetSPN,
			"package", p.packageName,
			"cbt", len(p.channelBindings) > 0)
	}

	token, done, err := p.update(serverToken)
	if err != nil {
		return nil, false, err
	}
	p.complete = done
	return token, !done, nil
}

func (p *SSPIProvider) acquire() error {
	var identity *byte
	if p.username != "" {
		var err error
		identity, err = buildAuthIdentity(p.domain, p.username, p.password)
		if err != nil {
			return fmt.Errorf("build auth identity: %w", err)
		}
	}

	cred, err := sspi.AcquireCredentials("", p.packageName, sspi.SECPKG_CRED_OUTBOUND, identity)
	if err != nil {
		return fmt.Errorf("acquire SSPI credentials: %w", err)
	}
	p.cred = cred

	flags := sspi.ISC_REQ_CONNECTION |
		sspi.ISC_REQ_MUTUAL_AUTH |
		sspi.ISC_REQ_INTEGRITY |
		sspi.ISC_REQ_CONFIDENTIALITY |
		sspi.ISC_REQ_REPLAY_DETECT |
		sspi.ISC_REQ_SEQUENCE_DETECT
	p.ctx = sspi.NewClientContext(p.cred, uint32(flags))
	return nil
}

func (p *SSPIProvider) update(serverToken []byte) ([]byte, bool, error) {
	// On the first call SSPI expects no token buffer at all.
	var in []sspi.SecBuffer
	if len(serverToken) > 0 {
		var b sspi.SecBuffer
		b.Set(sspi.SECBUFFER_TOKEN, serverToken)
		in = append(in, b)
	}
	if len(p.channelBindings) > 0 {
		var b sspi.SecBuffer
		b.Set(secbufferChannelBindings, p.channelBindings)
		in = append(in, b)
	}
	var inDesc *sspi.SecBufferDesc
	if len(in) > 0 {
		inDesc = &sspi.SecBufferDesc{
			Version:      sspi.SECBUFFER_VERSION,
			BuffersCount: uint32(len(in)),
			Buffers:      &in[0],
		}
	}

	dst := make([]byte, p.maxToken)
	var out [1]sspi.SecBuffer
	out[0].Set(sspi.SECBUFFER_TOKEN, dst)
	outDesc := &sspi.SecBufferDesc{
		Version:      sspi.SECBUFFER_VERSION,
		BuffersCount: 1,
		Buffers:      &out[0],
	}

	ret := p.ctx.Update(p.targetName, outDesc, inDesc)
	n := int(out[0].BufferSize)

	switch ret {
	case sspi.SEC_E_OK:
		return dst[:n], true, nil
	case sspi.SEC_I_CONTINUE_NEEDED:
		return dst[:n], false, nil
	case sspi.SEC_I_COMPLETE_NEEDED, sspi.SEC_I_COMPLETE_AND_CONTINUE:
		if r := sspi.CompleteAuthToken(p.ctx.Handle, outDesc); r != sspi.SEC_E_OK {
			return nil, false, fmt.Errorf("complete auth token: SSPI error 0x%x", uint32(r))
		}
		return dst[:n], ret == sspi.SEC_I_COMPLETE_NEEDED, nil
	default:
		return nil, false, fmt.Errorf("SSPI InitializeSecurityContext: error 0x%x", uint32(ret))
	}
}

// Close releases the SSPI resources.
func (p *SSPIProvider) Close() error {
	var errs []error
	if p.ctx != nil {
		if err := p.ctx.Release(); err != nil {
			errs = append(errs, fmt.Errorf("context release: %w", err))
		}
		p.ctx = nil
	}
	if p.cred != nil {
		if err := p.cred.Release(); err != nil {
			errs = append(errs, fmt.Errorf("credentials release: %w", err))
		}
		p.cred = nil
	}
	return errors.Join(errs...)
}

// makeChannelBindings builds a SEC_CHANNEL_BINDINGS structure carrying the
// tls-server-end-point application data.
func makeChannelBindings(hash []byte) []byte {
	const headerLen = 32
	appData := append([]byte("tls-server-end-point:"), hash...)
	buf := make([]byte, headerLen+len(appData))
	binary.LittleEndian.PutUint32(buf[24:], uint32(len(appData)))
	binary.LittleEndian.PutUint32(buf[28:], headerLen)
	copy(buf[headerLen:], appData)
	return buf
}

// buildAuthIdentity creates a SEC_WINNT_AUTH_IDENTITY structure for explicit credentials.
func buildAuthIdentity(domain, username, password string) (*byte, error) {
	d, err := syscall.UTF16FromString(domain)
	if err != nil {
		return nil, fmt.Errorf("encode domain to UTF-16: %w", err)
	}
	u, err := syscall.UTF16FromString(username)
	if err != nil {
		return nil, fmt.Errorf("encode username to UTF-16: %w", err)
	}
	pw, err := syscall.UTF16FromString(password)
	if err != nil {
		return nil, fmt.Errorf("encode password to UTF-16: %w", err)
	}
	identity := &sspi.SEC_WINNT_AUTH_IDENTITY{
		User:           &u[0],
		UserLength:     uint32(len(u) - 1),
		Domain:         &d[0],
		DomainLength:   uint32(len(d) - 1),
		Password:       &pw[0],
		PasswordLength: uint32(len(pw) - 1),
		Flags:          sspi.SEC_WINNT_AUTH_IDENTITY_UNICODE,
	}
	return (*byte)(unsafe.Pointer(identity)), nil
}
