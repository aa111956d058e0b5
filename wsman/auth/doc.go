// Package auth authenticates WS-Management requests to a WinRM listener.
//
// The WINRM driver picks an Authenticator from the session credentials:
//
//   - Basic, for local accounts. Credentials travel in clear text, so use
//     it over HTTPS only.
//   - NTLM, through github.com/Azure/go-ntlmssp. This is what a
//     user name and password select when no Kerberos settings are given.
//   - Negotiate, a SPNEGO exchange driven by a SecurityProvider: SSPI on
//     Windows, github.com/go-krb5/krb5 elsewhere.
//
// Without explicit credentials, Windows logs on as the current user. Other
// platforms need a credential cache from kinit or a keytab.
//
// Negotiate leaves message bodies unsealed. Over HTTPS the certificate
// hash is bound into the SSPI exchange as a channel binding token.
//
// A Kerberos-authenticated destination looks like:
//
//	provider, err := auth.NewKerberosProvider(auth.KerberosProviderConfig{
//	    TargetSPN:  auth.ServicePrincipal("srv1.corp.example"),
//	    Realm:      "CORP.EXAMPLE",
//	    CCachePath: "/tmp/krb5cc_1000",
//	})
//	if err != nil {
//	    return err
//	}
//	a := auth.NewNegotiateAuth(provider)
package auth
