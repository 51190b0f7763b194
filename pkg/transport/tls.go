package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
)

// ListenTLS wraps an existing listener (e.g. from ListenTCP) with a
// direct-TLS layer: clients dial straight into a TLS handshake with no
// VeNCrypt negotiation, the "tight VNC TLS" deployment spec.md §6
// names alongside VeNCrypt. Grounded on rjsadow-sortie's
// tls.Config{ServerName: ...}/InsecureSkipVerify client-side pattern,
// mirrored here on the server side.
func ListenTLS(inner net.Listener, certFile, keyFile string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	return tls.NewListener(inner, cfg), nil
}

// VerifyServerName checks certs (as presented by a server during a
// client-side handshake) against expectedName, the explicit
// server-name verification spec.md §6 requires whenever a connection
// is not anonymous-DH. tls.Config.ServerName already does this for a
// normal client dial; VerifyServerName exists for the cases (VeNCrypt
// TLSVnc/X509Vnc, where the VNC-Auth challenge follows only after the
// TLS layer is up) where the caller drives the handshake manually via
// VerifyPeerCertificate instead of relying on ServerName matching.
func VerifyServerName(rawCerts [][]byte, expectedName string) error {
	if expectedName == "" {
		return nil
	}
	certs := make([]*x509.Certificate, len(rawCerts))
	for i, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return err
		}
		certs[i] = cert
	}
	if len(certs) == 0 {
		return errors.New("transport: no peer certificate presented")
	}
	return certs[0].VerifyHostname(expectedName)
}
