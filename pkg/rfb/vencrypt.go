package rfb

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// VeNCrypt sub-types, matching the public registry values (not
// reassigned locally: interoperating with real clients depends on
// these exact numbers).
const (
	veNCryptPlain     = 256
	veNCryptTLSNone   = 257
	veNCryptTLSVnc    = 258
	veNCryptTLSPlain  = 259
	veNCryptX509None  = 260
	veNCryptX509Vnc   = 261
	veNCryptX509Plain = 262
)

// veNCryptVersion is the two-step negotiation's first message: a
// major.minor byte pair, fixed at 0.2 (the only version this repo
// implements).
var veNCryptVersion = [2]byte{0, 2}

// TLSConfig supplies the certificate material the ChannelSecurity
// phase needs, per spec.md §6's {caCertFile, caCrlFile?,
// clientCertFile?, clientKeyFile?, x509CrlVerifyMode} callback.
type TLSConfig struct {
	ServerCertFile string
	ServerKeyFile  string
	// Anonymous is not read by the VeNCrypt negotiation: the TLS*
	// sub-types run a TLS server handshake without a server
	// certificate whatever its value.
	Anonymous bool
	// Credentials, if set, is consulted for the X509Vnc/X509Plain
	// sub-types to load a CA bundle and require a verified client
	// certificate.
	Credentials CredentialProvider
}

// runVeNCrypt drives the ChannelSecurity phase: a two-step version
// handshake, a nested sub-type list (the detail spec.md only gestures
// at; the original sends a version pair before the sub-type list, see
// SPEC_FULL §12), then a TLS handshake layered under the existing
// wire.Conn via SetSecureLayer.
func (c *Client) runVeNCrypt(ctx context.Context, tlsCfg TLSConfig, subTypes []uint32) (chosen uint32, err error) {
	if err := c.conn.WriteExact(veNCryptVersion[:]); err != nil {
		return 0, rfberr.New(rfberr.Transport, "runVeNCrypt", "write version", err)
	}
	peerVersion, err := c.conn.ReadExact(ctx, 2)
	if err != nil {
		return 0, rfberr.New(rfberr.Transport, "runVeNCrypt", "read peer version", err)
	}
	// ack: 0 = supported, 0xFF = rejected (we only ever support 0.2).
	ack := uint8(0)
	if peerVersion[0] != veNCryptVersion[0] || peerVersion[1] != veNCryptVersion[1] {
		ack = 0xFF
	}
	if err := c.conn.WriteUint8(ack); err != nil {
		return 0, rfberr.New(rfberr.Transport, "runVeNCrypt", "write version ack", err)
	}
	if ack != 0 {
		return 0, rfberr.New(rfberr.Protocol, "runVeNCrypt", "unsupported VeNCrypt version", nil)
	}

	if err := c.conn.WriteUint8(uint8(len(subTypes))); err != nil {
		return 0, rfberr.New(rfberr.Transport, "runVeNCrypt", "write subtype count", err)
	}
	for _, t := range subTypes {
		if err := c.conn.WriteUint32(t); err != nil {
			return 0, rfberr.New(rfberr.Transport, "runVeNCrypt", "write subtype", err)
		}
	}
	want, err := c.conn.ReadUint32(ctx)
	if err != nil {
		return 0, rfberr.New(rfberr.Transport, "runVeNCrypt", "read chosen subtype", err)
	}
	found := false
	for _, t := range subTypes {
		if t == want {
			found = true
			break
		}
	}
	if !found {
		return 0, rfberr.New(rfberr.Protocol, "runVeNCrypt", "client chose unoffered subtype", nil)
	}

	switch want {
	case veNCryptPlain:
		return want, nil
	case veNCryptTLSNone, veNCryptTLSVnc, veNCryptTLSPlain:
		return want, c.upgradeTLS(tls.Config{InsecureSkipVerify: true})
	case veNCryptX509None, veNCryptX509Vnc, veNCryptX509Plain:
		cert, err := tls.LoadX509KeyPair(tlsCfg.ServerCertFile, tlsCfg.ServerKeyFile)
		if err != nil {
			return 0, rfberr.New(rfberr.Auth, "runVeNCrypt", "load server certificate", err)
		}
		cfg := tls.Config{Certificates: []tls.Certificate{cert}}
		// X509Vnc/X509Plain additionally authenticate the client by its
		// own certificate, verified against the CA bundle the
		// application supplies; X509None only encrypts the channel.
		if want != veNCryptX509None && tlsCfg.Credentials != nil {
			caCertFile, _, _, _, err := tlsCfg.Credentials.GetCredentials()
			if err != nil {
				return 0, rfberr.New(rfberr.Auth, "runVeNCrypt", "load client CA credentials", err)
			}
			if caCertFile != "" {
				pool, err := loadCertPool(caCertFile)
				if err != nil {
					return 0, rfberr.New(rfberr.Auth, "runVeNCrypt", "parse CA bundle", err)
				}
				cfg.ClientCAs = pool
				cfg.ClientAuth = tls.RequireAndVerifyClientCert
			}
		}
		return want, c.upgradeTLS(cfg)
	default:
		return 0, rfberr.New(rfberr.Protocol, "runVeNCrypt", "unknown subtype", nil)
	}
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, rfberr.New(rfberr.Auth, "loadCertPool", "no certificates found in CA bundle", nil)
	}
	return pool, nil
}

func (c *Client) upgradeTLS(cfg tls.Config) error {
	tc := tls.Server(c.rawConn, &cfg)
	if err := tc.HandshakeContext(context.Background()); err != nil {
		return rfberr.New(rfberr.Auth, "upgradeTLS", "TLS handshake failed", err)
	}
	c.conn.SetSecureLayer(tc)
	return nil
}
