//go:build zmq

package zmqtransport

import (
	"os"
	"strings"

	"github.com/pebbe/zmq4"

	"github.com/dermesser/clustermq"
)

// ZAP domain used for all bound sockets of this process.
const authDomain = "clustermq"

/*
Security configures CURVE encryption and authentication, following the Iron House example
of the ZeroMQ CURVE documentation. A bound socket uses Public/Secret as server keypair and
accepts AllowedClientKeys (any client if empty); a connecting socket uses its own keypair
and authenticates the server with ServerKey.

Address allow and deny lists are mutually exclusive; Allow wins if both are set.
*/
type Security struct {
	Public, Secret string
	ServerKey      string

	AllowedClientKeys []string
	Allow, Deny       []string
}

// NewSecurity generates a fresh keypair.
func NewSecurity() (*Security, error) {
	public, secret, err := zmq4.NewCurveKeypair()
	if err != nil {
		return nil, err
	}
	return &Security{Public: public, Secret: secret}, nil
}

// LoadKeys reads the Z85 keypair from two files. An empty file name leaves that key unchanged.
func (s *Security) LoadKeys(publicFile, secretFile string) error {
	for _, k := range []struct {
		file string
		dst  *string
	}{{publicFile, &s.Public}, {secretFile, &s.Secret}} {
		if k.file == "" {
			continue
		}
		b, err := os.ReadFile(k.file)
		if err != nil {
			return err
		}
		key := strings.TrimSpace(string(b))
		if key == "" {
			return clustermq.NewError(clustermq.ErrInvalidArgument, "load keys", "empty key file "+k.file)
		}
		*k.dst = key
	}
	return nil
}

// WriteKeys writes the keypair; an empty file name skips that key. The secret key file is 0600.
func (s *Security) WriteKeys(publicFile, secretFile string) error {
	if publicFile != "" {
		if err := os.WriteFile(publicFile, []byte(s.Public), 0644); err != nil {
			return err
		}
	}
	if secretFile != "" {
		return os.WriteFile(secretFile, []byte(s.Secret), 0600)
	}
	return nil
}

func (s *Security) applyServer(sock *zmq4.Socket) error {
	if s == nil {
		return nil
	}
	if s.Public == "" || s.Secret == "" {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "curve", "incomplete server keypair")
	}
	// Returns an error if already running.
	zmq4.AuthStart()

	if len(s.Allow) > 0 {
		zmq4.AuthAllow(authDomain, s.Allow...)
	} else if len(s.Deny) > 0 {
		zmq4.AuthDeny(authDomain, s.Deny...)
	}
	if len(s.AllowedClientKeys) > 0 {
		zmq4.AuthCurveAdd(authDomain, s.AllowedClientKeys...)
	} else {
		zmq4.AuthCurveAdd(authDomain, zmq4.CURVE_ALLOW_ANY)
	}
	return sock.ServerAuthCurve(authDomain, s.Secret)
}

func (s *Security) applyClient(sock *zmq4.Socket) error {
	if s == nil {
		return nil
	}
	if s.Public == "" || s.Secret == "" || s.ServerKey == "" {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "curve", "client needs a keypair and the server key")
	}
	return sock.ClientAuthCurve(s.ServerKey, s.Public, s.Secret)
}

// StopAuth tears down the ZAP handler started by a secured Listen.
func StopAuth() {
	zmq4.AuthStop()
}
