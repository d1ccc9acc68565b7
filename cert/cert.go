// Package cert encapsulates the CURVE-equivalent keypair each broker uses
// to authenticate itself to its parent and its children, plus whatever
// free-form metadata the broker wants to persist alongside it (role,
// hostname, generation time). Keypairs come from kyber's key utilities;
// the on-disk form is a small indented text format.
package cert

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"
)

// suite is the fixed ciphersuite used for all certificate keypairs. A
// single, hard-coded suite means the wire format never needs to carry a
// suite identifier.
var suite = edwards25519.NewBlakeSHA256Ed25519()

// KeyLen is the length in bytes of a CURVE public or secret key.
const KeyLen = 32

// Z85Len is the length in characters of a Z85-encoded KeyLen-byte key.
const Z85Len = 40

// Cert holds a single CURVE-equivalent keypair (public key always present,
// secret key present only for own/local certs) plus metadata.
type Cert struct {
	public kyber.Point
	secret kyber.Scalar // nil for a public-only (remote peer) cert

	publicZ85 string
	secretZ85 string // "" for a public-only cert

	meta map[string]string
}

// ErrPublicOnly is returned by Apply when the cert has no secret key.
var ErrPublicOnly = xerrors.New("certificate has no secret key")

// Create generates a fresh CURVE-equivalent keypair.
func Create() (*Cert, error) {
	kp := key.NewKeyPair(suite)
	pubZ85, err := pointToZ85(kp.Public)
	if err != nil {
		return nil, xerrors.Errorf("encoding public key: %v", err)
	}
	secZ85, err := scalarToZ85(kp.Private)
	if err != nil {
		return nil, xerrors.Errorf("encoding secret key: %v", err)
	}
	return &Cert{
		public:    kp.Public,
		secret:    kp.Private,
		publicZ85: pubZ85,
		secretZ85: secZ85,
		meta:      make(map[string]string),
	}, nil
}

// CreateFrom builds a Cert from Z85-encoded key material. Either argument
// may be empty, but at least one of them must be given. If both are
// given, decoding the secret must yield a public half equal to public.
func CreateFrom(public, secret string) (*Cert, error) {
	if public == "" && secret == "" {
		return nil, xerrors.New("cert: need at least one of public or secret key")
	}
	c := &Cert{meta: make(map[string]string)}

	if secret != "" {
		if err := validZ85(secret); err != nil {
			return nil, xerrors.Errorf("secret key: %v", err)
		}
		sc, err := z85ToScalar(secret)
		if err != nil {
			return nil, xerrors.Errorf("decoding secret key: %v", err)
		}
		c.secret = sc
		c.secretZ85 = secret
		c.public = suite.Point().Mul(sc, nil)
		derived, err := pointToZ85(c.public)
		if err != nil {
			return nil, xerrors.Errorf("encoding derived public key: %v", err)
		}
		c.publicZ85 = derived
	}

	if public != "" {
		if err := validZ85(public); err != nil {
			return nil, xerrors.Errorf("public key: %v", err)
		}
		if c.publicZ85 != "" && c.publicZ85 != public {
			return nil, xerrors.New("cert: public key does not match secret key")
		}
		if c.publicZ85 == "" {
			pt, err := z85ToPoint(public)
			if err != nil {
				return nil, xerrors.Errorf("decoding public key: %v", err)
			}
			c.public = pt
			c.publicZ85 = public
		}
	}

	return c, nil
}

// Public returns the Z85-encoded public key (always present).
func (c *Cert) Public() string { return c.publicZ85 }

// Secret returns the Z85-encoded secret key, or "" if this cert is
// public-only (representing a remote peer).
func (c *Cert) Secret() string { return c.secretZ85 }

// PublicPoint returns the decoded public key.
func (c *Cert) PublicPoint() kyber.Point { return c.public }

// SecretScalar returns the decoded secret key, or nil if public-only.
func (c *Cert) SecretScalar() kyber.Scalar { return c.secret }

// HasSecret reports whether this cert can sign/authenticate as its own
// identity, as opposed to merely representing a remote peer.
func (c *Cert) HasSecret() bool { return c.secret != nil }

// MetaSet stores a free-form metadata attribute.
func (c *Cert) MetaSet(key, value string) {
	if c.meta == nil {
		c.meta = make(map[string]string)
	}
	c.meta[key] = value
}

// MetaGet retrieves a free-form metadata attribute.
func (c *Cert) MetaGet(key string) (string, bool) {
	v, ok := c.meta[key]
	return v, ok
}

// Equal reports whether two certs carry the same public and secret keys.
func Equal(a, b *Cert) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.publicZ85 == b.publicZ85 && a.secretZ85 == b.secretZ85
}

// Authenticator is the minimal surface the transport layer needs in order
// to run a CURVE-style handshake; no transport type in this repository
// implements it.
type Authenticator interface {
	SetCurveKeypair(publicZ85, secretZ85 string)
	SetCurveServer(domain string)
	SetCurveServerKey(publicZ85 string)
}

// Apply configures a transport socket to use this cert's keypair. It
// fails with ErrPublicOnly if the cert has no secret key, mirroring
// zcert_apply()'s EINVAL behavior.
func (c *Cert) Apply(sock Authenticator) error {
	if c.secret == nil {
		return ErrPublicOnly
	}
	sock.SetCurveKeypair(c.publicZ85, c.secretZ85)
	return nil
}

// --- textual read/write format ---
//
//   metadata
//       role = "broker"
//       hostname = "r0"
//   curve
//       public-key = "..."   (40 chars)
//       secret-key = "..."   (40 chars, omitted for public-only certs)
//
// Blank lines, '#' comments, and indented comments are allowed. Section
// headers are unindented; keys are one indentation level (a tab or at
// least one space).

// Write serializes the cert in the textual format described above.
func Write(w io.Writer, c *Cert) error {
	bw := bufio.NewWriter(w)
	if len(c.meta) > 0 {
		fmt.Fprintln(bw, "metadata")
		for k, v := range c.meta {
			fmt.Fprintf(bw, "\t%s = %q\n", k, v)
		}
	}
	fmt.Fprintln(bw, "curve")
	fmt.Fprintf(bw, "\tpublic-key = %q\n", c.publicZ85)
	if c.secretZ85 != "" {
		fmt.Fprintf(bw, "\tsecret-key = %q\n", c.secretZ85)
	}
	return bw.Flush()
}

// Read parses the textual format produced by Write.
func Read(r io.Reader) (*Cert, error) {
	scanner := bufio.NewScanner(r)
	section := ""
	meta := make(map[string]string)
	var public, secret string
	sawCurve := false
	lines := 0

	for scanner.Scan() {
		raw := scanner.Text()
		lines++
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		indented := len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
		if !indented {
			switch trimmed {
			case "metadata":
				section = "metadata"
			case "curve":
				section = "curve"
				sawCurve = true
			default:
				return nil, xerrors.Errorf("cert: unknown section %q", trimmed)
			}
			continue
		}
		if section == "" {
			return nil, xerrors.New("cert: key outside of any section")
		}
		key, value, err := parseKV(trimmed)
		if err != nil {
			return nil, xerrors.Errorf("cert: %v", err)
		}
		switch section {
		case "metadata":
			meta[key] = value
		case "curve":
			switch key {
			case "public-key":
				public = value
			case "secret-key":
				secret = value
			default:
				return nil, xerrors.Errorf("cert: unknown curve key %q", key)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("cert: reading: %v", err)
	}
	if lines == 0 {
		return nil, xerrors.New("cert: empty input")
	}
	if !sawCurve {
		return nil, xerrors.New("cert: missing curve section")
	}
	if public == "" && secret == "" {
		return nil, xerrors.New("cert: missing public and secret key")
	}

	c, err := CreateFrom(public, secret)
	if err != nil {
		return nil, err
	}
	c.meta = meta
	return c, nil
}

// ReadFile reads a cert from path, refusing to load a secret-holding cert
// that is readable by group or other: secret-holding files must not be
// group- or world-readable.
func ReadFile(path string) (*Cert, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, xerrors.Errorf("stat: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open: %v", err)
	}
	defer f.Close()

	c, err := Read(f)
	if err != nil {
		return nil, err
	}
	if c.HasSecret() && fi.Mode().Perm()&0077 != 0 {
		return nil, xerrors.Errorf("cert: %s is readable by group or other (mode %v)", path, fi.Mode().Perm())
	}
	return c, nil
}

// WriteFile writes c to path. Secret-holding certs are written with mode
// 0600; public-only certs are written 0644.
func WriteFile(path string, c *Cert) error {
	mode := os.FileMode(0644)
	if c.HasSecret() {
		mode = 0600
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return xerrors.Errorf("open: %v", err)
	}
	defer f.Close()
	return Write(f, c)
}

func parseKV(line string) (key, value string, err error) {
	eq := strings.Index(line, "=")
	if eq < 0 {
		return "", "", xerrors.Errorf("malformed line %q", line)
	}
	key = strings.TrimSpace(line[:eq])
	rest := strings.TrimSpace(line[eq+1:])
	value, err = strconv.Unquote(rest)
	if err != nil {
		return "", "", xerrors.Errorf("unterminated or malformed quoted value %q: %v", rest, err)
	}
	if len(key) > Z85Len {
		return "", "", xerrors.Errorf("key %q too long", key)
	}
	return key, value, nil
}
