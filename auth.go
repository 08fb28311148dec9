package sftpx

import (
	"bufio"
	"net"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Credential holds the material used to authenticate a session. Key material
// takes precedence over a password.
type Credential struct {
	// Password authenticates by password or keyboard-interactive.
	Password string

	// PrivateKey is PEM encoded key text. Mutually exclusive with KeyPath.
	PrivateKey string

	// KeyPath is the path of a private key file. "~/" is expanded.
	KeyPath string

	// Passphrase decrypts an encrypted private key.
	Passphrase string

	// Certificate is an OpenSSH certificate in authorized_keys format, used
	// together with the private key.
	Certificate string

	// CertificatePath is the path of the certificate file.
	CertificatePath string

	// Signers are used as-is, bypassing key parsing.
	Signers []ssh.Signer

	// UseAgent adds the keys held by the agent at $SSH_AUTH_SOCK.
	UseAgent bool
}

// IsZero reports whether no authentication material is set.
func (c Credential) IsZero() bool {
	return c.Password == "" && c.PrivateKey == "" && c.KeyPath == "" &&
		len(c.Signers) == 0 && !c.UseAgent
}

// keyKind is a family of private key formats identified by the first line of
// the key text.
type keyKind struct {
	marker string
	name   string
	accept func(ssh.PublicKey) bool
}

func acceptAlgorithms(algos ...string) func(ssh.PublicKey) bool {
	return func(k ssh.PublicKey) bool {
		return slices.Contains(algos, k.Type())
	}
}

func acceptAny(ssh.PublicKey) bool { return true }

// keyKinds is checked in order; the first marker found in the header wins.
var keyKinds = []keyKind{
	{marker: "DSA", name: "DSA", accept: acceptAlgorithms(ssh.KeyAlgoDSA)},
	{marker: "EC", name: "ECDSA", accept: acceptAlgorithms(
		ssh.KeyAlgoECDSA256, ssh.KeyAlgoECDSA384, ssh.KeyAlgoECDSA521)},
	{marker: "OPENSSH", name: "OpenSSH", accept: acceptAny},
	{marker: "RSA", name: "RSA", accept: acceptAlgorithms(ssh.KeyAlgoRSA)},
	{marker: "PRIVATE KEY", name: "PKCS#8", accept: acceptAny},
}

// detectKeyKind picks the key family from the first non-empty line.
func detectKeyKind(pemText []byte) (keyKind, bool) {
	sc := bufio.NewScanner(strings.NewReader(string(pemText)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		for _, k := range keyKinds {
			if strings.Contains(line, k.marker) {
				return k, true
			}
		}
		return keyKind{}, false
	}
	return keyKind{}, false
}

// parsePrivateKey turns key text into a signer, checking that the parsed key
// belongs to the family announced by its header.
func parsePrivateKey(pemText []byte, passphrase string) (ssh.Signer, error) {
	kind, ok := detectKeyKind(pemText)
	if !ok {
		return nil, &CredentialError{Msg: "unsupported private key format"}
	}

	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemText, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pemText)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, &CredentialError{Msg: "key is encrypted and no passphrase was provided"}
		}
		return nil, &CredentialError{Msg: "invalid " + kind.name + " private key", Err: err}
	}

	if !kind.accept(signer.PublicKey()) {
		return nil, &CredentialError{Msg: "invalid " + kind.name + " private key: found " +
			signer.PublicKey().Type()}
	}
	return signer, nil
}

func readKeyFile(p string) ([]byte, error) {
	p = ExpandPath(p)
	fi, err := os.Stat(p)
	if err != nil {
		return nil, &CredentialError{Msg: "private key file not found: " + p, Err: err}
	}
	if !fi.Mode().IsRegular() {
		return nil, &CredentialError{Msg: "private key path is not a regular file: " + p}
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, &CredentialError{Msg: "failed to read private key file", Err: err}
	}
	return data, nil
}

func (c Credential) keyText() ([]byte, error) {
	if c.PrivateKey != "" {
		return []byte(c.PrivateKey), nil
	}
	if c.KeyPath != "" {
		return readKeyFile(c.KeyPath)
	}
	return nil, nil
}

func (c Credential) certificate() (*ssh.Certificate, error) {
	var data []byte
	switch {
	case c.Certificate != "":
		data = []byte(c.Certificate)
	case c.CertificatePath != "":
		var err error
		data, err = os.ReadFile(ExpandPath(c.CertificatePath))
		if err != nil {
			return nil, &CredentialError{Msg: "failed to read certificate file", Err: err}
		}
	default:
		return nil, nil
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, &CredentialError{Msg: "failed to parse certificate", Err: err}
	}
	cert, ok := pub.(*ssh.Certificate)
	if !ok {
		return nil, &CredentialError{Msg: "provided file is not an SSH certificate"}
	}
	return cert, nil
}

// resolveSigners loads every key the credential names.
func (c Credential) resolveSigners() ([]ssh.Signer, error) {
	signers := slices.Clone(c.Signers)

	text, err := c.keyText()
	if err != nil {
		return nil, err
	}
	if text != nil {
		signer, err := parsePrivateKey(text, c.Passphrase)
		if err != nil {
			return nil, err
		}

		cert, err := c.certificate()
		if err != nil {
			return nil, err
		}
		if cert != nil {
			signer, err = ssh.NewCertSigner(cert, signer)
			if err != nil {
				return nil, &CredentialError{Msg: "failed to create certificate signer", Err: err}
			}
		}
		signers = append(signers, signer)
	}

	if c.UseAgent {
		agentSigners, err := agentSigners()
		if err != nil {
			return nil, err
		}
		signers = append(signers, agentSigners...)
	}

	return signers, nil
}

func agentSigners() ([]ssh.Signer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, &CredentialError{Msg: "SSH_AUTH_SOCK is not set"}
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, &CredentialError{Msg: "failed to connect to ssh agent", Err: err}
	}
	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		conn.Close()
		return nil, &CredentialError{Msg: "failed to list agent keys", Err: err}
	}
	return signers, nil
}
