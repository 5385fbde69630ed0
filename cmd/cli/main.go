// Command ledger is a CLI client for the reward ledger service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/and161185/rewardledger/internal/api"
	"github.com/and161185/rewardledger/internal/errs"
	u "github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "rewardledger")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "rewardledger")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func localDBPath() string { return filepath.Join(cfgDir(), "offline.db") }

func saveToken(tok string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (run `ledger token` or set LEDGER_TOKEN)")
	}
	return tf.AccessToken, nil
}

// mintToken signs an HS256 access token for userID, as the auth provider would.
func mintToken(key []byte, userID u.UUID, ttl time.Duration, now time.Time) (string, time.Time, error) {
	exp := now.Add(ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString(key)
	return s, exp, err
}

// tokenSubject reads the user id from a token without verifying it; the
// server does the verification.
func tokenSubject(tok string) (u.UUID, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return u.Nil, fmt.Errorf("parse token: %w", err)
	}
	id, err := u.FromString(claims.Subject)
	if err != nil || id == u.Nil {
		return u.Nil, errors.New("token has no user subject")
	}
	return id, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type dialOpts struct {
	addr       string
	caPath     string
	skipVerify bool
	plaintext  bool
	token      string
}

func dial(o dialOpts) (*grpc.ClientConn, *api.Client, error) {
	creds := insecure.NewCredentials()
	if !o.plaintext {
		c, err := loadTLS(o.caPath, o.skipVerify)
		if err != nil {
			return nil, nil, err
		}
		creds = c
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if o.token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: o.token, secure: !o.plaintext}))
	}
	cc, err := grpc.NewClient(o.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, api.NewClient(cc), nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `ledger CLI
Usage:
  ledger -addr HOST:PORT [-cacert file | -insecure | -plaintext] [-token JWT] <cmd> [args]

Commands:
  version
  token        -key <hs256 key> -user <uuid> [-ttl 24h]   (dev: mint and save a token)
  balance
  watch                                                   (stream balance updates)
  add          -points N -desc TEXT [-category ID] [-type earned|bonus|adjusted]
  edit         -id <uuid> [-points N] [-desc TEXT] [-category ID] [-type T]
  rm           -id <uuid> -yes
  batch        -file <ops.json|->
  history      [-from DATE] [-to DATE] [-category ID] [-types a,b] [-page N] [-limit N]
  redemptions  [-from DATE] [-to DATE] [-status a,b] [-option ID] [-page N] [-limit N]
  summary      [-from DATE] [-to DATE]
  stats        [-from DATE] [-to DATE]
  categories
  category-add -name NAME [-desc TEXT] [-color #RRGGBB] [-icon NAME]
  category-rm  -id ID -reassign ID
  options      [-available]
  redeem       -option ID -points N [-notes TEXT]
  cancel       -id <uuid> [-reason TEXT]
  complete     -id <uuid>
  export       [-format json|csv] [-o FILE]
  offline-add  -points N -desc TEXT [-category ID] [-type T]   (local store only)
  pending                                                      (local changes not yet synced)
  sync
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands and configures TLS/auth for RPC calls.
func main() {
	// global flags
	addr := flag.String("addr", "localhost:8443", "server addr")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	skipVerify := flag.Bool("insecure", false, "skip cert verify (dev)")
	plaintext := flag.Bool("plaintext", false, "connect without TLS (dev)")
	token := flag.String("token", os.Getenv("LEDGER_TOKEN"), "access token (default: saved token)")
	local := flag.String("local", "", "offline store path (default: config dir)")
	timeout := flag.Duration("timeout", 30*time.Second, "per-command timeout (not applied to watch)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	switch cmd {
	case "version":
		fmt.Printf("ledger %s (%s)\n", version, buildDate)
		return
	case "token":
		if err := cmdToken(args, os.Stdout); err != nil {
			fail(err)
		}
		return
	}

	ctx := context.Background()
	if cmd != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	if *token == "" {
		t, err := loadToken()
		if err != nil {
			fail(err)
		}
		*token = t
	}
	userID, err := tokenSubject(*token)
	if err != nil {
		fail(err)
	}

	if *local == "" {
		*local = localDBPath()
	}
	env := &cliEnv{
		out:       os.Stdout,
		user:      userID,
		localPath: *local,
		connect: func() (*api.Client, func(), error) {
			cc, cl, err := dial(dialOpts{addr: *addr, caPath: *caPath, skipVerify: *skipVerify, plaintext: *plaintext, token: *token})
			if err != nil {
				return nil, nil, err
			}
			return cl, func() { _ = cc.Close() }, nil
		},
	}
	if err := env.run(ctx, cmd, args); err != nil {
		if errors.Is(err, errUnknownCommand) {
			usage()
		}
		fail(err)
	}
}

// ---- helpers ----

func fail(err error) {
	var verr *errs.ValidationError
	var ierr *errs.InsufficientPointsError
	switch {
	case errors.As(err, &verr):
		fmt.Fprintf(os.Stderr, "rejected: rule=%s field=%s code=%s: %s\n", verr.Rule, verr.Field, verr.Code, verr.Msg)
	case errors.As(err, &ierr):
		fmt.Fprintf(os.Stderr, "rejected: %v (short by %d)\n", ierr, ierr.Shortfall())
	default:
		if s, ok := status.FromError(err); ok {
			fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	os.Exit(1)
}
