// Command scrawl-token mints session tokens for a scrawl server and generates
// signing keys.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/pflag"

	"github.com/manpreetbhatti/scrawl/internal/auth"
)

// Env supplies the flag defaults
type Env struct {
	Key envconfig.Base64Bytes `env:"SCRAWL_TOKEN_KEY"`
	TTL time.Duration         `env:"SCRAWL_TOKEN_TTL,default=720h"`
}

func main() {
	if err := run(context.Background(), os.Args[1:], envconfig.OsLookuper(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookuper envconfig.Lookuper, out io.Writer) error {
	var env Env
	if err := envconfig.ProcessWith(ctx, &env, lookuper); err != nil {
		return err
	}

	var (
		identity    string
		encodedKey  string
		ttl         time.Duration
		generateKey bool
	)

	defaultKey := ""
	if len(env.Key) > 0 {
		defaultKey = base64.StdEncoding.EncodeToString(env.Key)
	}

	flagSet := pflag.NewFlagSet("scrawl-token", pflag.ContinueOnError)
	flagSet.StringVarP(&identity, "identity", "i", "", "identity the token is issued to")
	flagSet.StringVar(&encodedKey, "key", defaultKey, "base64 signing key seed (default: $SCRAWL_TOKEN_KEY)")
	flagSet.DurationVar(&ttl, "ttl", env.TTL, "token lifetime (default: $SCRAWL_TOKEN_TTL or 720h)")
	flagSet.BoolVar(&generateKey, "generate-key", false, "print a new signing key seed and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}

	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	if generateKey {
		seed, err := auth.GenerateSeed()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, base64.StdEncoding.EncodeToString(seed))
		return nil
	}

	if identity == "" {
		return errors.New("--identity is required")
	}
	if encodedKey == "" {
		return errors.New("--key or SCRAWL_TOKEN_KEY is required")
	}
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	seed, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return fmt.Errorf("decoding key: %w", err)
	}
	key, err := auth.KeyFromSeed(seed)
	if err != nil {
		return err
	}

	token, err := auth.NewIssuer(key, ttl).Mint(identity)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, token)
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Mint a session token for a scrawl server.

Usage:
  scrawl-token --identity alice [--ttl 24h]
  scrawl-token --generate-key

Flags:
%s`, flagSet.FlagUsages())
}
