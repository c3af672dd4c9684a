// Command credtool encrypts member PINs into the stored credential format and
// checks stored values against the configured key.
//
//	credtool encrypt [-k key] [-kdf md5|pbkdf2] [-marker M]
//	credtool check [-k key] [-kdf md5|pbkdf2] [-marker M] [-min N] <value>
//
// Defaults come from the worker configuration (-c file, MEMBERSYNC_* env).
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/membersync/internal/cryptox"
	"github.com/dmitrijs2005/membersync/internal/server/config"
	"github.com/dmitrijs2005/membersync/internal/termx"
)

const usage = "usage: credtool encrypt|check [flags] [value]"

func main() {
	cfg := config.LoadConfig()
	os.Exit(run(os.Args[1:], cfg, os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, cfg *config.Config, in io.Reader, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, usage)
		return 2
	}
	verb := args[0]

	var key, kdf, marker, configPath string
	var minLength int

	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&key, "k", cfg.SecretKey, "credential secret key")
	fs.StringVar(&kdf, "kdf", cfg.CredentialKDF, "key derivation: md5 or pbkdf2")
	fs.StringVar(&marker, "marker", cfg.CredentialMarker, "ciphertext marker")
	fs.IntVar(&minLength, "min", cfg.MinPasswordLength, "minimum password length")
	fs.StringVar(&configPath, "c", "", "config file (read by the loader)")
	fs.StringVar(&configPath, "config", "", "config file (read by the loader)")

	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	codec, err := cryptox.NewCodec(key, cryptox.Options{Marker: marker, KDF: kdf, MinLength: minLength})
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	switch verb {
	case "encrypt":
		return encrypt(codec, in, out, errOut)
	case "check":
		if fs.NArg() != 1 {
			fmt.Fprintln(errOut, usage)
			return 2
		}
		return check(codec, fs.Arg(0), out)
	default:
		fmt.Fprintln(errOut, usage)
		return 2
	}
}

func encrypt(codec *cryptox.Codec, in io.Reader, out, errOut io.Writer) int {
	pin, err := termx.GetConfirmedSecret(in, errOut, "PIN: ")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	if cryptox.Digits(string(pin)) == "" {
		fmt.Fprintln(errOut, "PIN must contain digits")
		return 1
	}

	ct, err := codec.Encrypt(string(pin))
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	fmt.Fprintln(out, ct)
	return 0
}

// check never prints the resolved password, only its length.
func check(codec *cryptox.Codec, value string, out io.Writer) int {
	if codec.IsCiphertext(value) {
		fmt.Fprintln(out, "ciphertext: yes")
	} else {
		fmt.Fprintln(out, "ciphertext: no")
	}

	pw, err := codec.Resolve(value)
	if err != nil {
		if errors.Is(err, cryptox.ErrCredential) {
			fmt.Fprintf(out, "resolves: no (%v)\n", err)
			return 1
		}
		fmt.Fprintln(out, err)
		return 1
	}
	fmt.Fprintf(out, "resolves: yes (length %d)\n", len(pw))
	return 0
}
