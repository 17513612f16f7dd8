// Package main generates a Certificate Authority (CA), a server certificate
// and one client certificate per operator, writing them under a directory.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/certgen"
)

type options struct {
	dir       string
	hosts     []string
	operators []string
	reuseCA   bool
}

func main() {
	var opts options
	fs := flag.NewFlagSet("certgen", flag.ExitOnError)
	fs.StringVarP(&opts.dir, "dir", "d", "certs", "output directory")
	fs.StringSliceVar(&opts.hosts, "host", []string{"localhost", "127.0.0.1"}, "server host names and IPs")
	fs.StringSliceVarP(&opts.operators, "operator", "o", []string{"operator"}, "operator names (client certificate CN)")
	fs.BoolVar(&opts.reuseCA, "reuse-ca", false, "sign with an existing dir/ca.crt and dir/ca.key")
	_ = fs.Parse(os.Args[1:])

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "certgen:", err)
		os.Exit(1)
	}
	fmt.Printf("Certificates generated into %s\n", opts.dir)
}

func run(opts options) error {
	caCrt, caKeyPath := filepath.Join(opts.dir, "ca.crt"), filepath.Join(opts.dir, "ca.key")
	if !opts.reuseCA {
		certPEM, keyPEM, err := certgen.GenerateCA("wsipseudo CA")
		if err != nil {
			return err
		}
		if err := certgen.WritePair(opts.dir, "ca", certPEM, keyPEM); err != nil {
			return err
		}
	}
	caCert, caKey, err := certgen.LoadCACredentials(caCrt, caKeyPath)
	if err != nil {
		return err
	}

	certPEM, keyPEM, err := certgen.GenerateServerCertificate(opts.hosts, caCert, caKey)
	if err != nil {
		return err
	}
	if err := certgen.WritePair(opts.dir, "server", certPEM, keyPEM); err != nil {
		return err
	}

	for _, op := range opts.operators {
		certPEM, keyPEM, err := certgen.GenerateOperatorCertificate(op, caCert, caKey)
		if err != nil {
			return fmt.Errorf("operator %q: %w", op, err)
		}
		if err := certgen.WritePair(opts.dir, op, certPEM, keyPEM); err != nil {
			return err
		}
	}
	return nil
}
