//go:build zmq

// Command cmq-keygen writes a CURVE key pair for the zmq transport.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dermesser/clustermq/transport/zmqtransport"
)

func main() {
	fmt.Println("Generating key pair...")

	var pubfile, privfile string

	flag.StringVar(&pubfile, "pub", "publickey.txt", "File to write public key to.")
	flag.StringVar(&privfile, "priv", "privatekey.txt", "File to write private key to.")

	flag.Parse()

	sec, err := zmqtransport.NewSecurity()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := sec.WriteKeys(pubfile, privfile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
