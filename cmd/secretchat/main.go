// Command secretchat is a diagnostic CLI for the secretchat client.
//
// It drives the coordination-service flows (registration, prekey
// upload, bundle requests) and the local crypto helpers against a
// deterministic ratchet engine, so flows can be exercised without a
// native double-ratchet binding.
//
// Usage:
//
//	secretchat -u alice register
//	secretchat -u alice devices
//	secretchat -u alice safety-number bob
package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	client "github.com/hashbeam/secretchat"
	"github.com/hashbeam/secretchat/internal/ratchet/fake"
)

type globalOpts struct {
	DB      string `long:"db" description:"Path to database file"`
	User    string `short:"u" long:"user" description:"Local user id"`
	API     string `long:"api" description:"Coordination service base URL"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Register     registerCommand     `command:"register" description:"Register this device with the coordination service"`
	SendPreKeys  sendPreKeysCommand  `command:"send-prekeys" description:"Generate and upload a fresh prekey batch"`
	Devices      devicesCommand      `command:"devices" description:"List registered devices for this account"`
	Deregister   deregisterCommand   `command:"deregister" description:"Deregister devices from the coordination service"`
	Bundle       bundleCommand       `command:"request-bundle" description:"Request key bundles and establish sessions"`
	SafetyNumber safetyNumberCommand `command:"safety-number" description:"Show or verify the safety number with a contact"`
	Message      messageCommand      `command:"message" description:"Encrypt or decrypt a chat message envelope"`
	File         fileCommand         `command:"file" description:"Encrypt or decrypt an attachment file"`
	Listen       listenCommand       `command:"listen" description:"Stream coordination-service events"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func clientOpts() []client.Option {
	var copts []client.Option
	if opts.DB != "" {
		copts = append(copts, client.WithDBPath(opts.DB))
	}
	if opts.API != "" {
		copts = append(copts, client.WithAPIURL(opts.API))
	}
	if opts.Verbose {
		log, err := zap.NewDevelopment()
		if err == nil {
			copts = append(copts, client.WithLogger(log))
		}
	}
	return copts
}

// newClient builds the client and binds it to the --user account.
func newClient() (*client.Client, error) {
	if opts.User == "" {
		return nil, fmt.Errorf("missing --user")
	}
	c, err := client.New(fake.New(), clientOpts()...)
	if err != nil {
		return nil, err
	}
	if !c.Initiate(opts.User) {
		c.Close()
		return nil, fmt.Errorf("could not initiate account %q", opts.User)
	}
	return c, nil
}
