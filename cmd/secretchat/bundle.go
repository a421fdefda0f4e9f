package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type bundleCommand struct {
	Args struct {
		Users []string `positional-arg-name:"user" required:"1" description:"Remote user ids to fetch bundles for"`
	} `positional-args:"true" required:"true"`
}

func (cmd *bundleCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if !c.RequestBundle(ctx, cmd.Args.Users...) {
		return fmt.Errorf("bundle request failed")
	}
	for _, user := range cmd.Args.Users {
		if c.HasSession(user) {
			fmt.Printf("%s: session established\n", user)
		} else {
			fmt.Printf("%s: no bundle available\n", user)
		}
	}
	return nil
}
