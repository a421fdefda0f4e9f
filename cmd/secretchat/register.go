package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type registerCommand struct {
	NoPreKeys bool `long:"no-prekeys" description:"Skip the prekey upload after registering"`
	Force     bool `long:"force" description:"Clear sticky registration state and register again"`
}

func (cmd *registerCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	sendPreKeys := !cmd.NoPreKeys
	var ok bool
	if cmd.Force {
		ok = c.ReRegister(ctx, sendPreKeys)
	} else {
		ok = c.Register(ctx, sendPreKeys)
	}
	if !ok {
		return fmt.Errorf("registration failed for %s (device %d)", c.UserID(), c.DeviceID())
	}

	fmt.Printf("Registered %s (device %d)\n", c.UserID(), c.DeviceID())
	return nil
}

type sendPreKeysCommand struct{}

func (cmd *sendPreKeysCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if !c.SendPreKeys(ctx) {
		return fmt.Errorf("prekey upload failed")
	}
	fmt.Println("Prekey batch uploaded")
	return nil
}
