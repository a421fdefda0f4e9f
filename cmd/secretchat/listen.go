package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
)

type listenCommand struct{}

func (cmd *listenCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Println("Listening for coordination-service events, Ctrl-C to stop")
	if err := c.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
